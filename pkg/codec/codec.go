// Package codec encrypts chat message bodies with a deployment-wide shared
// passphrase.
//
// Two wire formats are understood. The openssl format is AES-256-CBC with an
// EVP_BytesToKey (MD5) derived key and the "Salted__" header, which is what
// browser clients using CryptoJS passphrase mode produce. The gcm format is
// AES-256-GCM keyed by HKDF-SHA256 over the passphrase and a per-message salt.
// Open detects the format from the decoded header, so a deployment can switch
// schemes without losing its history.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// Scheme selects the format Encrypt produces.
type Scheme string

const (
	SchemeOpenSSL Scheme = "openssl"
	SchemeGCM     Scheme = "gcm"
)

// DefaultPlaceholder replaces messages that cannot be decrypted.
const DefaultPlaceholder = "Mensaje cifrado (error al descifrar)"

var ErrMalformed = errors.New("malformed ciphertext")

var (
	opensslMagic = []byte("Salted__")
	gcmMagic     = []byte("GCM1")
	hkdfInfo     = []byte("critica-chat message")
)

const (
	opensslSaltLen = 8
	gcmSaltLen     = 16
	keyLen         = 32
)

// Options tunes a Codec. Zero values pick the defaults.
type Options struct {
	Scheme      Scheme
	Placeholder string
}

// Codec is safe for concurrent use.
type Codec struct {
	key         []byte
	scheme      Scheme
	placeholder string
	log         zerolog.Logger
	rand        io.Reader
}

// New returns a Codec for the shared passphrase key.
func New(key string, opts Options, log zerolog.Logger) (*Codec, error) {
	if key == "" {
		return nil, errors.New("codec: empty key")
	}

	if opts.Scheme == "" {
		opts.Scheme = SchemeOpenSSL
	}
	if opts.Scheme != SchemeOpenSSL && opts.Scheme != SchemeGCM {
		return nil, fmt.Errorf("codec: unknown scheme %q", opts.Scheme)
	}
	if opts.Placeholder == "" {
		opts.Placeholder = DefaultPlaceholder
	}

	return &Codec{
		key:         []byte(key),
		scheme:      opts.Scheme,
		placeholder: opts.Placeholder,
		log:         log,
		rand:        rand.Reader,
	}, nil
}

// Placeholder is the text Decrypt returns for undecryptable input.
func (c *Codec) Placeholder() string {
	return c.placeholder
}

// Encrypt seals plaintext with fresh random salt, so equal plaintexts never
// produce equal ciphertexts.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	var (
		raw []byte
		err error
	)
	switch c.scheme {
	case SchemeGCM:
		raw, err = c.sealGCM([]byte(plaintext))
	default:
		raw, err = c.sealOpenSSL([]byte(plaintext))
	}
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Open is the strict inverse of Encrypt.
func (c *Codec) Open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var plain []byte
	switch {
	case bytes.HasPrefix(raw, opensslMagic):
		plain, err = c.openOpenSSL(raw[len(opensslMagic):])
	case bytes.HasPrefix(raw, gcmMagic):
		plain, err = c.openGCM(raw[len(gcmMagic):])
	default:
		return "", fmt.Errorf("%w: unknown header", ErrMalformed)
	}
	if err != nil {
		return "", err
	}

	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not utf-8", ErrMalformed)
	}
	return string(plain), nil
}

// Decrypt never fails: undecryptable input is logged and replaced by the
// placeholder so a single bad record cannot break a transcript.
func (c *Codec) Decrypt(ciphertext string) string {
	plain, err := c.Open(ciphertext)
	if err != nil {
		c.log.Warn().Err(err).Int("len", len(ciphertext)).Msg("undecryptable message")
		return c.placeholder
	}
	return plain
}

func (c *Codec) sealOpenSSL(plaintext []byte) ([]byte, error) {
	salt := make([]byte, opensslSaltLen)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	key, iv := bytesToKey(c.key, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(opensslMagic)+len(salt)+len(padded))
	n := copy(out, opensslMagic)
	n += copy(out[n:], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[n:], padded)
	return out, nil
}

func (c *Codec) openOpenSSL(raw []byte) ([]byte, error) {
	if len(raw) < opensslSaltLen+aes.BlockSize {
		return nil, fmt.Errorf("%w: short input", ErrMalformed)
	}
	salt, body := raw[:opensslSaltLen], raw[opensslSaltLen:]
	if len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: not a multiple of the block size", ErrMalformed)
	}

	key, iv := bytesToKey(c.key, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	return unpad(plain, aes.BlockSize)
}

func (c *Codec) sealGCM(plaintext []byte) ([]byte, error) {
	salt := make([]byte, gcmSaltLen)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	aead, err := c.gcm(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	out := make([]byte, 0, len(gcmMagic)+len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, gcmMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func (c *Codec) openGCM(raw []byte) ([]byte, error) {
	if len(raw) < gcmSaltLen {
		return nil, fmt.Errorf("%w: short input", ErrMalformed)
	}
	salt, rest := raw[:gcmSaltLen], raw[gcmSaltLen:]

	aead, err := c.gcm(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: short input", ErrMalformed)
	}

	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plain, nil
}

func (c *Codec) gcm(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.key, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// bytesToKey is OpenSSL's EVP_BytesToKey with MD5 and a single iteration,
// producing an AES-256 key followed by the CBC IV.
func bytesToKey(pass, salt []byte) (key, iv []byte) {
	var (
		derived []byte
		prev    []byte
	)
	for len(derived) < keyLen+aes.BlockSize {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+aes.BlockSize]
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrMalformed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}
