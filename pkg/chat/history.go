package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/model"
)

// Cipher is the symmetric codec applied to message bodies.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) string
}

// History reads and writes the durable copy of a topic's messages.
type History struct {
	apiURL string
	http   *http.Client
	tokens TokenSource
	cipher Cipher
	log    zerolog.Logger
}

func NewHistory(apiURL string, httpClient *http.Client, tokens TokenSource, cipher Cipher, log zerolog.Logger) *History {
	return &History{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		http:   httpClient,
		tokens: tokens,
		cipher: cipher,
		log:    log,
	}
}

// FetchHistory returns every stored message of topic in the order the store
// returns them, always as plaintext. On failure it logs and returns an empty
// slice together with the cause.
func (h *History) FetchHistory(ctx context.Context, topic string) ([]model.Message, error) {
	var records []model.Record
	if err := h.do(ctx, http.MethodGet, h.collectionURL(topic), nil, &records); err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("fetch history failed")
		return []model.Message{}, err
	}

	messages := make([]model.Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, h.reveal(r.Message()))
	}

	h.log.Debug().Str("topic", topic).Int("count", len(messages)).Msg("fetched history")
	return messages, nil
}

// SaveMessage stores msg under topic. The body is encrypted before it leaves
// the process unless it already is. The stored record is returned as
// plaintext with any id or timestamp the service assigned.
func (h *History) SaveMessage(ctx context.Context, topic string, msg model.Message) (model.Message, error) {
	if _, err := h.tokens.Token(); err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("save message without session")
		return model.Message{}, err
	}

	out := msg
	if !out.Encrypted {
		ciphertext, err := h.cipher.Encrypt(out.Text)
		if err != nil {
			h.log.Error().Err(err).Str("topic", topic).Msg("encrypt message failed")
			return model.Message{}, err
		}
		out.Text = ciphertext
		out.Encrypted = true
	}

	var stored model.Record
	if err := h.do(ctx, http.MethodPost, h.collectionURL(topic), out, &stored); err != nil {
		h.log.Error().Err(err).Str("topic", topic).Str("id", msg.ID).Msg("save message failed")
		return model.Message{}, err
	}

	if stored.ID == "" {
		// Services that do not echo the record still accepted it.
		return h.reveal(out), nil
	}
	return h.reveal(stored.Message()), nil
}

// Online lists the users currently subscribed to topic.
func (h *History) Online(ctx context.Context, topic string) ([]string, error) {
	var users []string
	if err := h.do(ctx, http.MethodGet, h.apiURL+"/presence/"+url.PathEscape(topic), nil, &users); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("presence lookup failed")
		return nil, err
	}
	return users, nil
}

func (h *History) reveal(m model.Message) model.Message {
	if m.Encrypted {
		m.Text = h.cipher.Decrypt(m.Text)
		m.Encrypted = false
	}
	return m
}

func (h *History) collectionURL(topic string) string {
	return h.apiURL + "/collections/" + url.PathEscape(topic)
}

// do performs one authorized JSON request. It never touches the network
// without a token.
func (h *History) do(ctx context.Context, method, target string, in, out any) error {
	token, err := h.tokens.Token()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: service rejected token (status %d)", ErrUnauthenticated, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrTransport, method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}
