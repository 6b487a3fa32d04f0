package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/model"
)

// Identity is who the current session is logged in as.
type Identity struct {
	UserID    string
	Username  string
	Roles     string
	ExpiresAt time.Time
}

// DisplayName is the sender name used for outgoing messages.
func (i Identity) DisplayName() string {
	if i.Username != "" {
		return i.Username
	}
	return i.UserID
}

// TokenSource hands out the bearer token for authorized calls.
type TokenSource interface {
	Token() (string, error)
}

// Session holds the credential obtained from a login exchange.
type Session struct {
	apiURL string
	http   *http.Client
	log    zerolog.Logger

	mu       sync.RWMutex
	token    string
	identity Identity
}

func NewSession(apiURL string, httpClient *http.Client, log zerolog.Logger) *Session {
	return &Session{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		http:   httpClient,
		log:    log,
	}
}

// Login exchanges credentials for a token. Any failure leaves the session
// unauthenticated; there is no retry.
func (s *Session) Login(ctx context.Context, username, password string) error {
	token, identity, err := s.exchange(ctx, username, password)
	if err != nil {
		s.Logout()
		s.log.Error().Err(err).Str("username", username).Msg("login failed")
		return err
	}

	s.mu.Lock()
	s.token = token
	s.identity = identity
	s.mu.Unlock()

	s.log.Info().
		Str("user_id", identity.UserID).
		Str("username", identity.Username).
		Time("expires_at", identity.ExpiresAt).
		Msg("logged in")
	return nil
}

func (s *Session) exchange(ctx context.Context, username, password string) (string, Identity, error) {
	reqBody, err := json.Marshal(model.LoginRequest{Username: username, Password: password})
	if err != nil {
		return "", Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/login", bytes.NewReader(reqBody))
	if err != nil {
		return "", Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", Identity{}, fmt.Errorf("%w: status %d: %s", ErrAuthentication, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var loginResp model.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", Identity{}, fmt.Errorf("%w: decode response: %v", ErrAuthentication, err)
	}
	if loginResp.Token == "" {
		return "", Identity{}, fmt.Errorf("%w: response carried no token", ErrAuthentication)
	}

	identity := Identity{
		UserID:   loginResp.UserID,
		Username: loginResp.Username,
		Roles:    loginResp.Roles,
	}

	// Tokens are opaque to the protocol; when they happen to be JWTs the
	// claims fill in whatever the response left out.
	if claims, err := auth.PeekClaims(loginResp.Token); err == nil {
		if claims.ExpiresAt != nil {
			identity.ExpiresAt = claims.ExpiresAt.Time
		}
		if identity.UserID == "" {
			identity.UserID = claims.UserID
		}
		if identity.Username == "" {
			identity.Username = claims.Username
		}
	}
	if identity.Username == "" {
		identity.Username = username
	}

	return loginResp.Token, identity, nil
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Logout forgets the token and identity. Safe to call repeatedly.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.identity = Identity{}
}

// Token implements TokenSource.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrUnauthenticated
	}
	return s.token, nil
}

func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}
