package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/config"
	"github.com/mahaj/critica-chat/pkg/model"
)

// fakeService speaks the collection service protocol from memory.
type fakeService struct {
	t      *testing.T
	srv    *httptest.Server
	issuer *auth.Issuer

	mu         sync.Mutex
	records    map[string][]model.Record
	posted     []model.Message
	authorized int
	conns      []*websocket.Conn
	status     int  // forced status for collection requests, 0 = normal
	echo       bool // broadcast create events for every POST

	writeMu sync.Mutex
	connCh  chan *websocket.Conn
	subCh   chan model.ControlFrame
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	s := &fakeService{
		t:       t,
		issuer:  issuer,
		records: make(map[string][]model.Record),
		connCh:  make(chan *websocket.Conn, 8),
		subCh:   make(chan model.ControlFrame, 32),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("GET /api/collections/{topic}", s.authorize(s.handleList))
	mux.HandleFunc("POST /api/collections/{topic}", s.authorize(s.handleInsert))
	mux.HandleFunc("GET /api/presence/{topic}", s.authorize(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{"admin", "maria"})
	}))
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func (s *fakeService) clientConfig() config.ClientConfig {
	cfg := config.DefaultConfig().Client
	cfg.APIURL = s.srv.URL + "/api"
	cfg.WSURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	cfg.HTTPTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 5 * time.Second
	return cfg
}

func (s *fakeService) newClient() *Client {
	s.t.Helper()
	c, err := New(s.clientConfig(), zerolog.Nop())
	require.NoError(s.t, err)
	return c
}

func (s *fakeService) token() string {
	s.t.Helper()
	token, err := s.issuer.GenerateToken(auth.User{ID: "u-1", Username: "admin", Roles: "admin"})
	require.NoError(s.t, err)
	return token
}

func (s *fakeService) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Username != "admin" || req.Password != "admin123" {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(model.LoginResponse{
		Token:    s.token(),
		UserID:   "u-1",
		Username: "admin",
		Roles:    "admin",
	})
}

func (s *fakeService) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.issuer.ValidateToken(auth.TokenFromRequest(r)); err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.authorized++
		status := s.status
		s.mu.Unlock()
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next(w, r)
	}
}

func (s *fakeService) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	records := s.records[r.PathValue("topic")]
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(records)
}

func (s *fakeService) handleInsert(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	var msg model.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	rec := model.Record{ID: "srv-" + msg.ID, CreatedAt: time.Now().UTC(), Data: msg.Data()}

	s.mu.Lock()
	s.posted = append(s.posted, msg)
	s.records[topic] = append(s.records[topic], rec)
	echo := s.echo
	s.mu.Unlock()

	if echo {
		s.broadcast(model.Event{Type: model.EventCreate, Collection: topic, Document: rec})
	}
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *fakeService) handleWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.issuer.ValidateToken(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.connCh <- conn

	for {
		var frame model.ControlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.subCh <- frame
	}
}

// accept waits for the next websocket connection.
func (s *fakeService) accept() *websocket.Conn {
	s.t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(2 * time.Second):
		s.t.Fatal("no websocket connection")
		return nil
	}
}

func (s *fakeService) nextSubscription() model.ControlFrame {
	s.t.Helper()
	select {
	case f := <-s.subCh:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatal("no subscribe frame")
		return model.ControlFrame{}
	}
}

func (s *fakeService) push(conn *websocket.Conn, frame string) {
	s.t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	require.NoError(s.t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (s *fakeService) pushEvent(conn *websocket.Conn, ev model.Event) {
	s.t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(s.t, err)
	s.push(conn, string(b))
}

func (s *fakeService) broadcast(ev model.Event) {
	b, _ := json.Marshal(ev)

	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
}

func (s *fakeService) postedMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.posted...)
}

func (s *fakeService) authorizedRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

func (s *fakeService) seed(topic string, recs ...model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[topic] = append(s.records[topic], recs...)
}

func (s *fakeService) setStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// collect returns a listener that forwards deliveries to a channel.
func collect() (Listener, chan model.Message) {
	ch := make(chan model.Message, 64)
	return func(_ string, m model.Message) { ch <- m }, ch
}

func recv(t *testing.T, ch chan model.Message) model.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return model.Message{}
	}
}
