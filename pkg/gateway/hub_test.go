package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/broker"
	"github.com/mahaj/critica-chat/pkg/model"
	"github.com/mahaj/critica-chat/pkg/presence"
)

type harness struct {
	url      string
	issuer   *auth.Issuer
	bus      *broker.Memory
	presence *presence.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	bus := broker.NewMemory(zerolog.Nop())
	tracker := presence.NewMemory()
	hub := NewHub(issuer, bus, tracker, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- hub.Run(ctx) }()

	ts := httptest.NewServer(hub.Router())
	t.Cleanup(func() {
		cancel()
		<-runErr
		ts.Close()
	})

	return &harness{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		issuer:   issuer,
		bus:      bus,
		presence: tracker,
	}
}

func (h *harness) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()

	token, err := h.issuer.GenerateToken(auth.User{ID: "id-" + username, Username: username})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(h.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) subscribe(t *testing.T, conn *websocket.Conn, username, collection string) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(model.ControlFrame{Action: model.ActionSubscribe, Collection: collection}))
	require.Eventually(t, func() bool {
		users, _ := h.presence.Members(context.Background(), collection)
		for _, u := range users {
			if u == username {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func (h *harness) publish(t *testing.T, collection, id string) {
	t.Helper()
	ev := model.Event{
		Type:       model.EventCreate,
		Collection: collection,
		Document:   model.Record{ID: id, Data: model.RecordData{Text: "hola", Sender: "ana"}},
	}
	require.NoError(t, h.bus.Publish(context.Background(), ev))
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	// A batch may hold several events; the first is enough here.
	line := strings.SplitN(string(data), "\n", 2)[0]
	ev, err := model.ParseEvent([]byte(line))
	require.NoError(t, err)
	return ev
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWSRejectsInvalidToken(t *testing.T) {
	h := newHarness(t)

	other, err := auth.NewIssuer("another-secret", time.Hour)
	require.NoError(t, err)
	token, err := other.GenerateToken(auth.User{ID: "x", Username: "x"})
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?token="+token, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeliversOnlySubscribedCollections(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "ana")
	h.subscribe(t, conn, "ana", "chat_general")

	h.publish(t, "chat_other", "skip")
	h.publish(t, "chat_general", "m1")

	ev := readEvent(t, conn)
	assert.Equal(t, model.EventCreate, ev.Type)
	assert.Equal(t, "chat_general", ev.Collection)
	assert.Equal(t, "m1", ev.Document.ID)
	assert.Equal(t, "hola", ev.Document.Data.Text)
}

func TestFanOutToEverySubscriber(t *testing.T) {
	h := newHarness(t)
	ana := h.dial(t, "ana")
	bea := h.dial(t, "bea")
	h.subscribe(t, ana, "ana", "chat_general")
	h.subscribe(t, bea, "bea", "chat_general")

	h.publish(t, "chat_general", "m1")

	assert.Equal(t, "m1", readEvent(t, ana).Document.ID)
	assert.Equal(t, "m1", readEvent(t, bea).Document.ID)
}

func TestIgnoresUnknownFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "ana")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(model.ControlFrame{Action: "unsubscribe", Collection: "chat_general"}))
	h.subscribe(t, conn, "ana", "chat_general")

	h.publish(t, "chat_general", "m1")
	assert.Equal(t, "m1", readEvent(t, conn).Document.ID)
}

func TestPresenceFollowsConnections(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "ana")
	second := h.dial(t, "ana")
	h.subscribe(t, first, "ana", "chat_general")
	h.subscribe(t, second, "ana", "chat_general")

	require.NoError(t, first.Close())
	// The second connection keeps ana online.
	time.Sleep(50 * time.Millisecond)
	users, err := h.presence.Members(context.Background(), "chat_general")
	require.NoError(t, err)
	assert.Equal(t, []string{"ana"}, users)

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool {
		users, _ := h.presence.Members(context.Background(), "chat_general")
		return len(users) == 0
	}, time.Second, 10*time.Millisecond)
}

type closingSubscriber struct {
	ch chan model.Event
}

func (s closingSubscriber) Subscribe(context.Context) (<-chan model.Event, error) {
	return s.ch, nil
}

func TestRunFailsWhenEventStreamCloses(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	events := make(chan model.Event)
	hub := NewHub(issuer, closingSubscriber{ch: events}, presence.NewMemory(), zerolog.Nop())

	runErr := make(chan error, 1)
	go func() { runErr <- hub.Run(context.Background()) }()

	close(events)

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrEventStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after the event stream closed")
	}
}
