package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/critica-chat/pkg/model"
)

// openChannel logs in and opens the client's channel, returning the server
// side of the connection.
func openChannel(t *testing.T, svc *fakeService, c *Client) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Session.Login(ctx, "admin", "admin123"))
	token, err := c.Session.Token()
	require.NoError(t, err)
	require.NoError(t, c.Channel.Open(ctx, token))
	t.Cleanup(c.Channel.Close)
}

func chatEvent(id, text string) model.Event {
	return model.Event{
		Type:       model.EventCreate,
		Collection: "chat_general",
		Document: model.Record{
			ID:        id,
			CreatedAt: time.Now().UTC(),
			Data:      model.RecordData{Text: text, Sender: "maria", Timestamp: time.Now().UTC()},
		},
	}
}

func TestChannel_SubscribeBeforeOpen(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()

	assert.Equal(t, StateClosed, c.Channel.State())
	assert.False(t, c.Channel.Subscribe("chat_general"))
	assert.Empty(t, c.Channel.Subscriptions())
}

func TestChannel_OpenRequiresToken(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()

	err := c.Channel.Open(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, StateClosed, c.Channel.State())
}

func TestChannel_HandshakeRejected(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()

	err := c.Channel.Open(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, StateClosed, c.Channel.State())
	assert.False(t, c.Channel.Subscribe("chat_general"))
}

func TestChannel_SubscribeSendsControlFrame(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	openChannel(t, svc, c)
	svc.accept()

	assert.Equal(t, StateOpen, c.Channel.State())
	require.True(t, c.Channel.Subscribe("chat_general"))

	frame := svc.nextSubscription()
	assert.Equal(t, model.ControlFrame{Action: "subscribe", Collection: "chat_general", DocumentID: ""}, frame)
	assert.Equal(t, []string{"chat_general"}, c.Channel.Subscriptions())

	// A repeated subscription is not sent again.
	require.True(t, c.Channel.Subscribe("chat_general"))
	require.True(t, c.Channel.Subscribe("chat_otro"))
	assert.Equal(t, "chat_otro", svc.nextSubscription().Collection)
}

func TestChannel_IgnoresNonChatAndMalformedFrames(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	listener, got := collect()
	c.Channel.OnMessage(listener)
	openChannel(t, svc, c)
	conn := svc.accept()

	update := chatEvent("u1", "editado")
	update.Type = "update"
	other := chatEvent("o1", "otra coleccion")
	other.Collection = "videos"

	svc.pushEvent(conn, update)
	svc.pushEvent(conn, other)
	svc.push(conn, `{"type":"create","collection":"chat_general","document":"nope"}`)
	svc.push(conn, `{not json`)
	svc.push(conn, `{"type":"presence","collection":"chat_general","document":{"weird":[1,2]}}`)
	svc.pushEvent(conn, chatEvent("s1", "sentinel"))

	m := recv(t, got)
	assert.Equal(t, "sentinel", m.Text)
	assert.Empty(t, got)
	assert.Equal(t, StateOpen, c.Channel.State())
}

func TestChannel_DeliversInArrivalOrderToAllListeners(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	first, gotFirst := collect()
	second, gotSecond := collect()
	c.Channel.OnMessage(first)
	c.Channel.OnMessage(second)
	openChannel(t, svc, c)
	conn := svc.accept()

	svc.pushEvent(conn, chatEvent("a", "A"))
	svc.pushEvent(conn, chatEvent("b", "B"))

	for _, ch := range []chan model.Message{gotFirst, gotSecond} {
		assert.Equal(t, "A", recv(t, ch).Text)
		assert.Equal(t, "B", recv(t, ch).Text)
	}
}

func TestChannel_BatchedFrame(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	listener, got := collect()
	c.Channel.OnMessage(listener)
	openChannel(t, svc, c)
	conn := svc.accept()

	svc.push(conn, `{"type":"create","collection":"chat_general","document":{"id":"1","data":{"text":"uno"}}}
{"type":"create","collection":"chat_general","document":{"id":"2","data":{"text":"dos"}}}`)

	assert.Equal(t, "uno", recv(t, got).Text)
	assert.Equal(t, "dos", recv(t, got).Text)
}

func TestChannel_DecryptsFlaggedPayload(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	listener, got := collect()
	c.Channel.OnMessage(listener)
	openChannel(t, svc, c)
	conn := svc.accept()

	ct, err := c.Codec.Encrypt("hola")
	require.NoError(t, err)

	ev := chatEvent("x1", ct)
	ev.Document.Data.Encrypted = true
	svc.pushEvent(conn, ev)

	m := recv(t, got)
	assert.Equal(t, "hola", m.Text)
	assert.False(t, m.Encrypted)
	assert.Equal(t, "maria", m.Sender)
	assert.Equal(t, "x1", m.ID)
}

func TestChannel_DropsRedeliveredDocuments(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	listener, got := collect()
	c.Channel.OnMessage(listener)
	openChannel(t, svc, c)
	conn := svc.accept()

	svc.pushEvent(conn, chatEvent("dup", "una vez"))
	svc.pushEvent(conn, chatEvent("dup", "una vez"))
	svc.pushEvent(conn, chatEvent("next", "siguiente"))

	assert.Equal(t, "una vez", recv(t, got).Text)
	assert.Equal(t, "siguiente", recv(t, got).Text)
	assert.Empty(t, got)
}

func TestChannel_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	c.Channel.OnMessage(func(string, model.Message) { panic("boom") })
	listener, got := collect()
	c.Channel.OnMessage(listener)
	openChannel(t, svc, c)
	conn := svc.accept()

	svc.pushEvent(conn, chatEvent("p1", "uno"))
	svc.pushEvent(conn, chatEvent("p2", "dos"))

	assert.Equal(t, "uno", recv(t, got).Text)
	assert.Equal(t, "dos", recv(t, got).Text)
}

func TestChannel_CloseIsIdempotentAndReopenStartsClean(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	old, gotOld := collect()
	c.Channel.OnMessage(old)
	openChannel(t, svc, c)
	svc.accept()
	require.True(t, c.Channel.Subscribe("chat_general"))
	svc.nextSubscription()

	c.Channel.Close()
	c.Channel.Close()
	assert.Equal(t, StateClosed, c.Channel.State())
	assert.Empty(t, c.Channel.Subscriptions())
	assert.False(t, c.Channel.Subscribe("chat_general"))

	fresh, gotFresh := collect()
	c.Channel.OnMessage(fresh)

	token, err := c.Session.Token()
	require.NoError(t, err)
	require.NoError(t, c.Channel.Open(context.Background(), token))
	conn := svc.accept()

	svc.pushEvent(conn, chatEvent("r1", "otra vez"))

	assert.Equal(t, "otra vez", recv(t, gotFresh).Text)
	assert.Empty(t, gotFresh)
	assert.Empty(t, gotOld)
}

func TestChannel_ServerDropClosesChannel(t *testing.T) {
	svc := newFakeService(t)
	c := svc.newClient()
	openChannel(t, svc, c)
	conn := svc.accept()

	conn.Close()

	assert.Eventually(t, func() bool {
		return c.Channel.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Channel.Subscribe("chat_general"))
}

func TestRecentIDs(t *testing.T) {
	r := newRecentIDs(2)
	assert.True(t, r.add("a"))
	assert.False(t, r.add("a"))
	assert.True(t, r.add(""))
	assert.True(t, r.add(""))
	assert.True(t, r.add("b"))
	assert.True(t, r.add("c")) // evicts a
	assert.True(t, r.add("a"))
	assert.False(t, r.add("c"))

	r.reset()
	assert.True(t, r.add("c"))
}
