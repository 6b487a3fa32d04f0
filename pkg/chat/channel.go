package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 1 << 16

	// How many delivered document ids are remembered for redelivery checks.
	seenWindow = 512
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Listener receives chat messages delivered by a Channel, already decrypted.
type Listener func(topic string, msg model.Message)

// Channel is the live, subscription based connection to the gateway.
//
// Listeners run on the connection's reader goroutine, one at a time and in
// arrival order; a slow listener delays every following frame.
type Channel struct {
	wsURL  string
	dialer *websocket.Dialer
	cipher Cipher
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	conn      *websocket.Conn
	listeners []Listener
	subs      map[string]bool
	seen      *recentIDs

	writeMu sync.Mutex
}

func NewChannel(wsURL string, dialer *websocket.Dialer, cipher Cipher, log zerolog.Logger) *Channel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Channel{
		wsURL:  wsURL,
		dialer: dialer,
		cipher: cipher,
		log:    log,
		seen:   newRecentIDs(seenWindow),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open connects to the gateway, passing token as the token query parameter.
// An already open connection is dropped first; its subscriptions do not
// carry over but registered listeners do. There is no automatic reconnect.
func (c *Channel) Open(ctx context.Context, token string) error {
	if token == "" {
		c.log.Error().Msg("open channel without session")
		return ErrUnauthenticated
	}

	u, err := url.Parse(c.wsURL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrTransport, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	c.mu.Lock()
	prev := c.conn
	c.conn = nil
	c.subs = nil
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	if prev != nil {
		c.hangUp(prev)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		// Closed or reopened while the handshake was in flight.
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: closed during handshake", ErrChannelNotOpen)
	}

	if err != nil {
		c.state = StateClosed
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.log.Error().Err(err).Int("status", status).Msg("channel handshake failed")
		if status == 401 || status == 403 {
			return fmt.Errorf("%w: gateway rejected token (status %d)", ErrUnauthenticated, status)
		}
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	c.conn = conn
	c.state = StateOpen
	c.subs = make(map[string]bool)
	c.seen.reset()

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.keepAlive(conn, done)

	c.log.Info().Str("url", c.wsURL).Msg("channel open")
	return nil
}

// Subscribe asks the gateway for events of topic. It fails without retrying
// when the channel is not open. Repeated subscriptions to the same topic are
// sent once.
func (c *Channel) Subscribe(topic string) bool {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		c.log.Error().Str("topic", topic).Stringer("state", state).Msg("subscribe on a channel that is not open")
		return false
	}
	if c.subs[topic] {
		c.mu.Unlock()
		return true
	}
	conn := c.conn
	c.subs[topic] = true
	c.mu.Unlock()

	frame := model.ControlFrame{Action: model.ActionSubscribe, Collection: topic, DocumentID: ""}
	if err := c.writeJSON(conn, frame); err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
		c.mu.Lock()
		if c.conn == conn {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		return false
	}

	c.log.Debug().Str("topic", topic).Msg("subscribed")
	return true
}

// Subscriptions returns the topics subscribed on the current connection.
func (c *Channel) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}

// OnMessage registers l. Registering the same listener twice delivers every
// message to it twice.
func (c *Channel) OnMessage(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Close ends the connection and forgets listeners and subscriptions, so a
// later Open starts clean. Safe from any state and safe to repeat.
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.state = StateClosed
	c.listeners = nil
	c.subs = nil
	c.mu.Unlock()

	if conn != nil {
		c.hangUp(conn)
		c.log.Info().Msg("channel closed")
	}
}

func (c *Channel) hangUp(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

func (c *Channel) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// readLoop owns conn's inbound side until the connection ends.
func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.subs = nil
			c.state = StateClosed
			c.log.Warn().Msg("channel dropped")
		}
		c.mu.Unlock()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.current(conn) {
				c.log.Error().Err(err).Msg("channel read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleFrame(conn, data)
	}
}

func (c *Channel) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Channel) current(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

// handleFrame decodes every event in a frame. Gateways may batch several
// newline separated events into one frame.
func (c *Channel) handleFrame(conn *websocket.Conn, data []byte) {
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			}
			return
		}

		ev, err := model.ParseEvent(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed event")
			continue
		}
		c.dispatch(conn, ev)
	}
}

func (c *Channel) dispatch(conn *websocket.Conn, ev model.Event) {
	if !ev.IsChat() {
		c.log.Debug().Str("type", string(ev.Type)).Str("collection", ev.Collection).Msg("ignoring event")
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if !c.seen.add(ev.Document.ID) {
		c.mu.Unlock()
		c.log.Debug().Str("id", ev.Document.ID).Msg("dropping redelivered event")
		return
	}
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	msg := ev.Document.Message()
	if msg.Encrypted {
		msg.Text = c.cipher.Decrypt(msg.Text)
		msg.Encrypted = false
	}

	for _, l := range listeners {
		c.deliver(l, ev.Collection, msg)
	}
}

func (c *Channel) deliver(l Listener, topic string, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("topic", topic).Msg("listener panicked")
		}
	}()
	l(topic, msg)
}

// recentIDs is a fixed size set of the most recently seen ids.
type recentIDs struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

// add records id and reports whether it was new. Empty ids are always new.
func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}

func (r *recentIDs) reset() {
	clear(r.ring)
	clear(r.set)
	r.next = 0
}
