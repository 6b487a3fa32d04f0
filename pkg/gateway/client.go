package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Control frames are small.
	maxMessageSize = 4096

	sendBuffer = 256
)

var newline = []byte{'\n'}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	ID       string
	Username string

	// Owned by the hub goroutine.
	subs map[string]bool
}

// readPump turns control frames into hub subscriptions.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("user_id", c.ID).Msg("read failed")
			}
			return
		}

		var frame model.ControlFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.hub.log.Debug().Err(err).Str("user_id", c.ID).Msg("ignoring malformed frame")
			continue
		}
		if frame.Action != model.ActionSubscribe || frame.Collection == "" {
			c.hub.log.Debug().Str("user_id", c.ID).Str("action", frame.Action).Msg("ignoring frame")
			continue
		}

		select {
		case c.hub.subscribe <- subscription{client: c, collection: frame.Collection}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps events from the hub to the websocket connection. Queued
// events are batched into one websocket message, one JSON object per line.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS authenticates the token query parameter (or Authorization header)
// and upgrades the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenString := auth.TokenFromRequest(r)
	if tokenString == "" {
		h.log.Info().Msg("websocket rejected: no token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := h.issuer.ValidateToken(tokenString)
	if err != nil {
		h.log.Info().Err(err).Msg("websocket rejected: invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	username := claims.Username
	if username == "" {
		username = claims.UserID
	}
	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		ID:       claims.UserID,
		Username: username,
		subs:     make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
