// Package chat is the client side of the community chat: a credential
// session, the history store, the live channel and the Room facade that ties
// them into one lifecycle.
package chat

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/codec"
	"github.com/mahaj/critica-chat/pkg/config"
	"github.com/mahaj/critica-chat/pkg/model"
	"github.com/mahaj/critica-chat/pkg/snowflake"
)

// Client owns the per application session state. Build one and pass it to
// whatever needs to talk to the chat service.
type Client struct {
	Session *Session
	History *History
	Channel *Channel
	Codec   *codec.Codec

	cfg config.ClientConfig
	ids *snowflake.Node
	log zerolog.Logger

	// Rooms share Channel. One dispatch listener fans events out to the
	// joined rooms; it is registered once per channel lifetime.
	mu       sync.Mutex
	joined   map[*Room]bool
	attached bool
}

func New(cfg config.ClientConfig, log zerolog.Logger) (*Client, error) {
	cdc, err := codec.New(cfg.EncryptionKey, codec.Options{
		Scheme:      cfg.Scheme,
		Placeholder: cfg.Placeholder,
	}, log.With().Str("component", "codec").Logger())
	if err != nil {
		return nil, err
	}

	ids, err := snowflake.NewNode(cfg.Node)
	if err != nil {
		return nil, fmt.Errorf("message ids: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	session := NewSession(cfg.APIURL, httpClient, log.With().Str("component", "session").Logger())

	return &Client{
		Session: session,
		History: NewHistory(cfg.APIURL, httpClient, session, cdc, log.With().Str("component", "history").Logger()),
		Channel: NewChannel(cfg.WSURL, dialer, cdc, log.With().Str("component", "channel").Logger()),
		Codec:   cdc,
		cfg:     cfg,
		ids:     ids,
		log:     log,
		joined:  make(map[*Room]bool),
	}, nil
}

// Room returns the facade for conversation. An empty conversation is the
// configured default topic.
func (c *Client) Room(conversation string) *Room {
	return newRoom(c, conversation)
}

// enter marks r joined, opening the channel when it is not open and
// subscribing r's topic. A fresh connection also resubscribes every other
// joined room.
func (c *Client) enter(ctx context.Context, r *Room, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reopened := false
	if c.Channel.State() != StateOpen {
		if err := c.Channel.Open(ctx, token); err != nil {
			return err
		}
		reopened = true
	}
	if !c.attached {
		c.Channel.OnMessage(c.dispatch)
		c.attached = true
	}
	c.joined[r] = true

	if reopened {
		for other := range c.joined {
			if other != r && !c.Channel.Subscribe(other.topic) {
				c.log.Warn().Str("topic", other.topic).Msg("resubscribe failed")
			}
		}
	}
	if !c.Channel.Subscribe(r.topic) {
		return fmt.Errorf("subscribe: %w", ErrChannelNotOpen)
	}
	return nil
}

// leave forgets r. The channel closes with the last joined room.
func (c *Client) leave(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined[r] {
		return
	}
	delete(c.joined, r)
	if len(c.joined) == 0 {
		c.Channel.Close()
		c.attached = false
	}
}

func (c *Client) isJoined(r *Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[r]
}

func (c *Client) dispatch(topic string, msg model.Message) {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.joined))
	for r := range c.joined {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		r.receive(topic, msg)
	}
}
