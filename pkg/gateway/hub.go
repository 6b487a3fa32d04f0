// Package gateway pushes collection events to websocket subscribers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/broker"
	"github.com/mahaj/critica-chat/pkg/model"
	"github.com/mahaj/critica-chat/pkg/presence"
)

// ErrEventStreamClosed is returned by Run when the broker stops delivering
// before the hub is told to stop.
var ErrEventStreamClosed = errors.New("event stream closed")

type subscription struct {
	client     *Client
	collection string
}

// Hub owns every connected client. All maps are only touched from Run.
type Hub struct {
	issuer   *auth.Issuer
	events   broker.Subscriber
	presence presence.Tracker
	log      zerolog.Logger

	clients   map[string]map[*Client]bool // collection -> subscribed clients
	connected map[*Client]bool
	members   map[string]map[string]int // collection -> username -> open subscriptions

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	done       chan struct{}
}

func NewHub(issuer *auth.Issuer, events broker.Subscriber, tracker presence.Tracker, log zerolog.Logger) *Hub {
	return &Hub{
		issuer:     issuer,
		events:     events,
		presence:   tracker,
		log:        log,
		clients:    make(map[string]map[*Client]bool),
		connected:  make(map[*Client]bool),
		members:    make(map[string]map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
	}
}

// Router serves the websocket endpoint at /ws.
func (h *Hub) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.ServeWS)
	return r
}

// Run delivers broker events until ctx is done, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	events, err := h.events.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.connected {
				h.drop(c)
			}
			return ctx.Err()

		case c := <-h.register:
			h.connected[c] = true
			h.log.Info().Str("user_id", c.ID).Msg("client registered")

		case c := <-h.unregister:
			if h.connected[c] {
				h.drop(c)
				h.log.Info().Str("user_id", c.ID).Msg("client unregistered")
			}

		case sub := <-h.subscribe:
			h.addSubscription(sub)

		case ev, ok := <-events:
			if !ok {
				for c := range h.connected {
					h.drop(c)
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				h.log.Error().Msg("event stream closed")
				return ErrEventStreamClosed
			}
			h.deliver(ev)
		}
	}
}

func (h *Hub) addSubscription(sub subscription) {
	c := sub.client
	if !h.connected[c] || c.subs[sub.collection] {
		return
	}
	c.subs[sub.collection] = true

	if h.clients[sub.collection] == nil {
		h.clients[sub.collection] = make(map[*Client]bool)
	}
	h.clients[sub.collection][c] = true

	if h.members[sub.collection] == nil {
		h.members[sub.collection] = make(map[string]int)
	}
	h.members[sub.collection][c.Username]++
	if h.members[sub.collection][c.Username] == 1 {
		if err := h.presence.Join(context.Background(), sub.collection, c.Username); err != nil {
			h.log.Error().Err(err).Str("collection", sub.collection).Str("user", c.Username).Msg("failed to set presence")
		}
	}
	h.log.Debug().Str("user_id", c.ID).Str("collection", sub.collection).Msg("subscribed")
}

// drop forgets c and closes its send channel, which ends writePump.
func (h *Hub) drop(c *Client) {
	for collection := range c.subs {
		if clients, ok := h.clients[collection]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.clients, collection)
			}
		}

		counts := h.members[collection]
		counts[c.Username]--
		if counts[c.Username] > 0 {
			continue
		}
		delete(counts, c.Username)
		if len(counts) == 0 {
			delete(h.members, collection)
		}
		if err := h.presence.Leave(context.Background(), collection, c.Username); err != nil {
			h.log.Error().Err(err).Str("collection", collection).Str("user", c.Username).Msg("failed to delete presence")
		}
	}
	delete(h.connected, c)
	close(c.send)
}

func (h *Hub) deliver(ev model.Event) {
	clients := h.clients[ev.Collection]
	if len(clients) == 0 {
		return
	}

	frame, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("collection", ev.Collection).Msg("failed to marshal event")
		return
	}

	for c := range clients {
		select {
		case c.send <- frame:
		default:
			h.log.Warn().Str("user_id", c.ID).Msg("client too slow, disconnecting")
			h.drop(c)
		}
	}
}
