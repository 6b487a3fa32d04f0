// Package broker fans collection events out from the api to every gateway.
package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/model"
)

type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Subscriber delivers every event published after Subscribe returns. The
// channel closes once ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan model.Event, error)
}

const subscriberBuffer = 256

// Memory fans events out inside one process.
type Memory struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[chan model.Event]struct{}
}

func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{log: log, subs: make(map[chan model.Event]struct{})}
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (m *Memory) Publish(_ context.Context, ev model.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn().Str("collection", ev.Collection).Str("id", ev.Document.ID).Msg("subscriber lagging, event dropped")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan model.Event, error) {
	ch := make(chan model.Event, subscriberBuffer)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()

	return ch, nil
}
