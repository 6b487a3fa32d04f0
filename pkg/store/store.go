// Package store persists collection records for the collection service.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/critica-chat/pkg/model"
)

var ErrDuplicate = errors.New("record already exists")

// Store keeps records grouped by collection, in insertion order.
type Store interface {
	List(ctx context.Context, collection string) ([]model.Record, error)
	Insert(ctx context.Context, collection string, rec model.Record) (model.Record, error)
}

// Prepare assigns a random id and the creation time when rec lacks them.
func Prepare(rec model.Record, now time.Time) model.Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	return rec
}

// Memory is a Store for single process deployments and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]model.Record
	ids         map[string]map[string]bool
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string][]model.Record),
		ids:         make(map[string]map[string]bool),
		now:         time.Now,
	}
}

func (m *Memory) List(_ context.Context, collection string) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Record{}, m.collections[collection]...), nil
}

func (m *Memory) Insert(_ context.Context, collection string, rec model.Record) (model.Record, error) {
	rec = Prepare(rec, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[collection] == nil {
		m.ids[collection] = make(map[string]bool)
	}
	if m.ids[collection][rec.ID] {
		return model.Record{}, ErrDuplicate
	}
	m.ids[collection][rec.ID] = true
	m.collections[collection] = append(m.collections[collection], rec)
	return rec, nil
}
