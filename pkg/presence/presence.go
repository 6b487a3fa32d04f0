// Package presence tracks which users are subscribed to a collection.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Tracker interface {
	Join(ctx context.Context, collection, user string) error
	Leave(ctx context.Context, collection, user string) error
	Members(ctx context.Context, collection string) ([]string, error)
}

func key(collection string) string {
	return "collection:" + collection + ":users"
}

// Redis keeps one set per collection, shared by every gateway.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *Redis) Join(ctx context.Context, collection, user string) error {
	return r.rdb.SAdd(ctx, key(collection), user).Err()
}

func (r *Redis) Leave(ctx context.Context, collection, user string) error {
	return r.rdb.SRem(ctx, key(collection), user).Err()
}

func (r *Redis) Members(ctx context.Context, collection string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, key(collection)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Memory is a Tracker for single process deployments.
type Memory struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{sets: make(map[string]map[string]struct{})}
}

func (m *Memory) Join(_ context.Context, collection, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[collection] == nil {
		m.sets[collection] = make(map[string]struct{})
	}
	m.sets[collection][user] = struct{}{}
	return nil
}

func (m *Memory) Leave(_ context.Context, collection, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[collection], user)
	if len(m.sets[collection]) == 0 {
		delete(m.sets, collection)
	}
	return nil
}

func (m *Memory) Members(_ context.Context, collection string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.sets[collection]))
	for u := range m.sets[collection] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}
