// Package presence mirrors relay membership into an external store.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/domain"
)

const DefaultKey = "relay:peers"

// Memory keeps presence in-process.
type Memory struct {
	mu  sync.Mutex
	ids map[domain.Identity]struct{}
}

func NewMemory() *Memory { return &Memory{ids: make(map[domain.Identity]struct{})} }

func (m *Memory) Join(_ context.Context, id domain.Identity) error {
	m.mu.Lock()
	m.ids[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Leave(_ context.Context, id domain.Identity) error {
	m.mu.Lock()
	delete(m.ids, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Members(_ context.Context) ([]domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Identity, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Redis keeps presence in a redis set so other processes can observe it.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

// Connect opens and pings a redis client for cfg.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Join(ctx context.Context, id domain.Identity) error {
	return r.client.SAdd(ctx, r.key, string(id)).Err()
}

func (r *Redis) Leave(ctx context.Context, id domain.Identity) error {
	return r.client.SRem(ctx, r.key, string(id)).Err()
}

func (r *Redis) Members(ctx context.Context) ([]domain.Identity, error) {
	ids, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]domain.Identity, len(ids))
	for i, id := range ids {
		out[i] = domain.Identity(id)
	}
	return out, nil
}

// Reset clears stale members left by a previous relay process.
func (r *Redis) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
