package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNoArtifact = errors.New("no artifact uploaded yet")

const (
	redisLatestKey  = "gateway:latest"
	redisHistoryKey = "gateway:history"
	historyLen      = 100
)

type Artifact struct {
	Name     string    `json:"name"`
	Original string    `json:"original"`
	Owner    string    `json:"owner"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded"`
}

// Index remembers uploaded artifacts.
type Index interface {
	Record(ctx context.Context, a Artifact) error
	Latest(ctx context.Context) (Artifact, error)
	History(ctx context.Context, n int) ([]Artifact, error)
}

type MemoryIndex struct {
	mu    sync.RWMutex
	items []Artifact
}

func NewMemoryIndex() *MemoryIndex { return &MemoryIndex{} }

func (m *MemoryIndex) Record(_ context.Context, a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, a)
	if len(m.items) > historyLen {
		m.items = m.items[len(m.items)-historyLen:]
	}
	return nil
}

func (m *MemoryIndex) Latest(_ context.Context) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.items) == 0 {
		return Artifact{}, ErrNoArtifact
	}
	return m.items[len(m.items)-1], nil
}

// History returns up to n artifacts, newest first.
func (m *MemoryIndex) History(_ context.Context, n int) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Artifact, 0, n)
	for i := len(m.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.items[i])
	}
	return out, nil
}

// RedisIndex shares the index between gateway replicas.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex { return &RedisIndex{client: client} }

func (r *RedisIndex) Record(ctx context.Context, a Artifact) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisLatestKey, b, 0)
		p.LPush(ctx, redisHistoryKey, b)
		p.LTrim(ctx, redisHistoryKey, 0, historyLen-1)
		return nil
	})
	return err
}

func (r *RedisIndex) Latest(ctx context.Context) (Artifact, error) {
	b, err := r.client.Get(ctx, redisLatestKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Artifact{}, ErrNoArtifact
	}
	if err != nil {
		return Artifact{}, err
	}
	var a Artifact
	err = json.Unmarshal(b, &a)
	return a, err
}

func (r *RedisIndex) History(ctx context.Context, n int) ([]Artifact, error) {
	raw, err := r.client.LRange(ctx, redisHistoryKey, 0, int64(n)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(raw))
	for _, s := range raw {
		var a Artifact
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
