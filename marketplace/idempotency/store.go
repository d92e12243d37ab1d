package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Response is a cached HTTP response replayed for a repeated request key.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Backend stores responses keyed by idempotency key.
type Backend interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
}

// MemoryBackend keeps the record cache in process memory. Default for
// single-node deployments.
type MemoryBackend struct {
	cache sync.Map
}

type entry struct {
	resp      Response
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (Response, bool, error) {
	val, ok := b.cache.Load(key)
	if !ok {
		return Response{}, false, nil
	}
	e := val.(entry)
	if time.Now().After(e.expiresAt) {
		b.cache.Delete(key)
		return Response{}, false, nil
	}
	return e.resp, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	b.cache.Store(key, entry{resp: resp, expiresAt: time.Now().Add(ttl)})
	return nil
}

// RedisBackend shares the record cache across replicas.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (Response, bool, error) {
	data, err := b.client.Get(ctx, "idempotency:"+key).Result()
	if err == redis.Nil {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, "idempotency:"+key, data, ttl).Err()
}
