package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MakeKey derives the cache key for a (model, text) pair.
func MakeKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return "emb:" + hex.EncodeToString(h[:16])
}

// Cache is the secondary (shared) embedding cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration)
}

// RedisCache stores embeddings in redis as JSON arrays.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *RedisCache) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.client.Set(ctx, key, data, ttl)
}

// localLRU is the in-process first-level cache.
type localLRU struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key string
	vec []float32
}

func newLocalLRU(max int) *localLRU {
	if max <= 0 {
		max = 1024
	}
	return &localLRU{max: max, ll: list.New(), items: make(map[string]*list.Element)}
}

func (l *localLRU) Get(key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.ll.MoveToFront(el)
		return el.Value.(*lruEntry).vec, true
	}
	return nil, false
}

func (l *localLRU) Set(key string, vec []float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.ll.MoveToFront(el)
		el.Value.(*lruEntry).vec = vec
		return
	}
	l.items[key] = l.ll.PushFront(&lruEntry{key: key, vec: vec})
	for l.ll.Len() > l.max {
		oldest := l.ll.Back()
		l.ll.Remove(oldest)
		delete(l.items, oldest.Value.(*lruEntry).key)
	}
}
