// Package session keeps per-user conversation history in Redis so the
// receptionist sees earlier turns when classifying a follow-up question.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/models"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// maxHistory caps the stored conversation turns per session.
const maxHistory = 50

// Session is one conversation with its accumulated history.
type Session struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	History   []models.Message `json:"history"`
}

// Manager stores sessions in Redis with a small local cache in front.
type Manager struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu         sync.RWMutex
	localCache map[string]*Session
	lastAccess map[string]time.Time
	maxCached  int
}

// NewManager connects to Redis and verifies the connection.
func NewManager(cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: connect to redis: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		client:     client,
		logger:     logger,
		ttl:        ttl,
		localCache: make(map[string]*Session),
		lastAccess: make(map[string]time.Time),
		maxCached:  10000,
	}, nil
}

// NewManagerWithClient wires an existing client; used by tests.
func NewManagerWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		client:     client,
		logger:     logger,
		ttl:        ttl,
		localCache: make(map[string]*Session),
		lastAccess: make(map[string]time.Time),
		maxCached:  10000,
	}
}

func key(id string) string { return "session:" + id }

// GetOrCreate loads a session, creating it when the id is empty or unknown.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id != "" {
		s, err := m.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if id == "" {
		id = uuid.New().String()
	}

	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		History:   make([]models.Message, 0),
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	m.cache(s)
	metrics.SessionsCreated.Inc()
	m.logger.Info("Session created", zap.String("session_id", id))
	return s, nil
}

// Get loads a session from the local cache or Redis.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.localCache[id]
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		m.touch(id)
		return s, nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	s = &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	m.cache(s)
	return s, nil
}

// AppendExchange records one question/answer turn, trimming history to the
// cap, and refreshes the TTL.
func (m *Manager) AppendExchange(ctx context.Context, id, question, answer string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	s.History = append(s.History,
		models.Message{Role: "user", Content: question},
		models.Message{Role: "assistant", Content: answer},
	)
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
	s.UpdatedAt = now

	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.cache(s)
	return nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", s.ID, err)
	}
	if err := m.client.Set(ctx, key(s.ID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("session: save %s: %w", s.ID, err)
	}
	return nil
}

func (m *Manager) cache(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localCache[s.ID] = s
	m.lastAccess[s.ID] = time.Now()
	if len(m.localCache) > m.maxCached {
		m.evictOldest()
	}
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	m.lastAccess[id] = time.Now()
	m.mu.Unlock()
}

// evictOldest drops the least recently used entry. Caller holds the lock.
func (m *Manager) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, at := range m.lastAccess {
		if oldestID == "" || at.Before(oldest) {
			oldestID, oldest = id, at
		}
	}
	if oldestID != "" {
		delete(m.localCache, oldestID)
		delete(m.lastAccess, oldestID)
	}
}

// Close releases the Redis connection.
func (m *Manager) Close() error { return m.client.Close() }
