package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerWithClient(client, time.Hour, zap.NewNop())
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestGetOrCreateNewSession(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Empty(t, s.History)
	assert.True(t, mr.Exists("session:"+s.ID))
}

func TestGetOrCreateExistingSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.GetOrCreate(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.AppendExchange(ctx, created.ID, "q", "a"))

	loaded, err := m.GetOrCreate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "user", loaded.History[0].Role)
	assert.Equal(t, "q", loaded.History[0].Content)
	assert.Equal(t, "assistant", loaded.History[1].Role)
}

func TestGetOrCreateUnknownIDCreatesIt(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.GetOrCreate(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, "never-seen", s.ID)
}

func TestGetUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSurvivesLocalCacheLoss(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	created, err := m.GetOrCreate(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.AppendExchange(ctx, created.ID, "q", "a"))

	// fresh manager over the same redis: only the durable copy remains
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m2 := NewManagerWithClient(client, time.Hour, zap.NewNop())
	defer m2.Close()

	loaded, err := m2.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.History, 2)
}

func TestAppendExchangeTrimsHistory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "")
	require.NoError(t, err)

	for i := 0; i < maxHistory; i++ {
		require.NoError(t, m.AppendExchange(ctx, s.ID, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)))
	}

	loaded, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.History, maxHistory)
	// oldest turns fell off the front
	assert.Equal(t, fmt.Sprintf("q%d", maxHistory/2), loaded.History[0].Content)
}

func TestAppendExchangeUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.AppendExchange(context.Background(), "missing", "q", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionTTLSet(t *testing.T) {
	m, mr := newTestManager(t)

	s, err := m.GetOrCreate(context.Background(), "")
	require.NoError(t, err)

	ttl := mr.TTL("session:" + s.ID)
	assert.Equal(t, time.Hour, ttl)
}
