package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marq-ai/marq/internal/config"
)

func newEmbedServer(t *testing.T, calls *int, vec []float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings/", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Texts, 1)

		json.NewEncoder(w).Encode(embedResponse{
			Embeddings: [][]float64{vec},
			Dimensions: len(vec),
			ModelUsed:  req.Model,
		})
	}))
}

func testConfig(base string) config.EmbeddingsConfig {
	return config.EmbeddingsConfig{
		BaseURL:  base,
		Model:    "test-model",
		Timeout:  5 * time.Second,
		CacheTTL: time.Hour,
		MaxLRU:   8,
	}
}

func TestGenerate(t *testing.T) {
	var calls int
	srv := newEmbedServer(t, &calls, []float64{0.1, 0.2, 0.3})
	defer srv.Close()

	svc := NewService(testConfig(srv.URL), nil)
	vec, err := svc.Generate(context.Background(), "credit volume drivers")
	require.NoError(t, err)

	require.Len(t, vec, 3)
	assert.InDelta(t, 0.1, float64(vec[0]), 1e-6)
	assert.Equal(t, 1, calls)
}

func TestGenerateLRUHitSkipsService(t *testing.T) {
	var calls int
	srv := newEmbedServer(t, &calls, []float64{0.5})
	defer srv.Close()

	svc := NewService(testConfig(srv.URL), nil)
	_, err := svc.Generate(context.Background(), "same text")
	require.NoError(t, err)
	_, err = svc.Generate(context.Background(), "same text")
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second call must come from the LRU")
}

func TestGenerateDistinctTextsDistinctCalls(t *testing.T) {
	var calls int
	srv := newEmbedServer(t, &calls, []float64{0.5})
	defer srv.Close()

	svc := NewService(testConfig(srv.URL), nil)
	_, err := svc.Generate(context.Background(), "text one")
	require.NoError(t, err)
	_, err = svc.Generate(context.Background(), "text two")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestGenerateRedisCacheSharedAcrossServices(t *testing.T) {
	var calls int
	srv := newEmbedServer(t, &calls, []float64{0.7, 0.8})
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(client)

	first := NewService(testConfig(srv.URL), cache)
	_, err := first.Generate(context.Background(), "shared text")
	require.NoError(t, err)

	// a second service with a cold LRU hits the shared cache, not the server
	second := NewService(testConfig(srv.URL), cache)
	vec, err := second.Generate(context.Background(), "shared text")
	require.NoError(t, err)

	require.Len(t, vec, 2)
	assert.InDelta(t, 0.7, float64(vec[0]), 1e-6)
	assert.Equal(t, 1, calls)
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := NewService(testConfig(srv.URL), nil)
	_, err := svc.Generate(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGenerateEmptyEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{}})
	}))
	defer srv.Close()

	svc := NewService(testConfig(srv.URL), nil)
	_, err := svc.Generate(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embeddings")
}

func TestGenerateNilService(t *testing.T) {
	var svc *Service
	_, err := svc.Generate(context.Background(), "text")
	assert.Error(t, err)
}

func TestMakeKeyStable(t *testing.T) {
	a := MakeKey("model", "text")
	b := MakeKey("model", "text")
	c := MakeKey("model", "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLocalLRUEvicts(t *testing.T) {
	lru := newLocalLRU(2)
	lru.Set("a", []float32{1})
	lru.Set("b", []float32{2})
	lru.Set("c", []float32{3})

	_, okA := lru.Get("a")
	_, okC := lru.Get("c")
	assert.False(t, okA, "oldest entry evicted")
	assert.True(t, okC)
}
