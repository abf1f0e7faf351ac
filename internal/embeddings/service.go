// Package embeddings generates query vectors for semantic search through the
// embedding service, with a local LRU and an optional shared redis cache in
// front of it.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/tracing"
)

// Service generates embeddings with caching.
type Service struct {
	cfg   config.EmbeddingsConfig
	http  *http.Client
	cache Cache
	lru   *localLRU
}

// NewService builds an embedding client. cache may be nil.
func NewService(cfg config.EmbeddingsConfig, cache Cache) *Service {
	return &Service{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cache,
		lru:   newLocalLRU(cfg.MaxLRU),
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Generate returns the vector for one text.
func (s *Service) Generate(ctx context.Context, text string) ([]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	model := s.cfg.Model
	key := MakeKey(model, text)

	if v, ok := s.lru.Get(key); ok {
		metrics.RecordEmbedding(model, "lru_hit", 0)
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(key, v)
			metrics.RecordEmbedding(model, "cache_hit", 0)
			return v, nil
		}
	}

	start := time.Now()
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(embedRequest{Texts: []string{text}, Model: model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding http status %d", resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		metrics.RecordEmbedding(model, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("no embeddings returned")
	}

	out := make([]float32, len(er.Embeddings[0]))
	for i, f := range er.Embeddings[0] {
		out[i] = float32(f)
	}
	metrics.RecordEmbedding(model, "ok", time.Since(start).Seconds())

	s.lru.Set(key, out)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}
