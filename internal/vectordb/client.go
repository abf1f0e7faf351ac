// Package vectordb is the semantic-search resolver: a minimal Qdrant HTTP
// client over the press-release index. Search phrases are embedded through
// the embeddings service before querying.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/embeddings"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/tracing"
)

// Client is a minimal Qdrant HTTP client.
type Client struct {
	cfg    config.VectorConfig
	http   *http.Client
	base   string
	embed  *embeddings.Service
	logger *zap.Logger
}

// NewClient builds a search client over the configured collection.
func NewClient(cfg config.VectorConfig, embed *embeddings.Service, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		embed:  embed,
		logger: logger,
	}
}

// NewClientWithBase overrides the base URL; used by tests.
func NewClientWithBase(cfg config.VectorConfig, base string, embed *embeddings.Service, logger *zap.Logger) *Client {
	c := NewClient(cfg, embed, logger)
	c.base = base
	return c
}

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type queryResponse struct {
	Result struct {
		Points []point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search embeds the phrase and returns ranked hits from the collection,
// optionally constrained by a metadata filter.
func (c *Client) Search(ctx context.Context, phrase string, topK int, filter map[string]interface{}) ([]Hit, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, fmt.Errorf("vectordb: search called while disabled")
	}
	if topK <= 0 {
		topK = c.cfg.TopK
	}

	vec, err := c.embed.Generate(ctx, phrase)
	if err != nil {
		return nil, fmt.Errorf("vectordb: embed phrase: %w", err)
	}

	start := time.Now()
	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	var thr *float64
	if c.cfg.Threshold > 0 {
		t := c.cfg.Threshold
		thr = &t
	}
	var qdrantFilter map[string]interface{}
	if len(filter) > 0 {
		must := make([]map[string]interface{}, 0, len(filter))
		for k, v := range filter {
			must = append(must, map[string]interface{}{
				"key":   k,
				"match": map[string]interface{}{"value": v},
			})
		}
		qdrantFilter = map[string]interface{}{"must": must}
	}

	body, _ := json.Marshal(queryRequest{
		Query:          vec,
		Limit:          topK,
		ScoreThreshold: thr,
		WithPayload:    true,
		Filter:         qdrantFilter,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordVectorSearch(c.cfg.Collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordVectorSearch(c.cfg.Collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("vectordb: status %d", resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordVectorSearch(c.cfg.Collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorSearch(c.cfg.Collection, "ok", time.Since(start).Seconds())

	hits := make([]Hit, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		hits = append(hits, Hit{
			ID:         fmt.Sprintf("%v", p.ID),
			Score:      p.Score,
			Text:       payloadString(p.Payload, "text"),
			ReportName: payloadString(p.Payload, "report_name"),
			URL:        payloadString(p.Payload, "url"),
		})
	}
	c.logger.Debug("Semantic search executed",
		zap.String("collection", c.cfg.Collection),
		zap.Int("hits", len(hits)),
	)
	return hits, nil
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
