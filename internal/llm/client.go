// Package llm wraps the structured-output generation service. Every agent
// call in the pipeline is one round-trip through Client.Generate: prompt and
// schema in, typed JSON out.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/tracing"
)

// ErrNoOutput signals that the generation call completed but produced no
// structured output matching the schema. Callers treat this as a soft
// failure and fall back, as opposed to transport errors which abort.
var ErrNoOutput = errors.New("llm: no structured output produced")

// Schema describes the single forced output shape of a generation call.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one structured-output generation request.
type Request struct {
	System string
	User   string
	Schema Schema
	// Force requires the output to match the schema exactly; there is no
	// free-text fallback for planner/validator/proposer/aggregator calls.
	Force bool
}

// Client is an HTTP client for the generation service with transport-level
// retry/backoff and request pacing. Safe for sequential reuse; the
// orchestrator never calls it concurrently within a query.
type Client struct {
	cfg     config.LLMConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a generation client from config.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	var limiter *rate.Limiter
	if cfg.RPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type generateRequest struct {
	Model       string `json:"model,omitempty"`
	System      string `json:"system"`
	User        string `json:"user"`
	Schema      Schema `json:"schema"`
	ForceSchema bool   `json:"force_schema"`
}

type generateResponse struct {
	Output    json.RawMessage `json:"output"`
	ModelUsed string          `json:"model_used,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Generate performs one generation round-trip. Transport failures and 5xx
// responses are retried with exponential backoff up to the configured
// attempt cap; a response with null output returns ErrNoOutput.
func (c *Client) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(generateRequest{
		Model:       c.cfg.Model,
		System:      req.System,
		User:        req.User,
		Schema:      req.Schema,
		ForceSchema: req.Force,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/generate", c.cfg.BaseURL)
	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.GenerationRetries.Inc()
			backoff := c.cfg.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		out, retryable, err := c.do(ctx, url, body)
		if err == nil {
			metrics.GenerationRequests.WithLabelValues("ok").Inc()
			return out, nil
		}
		if errors.Is(err, ErrNoOutput) {
			metrics.GenerationRequests.WithLabelValues("no_output").Inc()
			return nil, err
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn("Generation attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	metrics.GenerationRequests.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("llm: generation failed after retries: %w", lastErr)
}

// do runs a single request; the bool reports whether a retry makes sense.
func (c *Client) do(ctx context.Context, url string, body []byte) (json.RawMessage, bool, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("llm: service status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, false, fmt.Errorf("llm: service status %d: %s", resp.StatusCode, string(b))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, false, fmt.Errorf("llm: decode response: %w", err)
	}
	if gr.Error != "" {
		return nil, false, fmt.Errorf("llm: service error: %s", gr.Error)
	}
	if len(gr.Output) == 0 || string(gr.Output) == "null" {
		return nil, false, ErrNoOutput
	}
	return gr.Output, false, nil
}

// GenerateInto runs Generate and unmarshals the output into out. A payload
// that does not parse against the expected shape is reported as ErrNoOutput
// so callers can apply their soft-failure fallback.
func (c *Client) GenerateInto(ctx context.Context, req Request, out interface{}) error {
	raw, err := c.Generate(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn("Generation output did not match schema",
			zap.String("schema", req.Schema.Name),
			zap.Error(err),
		)
		return ErrNoOutput
	}
	return nil
}
