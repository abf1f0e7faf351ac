// Package warehouse is the structured-data resolver: it runs generated
// queries against the activity-report table and returns ordered columns and
// rows. The backing store is postgres in deployment or sqlite in local
// snapshot mode; both are reached through the same sqlx handle.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/tracing"
)

// Result carries the ordered columns and rows of one query.
type Result struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// Client manages the warehouse connection pool. Long-lived; reused across
// sub-tasks and queries, sequentially.
type Client struct {
	db     *sqlx.DB
	cfg    config.WarehouseConfig
	logger *zap.Logger
}

// NewClient opens the warehouse connection and verifies it.
func NewClient(cfg config.WarehouseConfig, logger *zap.Logger) (*Client, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}

	logger.Info("Warehouse client initialized",
		zap.String("driver", cfg.Driver),
		zap.String("table", cfg.Table),
	)
	return &Client{db: db, cfg: cfg, logger: logger}, nil
}

// NewClientWithDB wraps an existing handle; used by tests.
func NewClientWithDB(db *sqlx.DB, cfg config.WarehouseConfig, logger *zap.Logger) *Client {
	return &Client{db: db, cfg: cfg, logger: logger}
}

// Table returns the canonical activity-report table name.
func (c *Client) Table() string { return c.cfg.Table }

// SourceURL is the snapshot's upstream location for citation references.
func (c *Client) SourceURL() string { return c.cfg.SourceURL }

// Query runs one generated query and returns its columns and rows. Errors
// are returned to the caller; the executor converts them into execution
// failures rather than letting them propagate.
func (c *Client) Query(ctx context.Context, query string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "warehouse.query")
	defer span.End()

	start := time.Now()
	rows, err := c.db.QueryxContext(ctx, query)
	if err != nil {
		metrics.RecordWarehouseQuery("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("warehouse query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		metrics.RecordWarehouseQuery("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("warehouse columns: %w", err)
	}

	out := &Result{Columns: cols, Rows: make([][]interface{}, 0, 8)}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			metrics.RecordWarehouseQuery("error", time.Since(start).Seconds())
			return nil, fmt.Errorf("warehouse scan: %w", err)
		}
		for i, v := range vals {
			// Drivers hand back []byte for text columns.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordWarehouseQuery("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("warehouse rows: %w", err)
	}

	metrics.RecordWarehouseQuery("ok", time.Since(start).Seconds())
	c.logger.Debug("Warehouse query executed",
		zap.Int("rows", len(out.Rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.db.Close() }
