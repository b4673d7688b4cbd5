// Package persistence provides Postgres-backed storage for page results so
// crawl output survives the process. Persistence is best-effort: callers log
// failures and keep crawling.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitequest/sitequest/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool for page rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PageStore writes page results into Postgres.
type PageStore struct {
	pool  execCloser
	table string
}

// NewPageStore connects a pool from the config.
func NewPageStore(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("persistence.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PageStore{pool: pool, table: table}, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPageStoreWithPool(pool execCloser, table string) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SavePage inserts one page result row.
func (s *PageStore) SavePage(ctx context.Context, jobID string, page crawler.PageResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("page store is not configured")
	}
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	linksJSON, err := json.Marshal(page.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	url,
	success,
	status_code,
	error_text,
	markdown,
	text_content,
	links,
	relevance,
	fetched_at,
	duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.table)

	_, err = s.pool.Exec(ctx, query,
		jobID,
		page.URL,
		page.Success,
		page.StatusCode,
		page.ErrorText,
		page.Markdown,
		page.Text,
		linksJSON,
		page.Relevance,
		page.FetchedAt,
		page.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert page row: %w", err)
	}
	return nil
}
