// Package postgres persists crawl outcome metadata in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

const defaultTable = "crawl_outcomes"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for outcome rows.
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

// OutcomeStore writes one row per (run, canonical URL). Re-recording the same
// URL in a run overwrites the previous row.
type OutcomeStore struct {
	pool  execCloser
	table string
}

// NewOutcomeStore connects a pool using cfg.
func NewOutcomeStore(ctx context.Context, cfg Config) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &OutcomeStore{pool: pool, table: table}, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(pool execCloser, table string) (*OutcomeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the outcome table when it does not exist.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        text        NOT NULL,
	canonical_url text        NOT NULL,
	url           text        NOT NULL,
	status        text        NOT NULL,
	attempt       integer     NOT NULL,
	title         text,
	content_hash  text,
	html_path     text,
	json_path     text,
	bytes         integer     NOT NULL DEFAULT 0,
	status_code   integer,
	used_js       boolean     NOT NULL DEFAULT false,
	fetched_at    timestamptz NOT NULL,
	error_detail  text,
	PRIMARY KEY (run_id, canonical_url)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create outcome table: %w", err)
	}
	return nil
}

// Record upserts rec.
func (s *OutcomeStore) Record(ctx context.Context, rec crawler.OutcomeRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("outcome store is not configured")
	}
	if rec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	canonical := rec.CanonicalURL
	if canonical == "" {
		canonical = rec.URL
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	canonical_url,
	url,
	status,
	attempt,
	title,
	content_hash,
	html_path,
	json_path,
	bytes,
	status_code,
	used_js,
	fetched_at,
	error_detail
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (run_id, canonical_url) DO UPDATE SET
	url = EXCLUDED.url,
	status = EXCLUDED.status,
	attempt = EXCLUDED.attempt,
	title = EXCLUDED.title,
	content_hash = EXCLUDED.content_hash,
	html_path = EXCLUDED.html_path,
	json_path = EXCLUDED.json_path,
	bytes = EXCLUDED.bytes,
	status_code = EXCLUDED.status_code,
	used_js = EXCLUDED.used_js,
	fetched_at = EXCLUDED.fetched_at,
	error_detail = EXCLUDED.error_detail`, s.table)

	args := []any{
		rec.RunID,
		canonical,
		rec.URL,
		string(rec.Status),
		rec.Attempt,
		rec.Title,
		rec.ContentHash,
		rec.HTMLPath,
		rec.JSONPath,
		rec.Bytes,
		rec.StatusCode,
		rec.UsedJS,
		rec.FetchedAt,
		rec.ErrorDetail,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
