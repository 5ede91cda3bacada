// Package postgres indexes finished runs in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrNoPendingManifest means no run has left work behind.
var ErrNoPendingManifest = errors.New("no pending resume manifest")

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RunStore writes one row per finished run.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: p, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "harvest_runs"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// RecordRun upserts the summary row for a run.
func (s *RunStore) RecordRun(ctx context.Context, summary harvest.RunSummary) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if summary.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	batch_number,
	total_requested,
	processed,
	remaining,
	successful,
	blocked,
	interrupted,
	report_location,
	manifest_location,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (run_id) DO UPDATE SET
	processed = EXCLUDED.processed,
	remaining = EXCLUDED.remaining,
	successful = EXCLUDED.successful,
	blocked = EXCLUDED.blocked,
	interrupted = EXCLUDED.interrupted,
	report_location = EXCLUDED.report_location,
	manifest_location = EXCLUDED.manifest_location,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		summary.RunID,
		summary.BatchNumber,
		summary.TotalRequested,
		summary.Processed,
		summary.Remaining,
		summary.Successful,
		summary.Blocked,
		summary.Interrupted,
		summary.ReportLocation,
		nullable(summary.ManifestLocation),
		summary.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// LatestManifest returns the manifest location of the most recent run, or
// ErrNoPendingManifest when that run drained its queue.
func (s *RunStore) LatestManifest(ctx context.Context) (string, error) {
	query := fmt.Sprintf(`
SELECT manifest_location
FROM %s
ORDER BY finished_at DESC
LIMIT 1`, s.table)

	var location *string
	if err := s.pool.QueryRow(ctx, query).Scan(&location); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoPendingManifest
		}
		return "", fmt.Errorf("query latest manifest: %w", err)
	}
	if location == nil || *location == "" {
		return "", ErrNoPendingManifest
	}
	return *location, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
