// Package postgres provides a Postgres-backed outcome recorder and archived
// index.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
)

// Config controls the Postgres connection pool used by the recorder.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store writes success and failure records into Postgres and answers
// archived-index lookups from an in-memory view loaded at Setup.
type Store struct {
	pool  pgxIface
	clock archive.Clock

	mu    sync.Mutex
	index map[indexKey]struct{}
}

type indexKey struct {
	name string
	id   string
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config, clock archive.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return &Store{
		pool:  pool,
		clock: clock,
		index: make(map[indexKey]struct{}),
	}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool pgxIface, clock archive.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{
		pool:  pool,
		clock: clock,
		index: make(map[indexKey]struct{}),
	}, nil
}

// Setup ensures the outcome tables exist and loads the archived index. The
// DDL is idempotent, so repeated calls are safe.
func (s *Store) Setup(ctx context.Context) error {
	const createArchived = `
CREATE TABLE IF NOT EXISTS archived_areas (
	name TEXT NOT NULL,
	id TEXT NOT NULL,
	access_key TEXT,
	is_sub_item BOOLEAN NOT NULL DEFAULT FALSE,
	parent_id TEXT,
	archived_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name, id)
)`
	const createFailed = `
CREATE TABLE IF NOT EXISTS failed_downloads (
	name TEXT NOT NULL,
	id TEXT,
	access_key TEXT,
	reason TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL
)`
	if _, err := s.pool.Exec(ctx, createArchived); err != nil {
		return fmt.Errorf("create archived_areas: %w", err)
	}
	if _, err := s.pool.Exec(ctx, createFailed); err != nil {
		return fmt.Errorf("create failed_downloads: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT name, id FROM archived_areas`)
	if err != nil {
		return fmt.Errorf("load archived index: %w", err)
	}
	defer rows.Close()

	index := make(map[indexKey]struct{})
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return fmt.Errorf("scan archived row: %w", err)
		}
		index[indexKey{name: name, id: id}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate archived rows: %w", err)
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// RecordSuccess inserts an archived-area row and updates the index.
func (s *Store) RecordSuccess(ctx context.Context, rec archive.SuccessRecord) error {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = s.now()
	}
	const query = `
INSERT INTO archived_areas (name, id, access_key, is_sub_item, parent_id, archived_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name, id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query,
		rec.Name,
		rec.ID,
		rec.Key,
		rec.IsSubItem,
		rec.ParentID,
		rec.ArchivedAt,
	); err != nil {
		return fmt.Errorf("insert archived area: %w", err)
	}
	s.mu.Lock()
	s.index[indexKey{name: rec.Name, id: rec.ID}] = struct{}{}
	s.mu.Unlock()
	return nil
}

// RecordFailure inserts a failed-download row.
func (s *Store) RecordFailure(ctx context.Context, rec archive.FailureRecord) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = s.now()
	}
	const query = `
INSERT INTO failed_downloads (name, id, access_key, reason, failed_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query,
		rec.Name,
		rec.ID,
		rec.Key,
		rec.Reason,
		rec.FailedAt,
	); err != nil {
		return fmt.Errorf("insert failed download: %w", err)
	}
	return nil
}

// IsAreaArchived reports membership in the archived index loaded at Setup
// and maintained by RecordSuccess.
func (s *Store) IsAreaArchived(name, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[indexKey{name: name, id: id}]
	return ok
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
