// Package store is the relational store for mirrored challenges, participants,
// usage reports and distribution attempts.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doomscroll/backend/indexer/pkg/metrics"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a compare-and-swap update matched no row, usually
	// because another writer moved the row first.
	ErrConflict = errors.New("store: conflicting update")
)

type Status int16

const (
	StatusActive      Status = 0
	StatusEnded       Status = 1
	StatusDistributed Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusDistributed:
		return "distributed"
	default:
		return fmt.Sprintf("unknown(%d)", int16(s))
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "ended":
		return StatusEnded, nil
	case "distributed":
		return StatusDistributed, nil
	}
	return 0, fmt.Errorf("invalid status %q", s)
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// querier is satisfied by both the pool and a single acquired connection.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps an injected connection pool. The pool's lifecycle belongs to
// the caller.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
	db   querier
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool, db: cfg.Pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// MaxConns is the pool's connection cap, or 0 when unknown.
func (s *Store) MaxConns() int {
	if s.pool == nil {
		return 0
	}
	return int(s.pool.Config().MaxConns)
}

// observe records query metrics; call as defer s.observe(op, time.Now(), &err).
func (s *Store) observe(operation string, start time.Time, err *error) {
	var e error
	if err != nil && !errors.Is(*err, ErrNotFound) {
		e = *err
	}
	metrics.RecordDatabaseQuery(operation, start, e)
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
