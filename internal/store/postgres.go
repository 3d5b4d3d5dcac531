package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors mapped to HTTP status codes at the API edge.
var (
	// ErrNotFound means the referenced job, chunk, test run, or runner does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLeaseConflict means the supplied lease token no longer matches the stored one.
	// The caller has lost ownership and must stop work.
	ErrLeaseConflict = errors.New("lease token mismatch")
	// ErrNotClaimable means the unit of work is validly leased by someone else
	// or otherwise ineligible for claiming right now.
	ErrNotClaimable = errors.New("not claimable")
)

// Store wraps pgxpool for Postgres persistence. All lease operations are single
// conditional statements so the at-most-one-owner invariant holds under
// concurrent claims.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
