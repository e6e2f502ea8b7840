// Package pgstore is the PostgreSQL execution backend for bulk operations and
// imports. It also serves as the email directory and the audit recorder.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/accountops/internal/core"
)

//go:embed schema.sql
var schemaSQL string

// sqlStateInsufficientPrivilege is raised when the role lacks a grant.
const sqlStateInsufficientPrivilege = "42501"

// Store implements core.ExecutionBackend, core.EmailDirectory,
// core.AuditRecorder and core.AuditPruner on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ core.ExecutionBackend = (*Store)(nil)
	_ core.EmailDirectory   = (*Store)(nil)
	_ core.AuditRecorder    = (*Store)(nil)
	_ core.AuditPruner      = (*Store)(nil)
)

// New wraps pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classify turns a permission failure into the fatal core error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateInsufficientPrivilege {
		return fmt.Errorf("%w: %s", core.ErrAuthorizationDenied, pgErr.Message)
	}
	return err
}
