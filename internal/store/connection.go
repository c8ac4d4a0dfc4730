// Package store provides the physical store adapters behind the granary
// catalog: PostgreSQL (source of truth), DynamoDB (legacy key-value), and
// Elasticsearch (search index), plus an in-memory adapter for tests and
// local development. Each adapter implements catalog.Adapter over exactly
// one backend and knows nothing about the others.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoDatabaseConnection is returned when an operation requires a database
// connection that has not been established.
var ErrNoDatabaseConnection = errors.New("no database connection")

const pingTimeout = 5 * time.Second

// Connection wraps a pooled *sql.DB with the catalog's pool tuning applied.
// DB is exported so integration tests can build a Connection around a
// container-backed database.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens a PostgreSQL connection pool from the given config,
// applies pool limits, and verifies connectivity with a ping.
func NewConnection(cfg *RelationalConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// ExecContext executes a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.ExecContext(ctx, query, args...)
}

// Close closes the underlying pool. Safe to call multiple times.
func (c *Connection) Close() error {
	if c.DB == nil {
		return nil
	}

	err := c.DB.Close()
	c.DB = nil

	return err
}
