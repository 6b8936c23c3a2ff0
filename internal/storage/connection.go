// Package storage implements the urbanflux PostgreSQL backend: the service
// request loader, the watermark store and materialized view refreshes.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const healthCheckTimeout = 5 * time.Second

// Connection wraps the shared *sql.DB pool. Stores hold a *Connection and open
// their own transactions on it.
type Connection struct {
	*sql.DB
}

// NewConnection opens and pings a pool configured from cfg.
func NewConnection(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{DB: db}

	if err := conn.HealthCheck(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to connect to database at %s: %w", cfg.MaskDatabaseURL(), err)
	}

	return conn, nil
}

// NewConnectionFromDB wraps an existing pool, e.g. a test container's.
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{DB: db}
}

// HealthCheck pings the database with a bounded timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return c.PingContext(ctx)
}
