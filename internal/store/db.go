package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type poolSettings struct {
	maxOpen        int
	maxIdle        int
	connectTimeout time.Duration
}

type OpenOption func(*poolSettings)

// WithPool sizes the connection pool.
func WithPool(maxOpen, maxIdle int) OpenOption {
	return func(p *poolSettings) {
		if maxOpen > 0 {
			p.maxOpen = maxOpen
		}
		if maxIdle > 0 {
			p.maxIdle = maxIdle
		}
	}
}

// WithConnectTimeout bounds the initial ping.
func WithConnectTimeout(d time.Duration) OpenOption {
	return func(p *poolSettings) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// Open connects to Postgres through pgx and checks the server answers
// within the connect timeout.
func Open(ctx context.Context, databaseURL string, opts ...OpenOption) (*sql.DB, error) {
	settings := poolSettings{maxOpen: 20, maxIdle: 10, connectTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&settings)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(settings.maxIdle)
	db.SetMaxOpenConns(settings.maxOpen)

	pingCtx, cancel := context.WithTimeout(ctx, settings.connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
