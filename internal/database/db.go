package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
}

func (c Config) dsn() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func New(ctx context.Context, cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLife > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLife
	}
	if cfg.MaxConnIdle > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Ping checks connectivity for health reporting.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Transaction executes a function within a database transaction
func (db *DB) Transaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				err = fmt.Errorf("tx rollback failed: %v (original error: %w)", rbErr, err)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// EnsureSchema creates the offer and outbox tables when they are missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS amazon_offer_details (
		id                BIGSERIAL PRIMARY KEY,
		run_id            UUID NOT NULL,
		asin              VARCHAR(10) NOT NULL,
		zip_code          VARCHAR(10) NOT NULL,
		seller_id         TEXT,
		seller_name       TEXT,
		price             NUMERIC(12,2) NOT NULL,
		shipping_cost     NUMERIC(12,2) NOT NULL DEFAULT 0,
		total_price       NUMERIC(12,2) NOT NULL,
		prime             BOOLEAN NOT NULL DEFAULT FALSE,
		delivery_estimate TEXT,
		earliest_days     INTEGER,
		latest_days       INTEGER,
		buy_box_winner    BOOLEAN NOT NULL DEFAULT FALSE,
		captured_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_amazon_offer_details_asin_captured
		ON amazon_offer_details (asin, captured_at DESC)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_status_retry
		ON outbox_event (status, next_retry_at)`,
}
