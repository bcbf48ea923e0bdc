package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"botfleet/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open builds the configured StateStore backend.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (StateStore, error) {
	logger = logger.With().Str("component", "storage").Str("backend", cfg.State.Backend).Logger()

	switch cfg.State.Backend {
	case "", "file":
		return NewFileStore(cfg.State.Dir)
	case "postgres":
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store := NewPGStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "badger":
		return OpenBadger(BadgerOptions{Path: cfg.State.BadgerPath, SyncWrites: true}, logger)
	case "sqlite":
		return OpenSQLite(ctx, cfg.State.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.State.Backend)
	}
}
