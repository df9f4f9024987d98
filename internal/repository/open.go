package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"voice-orchestrator/backend/internal/config"
	"voice-orchestrator/backend/internal/logging"
)

// Open returns the store selected by cfg.Store.Driver: "memory" or
// "postgres". The postgres schema is applied before returning.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		logger.Info("Using in-memory store")
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Database connected", "host", cfg.DB.Host, "name", cfg.DB.Name)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
