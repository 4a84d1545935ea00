// Package provider selects the configured persistence adapter.
package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/storage"
	"github.com/agenthost/agenthost/internal/storage/postgres"
	"github.com/agenthost/agenthost/internal/storage/sqlite"
)

// Provide builds the persistence adapter named in the config.
func Provide(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (storage.Adapter, error) {
	switch cfg.Driver {
	case "memory", "":
		log.Info("using in-memory storage; sessions will not survive restarts")
		return storage.NewMemory(), nil

	case "sqlite":
		adapter, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		log.Info("sqlite storage initialized", zap.String("path", cfg.SQLite.Path))
		return adapter, nil

	case "postgres":
		adapter, err := postgres.Open(ctx, cfg.Postgres.DSN(), cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		log.Info("postgres storage initialized",
			zap.String("host", cfg.Postgres.Host),
			zap.String("db", cfg.Postgres.DBName))
		return adapter, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
