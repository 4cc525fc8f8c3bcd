package store

import (
	"context"
	"fmt"

	"github.com/agentoven/agentwatch/internal/config"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.DataDir), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Path)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
