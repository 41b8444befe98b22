package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/chunkrelay/internal/config"
)

// Open builds the backend selected by cfg.Driver. When the redis server cannot
// be reached the relay keeps working on an in-memory registry.
func Open(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryRegistry(), nil
	case "redis":
		r, err := DialRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, logger)
		if err != nil {
			logger.Warn("redis registry unavailable, falling back to memory",
				slog.String("error", err.Error()),
			)
			return NewMemoryRegistry(), nil
		}
		logger.Info("using redis chunk registry", slog.String("prefix", cfg.KeyPrefix))
		return r, nil
	default:
		return nil, fmt.Errorf("unknown registry driver %q", cfg.Driver)
	}
}
