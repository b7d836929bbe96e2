package redis

import (
	"context"
	"fmt"

	"github.com/leafsii/keyv/pkg/kv"
)

func init() {
	kv.RegisterBackend(kv.BackendRedis, func(ctx context.Context, cfg kv.Config) (kv.Store, error) {
		if cfg.URI == "" {
			return nil, fmt.Errorf("redis URI is required when backend is 'redis'")
		}
		return New(ctx, Config{
			URI:        cfg.URI,
			Namespace:  cfg.Namespace,
			DefaultTTL: cfg.DefaultTTL,
			Logger:     cfg.Logger,
		})
	})
}
