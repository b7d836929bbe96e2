package postgres

import (
	"context"
	"fmt"

	"github.com/leafsii/keyv/pkg/kv"
)

func init() {
	kv.RegisterBackend(kv.BackendPostgres, func(ctx context.Context, cfg kv.Config) (kv.Store, error) {
		if cfg.URI == "" {
			return nil, fmt.Errorf("postgres URI is required when backend is 'postgres'")
		}
		return New(ctx, Config{
			URI:    cfg.URI,
			Table:  cfg.Table,
			Schema: cfg.Schema,
			Logger: cfg.Logger,
		})
	})
}
