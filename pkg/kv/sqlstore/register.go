package sqlstore

import (
	"context"
	"fmt"

	"github.com/leafsii/keyv/pkg/kv"
)

func init() {
	kv.RegisterBackend(kv.BackendSQL, func(ctx context.Context, cfg kv.Config) (kv.Store, error) {
		if cfg.URI == "" {
			return nil, fmt.Errorf("sql URI is required when backend is 'sql'")
		}
		return New(ctx, Config{
			Dialect: Dialect(cfg.Dialect),
			URI:     cfg.URI,
			Table:   cfg.Table,
			Logger:  cfg.Logger,
		})
	})
}
