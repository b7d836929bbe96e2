package mongo

import (
	"context"
	"fmt"

	"github.com/leafsii/keyv/pkg/kv"
)

func init() {
	kv.RegisterBackend(kv.BackendMongo, func(ctx context.Context, cfg kv.Config) (kv.Store, error) {
		if cfg.URI == "" {
			return nil, fmt.Errorf("mongodb URI is required when backend is 'mongodb'")
		}
		return New(ctx, Config{
			URI:        cfg.URI,
			Database:   cfg.Database,
			Collection: cfg.Namespace,
			Logger:     cfg.Logger,
		})
	})
}
