package dynamo

import (
	"context"

	"github.com/leafsii/keyv/pkg/kv"
)

func init() {
	kv.RegisterBackend(kv.BackendDynamo, func(ctx context.Context, cfg kv.Config) (kv.Store, error) {
		uri := cfg.URI
		if uri == "" {
			uri = "aws://"
		}
		return New(ctx, Config{
			URI:        uri,
			Table:      cfg.Table,
			DefaultTTL: cfg.DefaultTTL,
			Logger:     cfg.Logger,
		})
	})
}
