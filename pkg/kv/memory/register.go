package memory

import (
	"context"

	"github.com/leafsii/keyv/pkg/kv"
)

func init() {
	kv.RegisterBackend(kv.BackendMemory, func(ctx context.Context, cfg kv.Config) (kv.Store, error) {
		return New(Config{Logger: cfg.Logger}), nil
	})
}

// NewStore creates a new in-memory store with no logger
func NewStore() kv.Store {
	return New(Config{})
}
