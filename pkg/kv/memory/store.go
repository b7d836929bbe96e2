// Package memory is the in-process kv.Store. Entries live in one map per
// instance and are lost when the process exits.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leafsii/keyv/pkg/kv"
)

// Config holds the in-memory store options.
type Config struct {
	// Logger receives the "ttl ignored" diagnostic. Optional.
	Logger *zap.Logger
}

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu     sync.Mutex
	data   map[string]json.RawMessage
	logger *zap.Logger
}

var _ kv.Store = (*Store)(nil)

// New creates an empty in-memory store
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		data:   make(map[string]json.RawMessage),
		logger: logger,
	}
}

// Initialize is a no-op; the map exists from construction.
func (s *Store) Initialize(ctx context.Context) error {
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	stored, ok := s.data[key]
	s.mu.Unlock()

	if !ok {
		return nil, false, nil
	}
	value, err := kv.DecodeStored("get", stored)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := kv.CheckValue("set", value); err != nil {
		return err
	}
	if ttl > 0 {
		s.logger.Debug("ttl ignored by backend", zap.String("backend", "memory"), zap.Duration("ttl", ttl))
	}

	// Own a copy so later mutation of the caller's slice cannot reach the map.
	stored := make(json.RawMessage, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.data[key] = stored
	s.mu.Unlock()
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, key := range keys {
		delete(s.data, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.data = make(map[string]json.RawMessage)
	s.mu.Unlock()
	return nil
}

// TTLPolicy reports kv.TTLIgnored: entries live until removed.
func (s *Store) TTLPolicy() kv.TTLPolicy {
	return kv.TTLIgnored
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Close drops every entry.
func (s *Store) Close() error {
	return s.Clear(context.Background())
}
