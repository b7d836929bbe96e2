package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leafsii/keyv/pkg/kv"
)

// Store publishes an event to the bus after every successful write on the
// wrapped store.
type Store struct {
	next kv.Store
	bus  *Bus
}

var _ kv.Store = (*Store)(nil)

func NewStore(next kv.Store, bus *Bus) *Store {
	return &Store{next: next, bus: bus}
}

// Unwrap returns the decorated store.
func (s *Store) Unwrap() kv.Store {
	return s.next
}

func (s *Store) Initialize(ctx context.Context) error {
	return s.next.Initialize(ctx)
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return s.next.Get(ctx, key)
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := s.next.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	s.bus.Publish(Event{
		Op:         OpSet,
		Keys:       []string{key},
		Value:      stored,
		TTLSeconds: int64(ttl / time.Second),
	})
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.next.Remove(ctx, key); err != nil {
		return err
	}
	s.bus.Publish(Event{Op: OpRemove, Keys: []string{key}})
	return nil
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if err := s.next.RemoveMany(ctx, keys...); err != nil {
		return err
	}
	if len(keys) > 0 {
		s.bus.Publish(Event{Op: OpRemove, Keys: append([]string(nil), keys...)})
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.next.Clear(ctx); err != nil {
		return err
	}
	s.bus.Publish(Event{Op: OpClear})
	return nil
}

func (s *Store) TTLPolicy() kv.TTLPolicy {
	return s.next.TTLPolicy()
}

// Ping forwards to the wrapped store when it supports pinging.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.next.(kv.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) Close() error {
	return s.next.Close()
}
