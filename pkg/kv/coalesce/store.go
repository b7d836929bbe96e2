// Package coalesce deduplicates concurrent reads of the same key.
package coalesce

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leafsii/keyv/pkg/kv"
)

// DefaultTimeout bounds a shared backend read.
const DefaultTimeout = 30 * time.Second

// Store lets concurrent Gets of one key share a single backend call. Every
// caller receives its own copy of the value and stops waiting when its own
// context ends.
type Store struct {
	next    kv.Store
	sf      singleflight.Group
	gen     atomic.Uint64 // bumped by Clear so later reads never join an older flight
	timeout time.Duration
}

var _ kv.Store = (*Store)(nil)

type result struct {
	value json.RawMessage
	found bool
}

func New(next kv.Store, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{next: next, timeout: timeout}
}

// Unwrap returns the decorated store.
func (s *Store) Unwrap() kv.Store {
	return s.next
}

func (s *Store) flightKey(key string) string {
	return strconv.FormatUint(s.gen.Load(), 10) + "/" + key
}

func (s *Store) Initialize(ctx context.Context) error {
	return s.next.Initialize(ctx)
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	ch := s.sf.DoChan(s.flightKey(key), func() (interface{}, error) {
		// The flight outlives any single caller.
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		value, found, err := s.next.Get(shared, key)
		return result{value: value, found: found}, err
	})

	select {
	case <-ctx.Done():
		return nil, false, kv.Wrap("get", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		res := r.Val.(result)
		if !res.found {
			return nil, false, nil
		}
		return append(json.RawMessage(nil), res.value...), true, nil
	}
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	defer s.sf.Forget(s.flightKey(key))
	return s.next.Set(ctx, key, value, ttl)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	defer s.sf.Forget(s.flightKey(key))
	return s.next.Remove(ctx, key)
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	err := s.next.RemoveMany(ctx, keys...)
	for _, key := range keys {
		s.sf.Forget(s.flightKey(key))
	}
	return err
}

func (s *Store) Clear(ctx context.Context) error {
	defer s.gen.Add(1)
	return s.next.Clear(ctx)
}

func (s *Store) TTLPolicy() kv.TTLPolicy {
	return s.next.TTLPolicy()
}

// Ping forwards to the wrapped store when it supports health checks.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.next.(kv.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) Close() error {
	return s.next.Close()
}
