// Package keyv is the caller-facing key-value facade. A Keyv owns one
// initialized kv.Store and converts Go values to and from JSON around it.
package keyv

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/leafsii/keyv/pkg/kv"
	"github.com/leafsii/keyv/pkg/kv/memory"
)

// ErrClosed is returned by every operation on a closed Keyv.
var ErrClosed = errors.New("keyv is closed")

// handle is the store shared between a Keyv and its clones.
type handle struct {
	store kv.Store
	refs  atomic.Int64
}

// acquire adds a reference unless the last one is already gone.
func (h *handle) acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Keyv is safe for concurrent use. Clone it to hand out independently
// closable references to the same store.
type Keyv struct {
	h      *handle
	closed atomic.Bool
}

// New initializes store once and wraps it. An initialization failure is
// returned as is; store is left open for the caller to close.
func New(ctx context.Context, store kv.Store) (*Keyv, error) {
	if err := store.Initialize(ctx); err != nil {
		return nil, kv.Wrap("initialize", err)
	}
	h := &handle{store: store}
	h.refs.Store(1)
	return &Keyv{h: h}, nil
}

// NewInMemory returns a Keyv over a fresh in-memory store.
func NewInMemory() *Keyv {
	k, err := New(context.Background(), memory.New(memory.Config{}))
	if err != nil {
		// memory.Store.Initialize cannot fail
		panic(err)
	}
	return k
}

// Open builds the store described by cfg through the backend registry and
// initializes it. The backend's package must be imported for registration.
func Open(ctx context.Context, cfg kv.Config) (*Keyv, error) {
	store, err := kv.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return nil, kv.Wrap("open", err)
	}
	k, err := New(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return k, nil
}

func (k *Keyv) check(op string, keys ...string) error {
	if k.closed.Load() {
		return kv.Wrap(op, ErrClosed)
	}
	for _, key := range keys {
		if key == "" {
			return kv.QueryError(op, kv.ErrEmptyKey)
		}
	}
	return nil
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return kv.Encode(value)
}

// Set stores value as JSON with no TTL.
func (k *Keyv) Set(ctx context.Context, key string, value any) error {
	return k.set(ctx, "set", key, value, 0)
}

// SetWithTTL stores value as JSON with a TTL in seconds. What the TTL does
// depends on the store's TTLPolicy.
func (k *Keyv) SetWithTTL(ctx context.Context, key string, value any, ttlSeconds uint64) error {
	return k.set(ctx, "set_with_ttl", key, value, secondsToDuration(ttlSeconds))
}

func secondsToDuration(seconds uint64) time.Duration {
	if seconds > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds) * time.Second
}

func (k *Keyv) set(ctx context.Context, op, key string, value any, ttl time.Duration) error {
	if err := k.check(op, key); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return kv.Wrap(op, k.h.store.Set(ctx, key, raw, ttl))
}

// Get returns the stored JSON. Decoding it is left to the caller.
func (k *Keyv) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := k.check("get", key); err != nil {
		return nil, false, err
	}
	value, found, err := k.h.store.Get(ctx, key)
	if err != nil {
		return nil, false, kv.Wrap("get", err)
	}
	return value, found, nil
}

// GetAs fetches key and decodes it into T. A value that does not fit T is a
// serialization error.
func GetAs[T any](ctx context.Context, k *Keyv, key string) (T, bool, error) {
	var out T
	raw, found, err := k.Get(ctx, key)
	if err != nil || !found {
		return out, found, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, kv.SerializationError("get", err)
	}
	return out, true, nil
}

// Remove deletes key. Removing an absent key succeeds.
func (k *Keyv) Remove(ctx context.Context, key string) error {
	if err := k.check("remove", key); err != nil {
		return err
	}
	return kv.Wrap("remove", k.h.store.Remove(ctx, key))
}

// RemoveMany deletes every listed key that exists.
func (k *Keyv) RemoveMany(ctx context.Context, keys ...string) error {
	if err := k.check("remove_many", keys...); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return kv.Wrap("remove_many", k.h.store.RemoveMany(ctx, keys...))
}

// Clear removes every key in the store's table, collection or namespace.
func (k *Keyv) Clear(ctx context.Context) error {
	if err := k.check("clear"); err != nil {
		return err
	}
	return kv.Wrap("clear", k.h.store.Clear(ctx))
}

// TTLPolicy reports how the underlying store treats TTLs.
func (k *Keyv) TTLPolicy() kv.TTLPolicy {
	return k.h.store.TTLPolicy()
}

// Store returns the underlying store.
func (k *Keyv) Store() kv.Store {
	return k.h.store
}

// Clone returns another reference to the same store. The store is closed when
// the last open reference is closed. Cloning a closed Keyv returns a closed Keyv.
func (k *Keyv) Clone() *Keyv {
	c := &Keyv{h: k.h}
	if k.closed.Load() || !k.h.acquire() {
		c.closed.Store(true)
	}
	return c
}

// Close releases this reference. Closing twice is a no-op.
func (k *Keyv) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	if k.h.refs.Add(-1) == 0 {
		return k.h.store.Close()
	}
	return nil
}
