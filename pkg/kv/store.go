package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	// DefaultTableName is used by relational and DynamoDB adapters when no table is configured.
	DefaultTableName = "keyv"

	// DefaultNamespaceName is used by the MongoDB adapter for unset database/collection names.
	DefaultNamespaceName = "keyv"
)

// Store is the contract every backend adapter satisfies. Implementations must be
// safe for concurrent use.
type Store interface {
	// Initialize prepares the backend (schema, table). Called once before first use.
	Initialize(ctx context.Context) error

	// Get returns the stored JSON value. found is false when the key is absent;
	// absence is never reported as an error.
	Get(ctx context.Context, key string) (value json.RawMessage, found bool, err error)

	// Set upserts value under key. A zero ttl means none was supplied; what a
	// non-zero ttl does depends on TTLPolicy.
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error

	// Remove deletes key. Removing an absent key succeeds.
	Remove(ctx context.Context, key string) error

	// RemoveMany deletes every listed key that exists.
	RemoveMany(ctx context.Context, keys ...string) error

	// Clear removes every key in this store's table, collection or namespace.
	Clear(ctx context.Context) error

	// TTLPolicy reports how the adapter treats the ttl argument of Set.
	TTLPolicy() TTLPolicy

	// Close releases resources the adapter created itself.
	Close() error
}

// Pinger is implemented by stores that can check backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TTLPolicy describes what a backend does with a per-write TTL.
type TTLPolicy int

const (
	// TTLIgnored drops the TTL; the entry lives until removed.
	TTLIgnored TTLPolicy = iota
	// TTLPersisted stores the TTL alongside the entry but never expires it.
	TTLPersisted
	// TTLEnforced expires the entry once the TTL elapses.
	TTLEnforced
)

func (p TTLPolicy) String() string {
	switch p {
	case TTLPersisted:
		return "persisted"
	case TTLEnforced:
		return "enforced"
	default:
		return "ignored"
	}
}

var errInvalidJSON = errors.New("value is not valid JSON")

// Encode marshals v into the stored JSON form.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, SerializationError("encode", err)
	}
	return data, nil
}

// CheckValue verifies raw is a single valid JSON document.
func CheckValue(op string, raw []byte) error {
	if !json.Valid(raw) {
		return SerializationError(op, errInvalidJSON)
	}
	return nil
}

// DecodeStored turns stored text back into a value, failing with a
// serialization error when the backend holds something that is not JSON.
func DecodeStored(op string, stored []byte) (json.RawMessage, error) {
	if err := CheckValue(op, stored); err != nil {
		return nil, err
	}
	out := make(json.RawMessage, len(stored))
	copy(out, stored)
	return out, nil
}
