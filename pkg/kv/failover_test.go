package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockStore implements Store for testing
type MockStore struct {
	name            string
	callCount       atomic.Int64
	failAfterCalls  int64
	connectionError bool
	pingFails       atomic.Bool
	closed          atomic.Bool

	mu   sync.Mutex
	data map[string]json.RawMessage
}

func NewMockStore(name string) *MockStore {
	return &MockStore{name: name, data: make(map[string]json.RawMessage)}
}

func (m *MockStore) SetFailAfter(calls int64, connectionError bool) {
	m.failAfterCalls = calls
	m.connectionError = connectionError
}

func (m *MockStore) GetCallCount() int64 {
	return m.callCount.Load()
}

func (m *MockStore) checkFailure(op string) error {
	if m.closed.Load() {
		return QueryError(op, errors.New("store is closed"))
	}

	calls := m.callCount.Add(1)
	if m.failAfterCalls > 0 && calls > m.failAfterCalls {
		if m.connectionError {
			return ConnectionError(op, errors.New("connection refused"))
		}
		return QueryError(op, errors.New("mock failure"))
	}
	return nil
}

func (m *MockStore) Initialize(ctx context.Context) error { return nil }

func (m *MockStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := m.checkFailure("get"); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MockStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := m.checkFailure("set"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MockStore) Remove(ctx context.Context, key string) error {
	return m.RemoveMany(ctx, key)
}

func (m *MockStore) RemoveMany(ctx context.Context, keys ...string) error {
	if err := m.checkFailure("remove"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MockStore) Clear(ctx context.Context) error {
	if err := m.checkFailure("clear"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]json.RawMessage)
	return nil
}

func (m *MockStore) TTLPolicy() TTLPolicy { return TTLIgnored }

func (m *MockStore) Ping(ctx context.Context) error {
	if m.pingFails.Load() {
		return ConnectionError("ping", errors.New("connection refused"))
	}
	return nil
}

func (m *MockStore) Close() error {
	m.closed.Store(true)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestFailoverStore_BasicFailover(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")

	fs := NewFailoverStore(primary, fallback, time.Hour, nil)
	defer fs.Close()

	ctx := context.Background()
	value := json.RawMessage(`"v"`)

	if err := fs.Set(ctx, "key1", value, 0); err != nil {
		t.Fatalf("Expected first Set to succeed: %v", err)
	}
	if fs.ActiveBackend() != "primary" {
		t.Fatalf("Expected primary to be active")
	}

	// Primary now fails with connection errors
	primary.SetFailAfter(1, true)

	if err := fs.Set(ctx, "key2", value, 0); err != nil {
		t.Fatalf("Expected Set to succeed after failover: %v", err)
	}
	if fs.ActiveBackend() != "fallback" {
		t.Fatalf("Expected fallback to be active after failover")
	}

	got, found, err := fallback.Get(ctx, "key2")
	if err != nil || !found || string(got) != `"v"` {
		t.Fatalf("Expected key2 in fallback, got %s found=%v err=%v", got, found, err)
	}
}

func TestFailoverStore_Recovery(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")
	primary.pingFails.Store(true)

	fs := NewFailoverStoreWithFallbackActive(primary, fallback, 10*time.Millisecond, nil)
	defer fs.Close()

	if fs.ActiveBackend() != "fallback" {
		t.Fatalf("Expected fallback to be active at start")
	}

	time.Sleep(30 * time.Millisecond)
	if fs.ActiveBackend() != "fallback" {
		t.Fatalf("Expected fallback to stay active while primary is unhealthy")
	}

	primary.pingFails.Store(false)

	if !waitFor(t, time.Second, func() bool { return fs.ActiveBackend() == "primary" }) {
		t.Fatalf("Expected recovery to primary")
	}
}

func TestFailoverStore_NoFailoverOnQueryError(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")
	primary.SetFailAfter(1, false)

	fs := NewFailoverStore(primary, fallback, time.Hour, nil)
	defer fs.Close()

	ctx := context.Background()
	_ = fs.Set(ctx, "key", json.RawMessage(`1`), 0)

	err := fs.Set(ctx, "key", json.RawMessage(`2`), 0)
	if !errors.Is(err, ErrQuery) {
		t.Fatalf("Expected query error to propagate, got %v", err)
	}
	if fs.ActiveBackend() != "primary" {
		t.Fatalf("Query errors must not trigger failover")
	}
	if fallback.GetCallCount() != 0 {
		t.Fatalf("Expected fallback to be untouched, got %d calls", fallback.GetCallCount())
	}
}

func TestFailoverStore_MissingKeyIsNotAFailure(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")

	fs := NewFailoverStore(primary, fallback, time.Hour, nil)
	defer fs.Close()

	_, found, err := fs.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Expected no error for a missing key, got %v", err)
	}
	if found {
		t.Fatalf("Expected missing key to be reported absent")
	}
	if fs.ActiveBackend() != "primary" {
		t.Fatalf("A missing key must not trigger failover")
	}
}

func TestFailoverStore_InitializeDemotesUnreachablePrimary(t *testing.T) {
	primary := &initFailStore{MockStore: NewMockStore("primary")}
	fallback := NewMockStore("fallback")

	fs := NewFailoverStore(primary, fallback, time.Hour, nil)
	defer fs.Close()

	if err := fs.Initialize(context.Background()); err != nil {
		t.Fatalf("Expected Initialize to fall back, got %v", err)
	}
	if fs.ActiveBackend() != "fallback" {
		t.Fatalf("Expected fallback to be active")
	}
}

func TestFailoverStore_CloseClosesBoth(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")
	fs := NewFailoverStore(primary, fallback, time.Hour, nil)

	if err := fs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if !primary.closed.Load() || !fallback.closed.Load() {
		t.Fatalf("Expected both stores to be closed")
	}
}

type initFailStore struct {
	*MockStore
}

func (s *initFailStore) Initialize(ctx context.Context) error {
	return ConnectionError("initialize", errors.New("dial tcp: connection refused"))
}
