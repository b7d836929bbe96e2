// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leafsii/keyv/pkg/kv"
)

// StoreFactory creates a fresh, initialized and empty Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// NamespacedFactory creates an initialized Store scoped to namespace. Stores built
// with different namespaces must share the same underlying backend.
type NamespacedFactory func(t *testing.T, namespace string) kv.Store

// NewNamespace returns a unique name that passes both kv.ValidateIdentifier and
// kv.ValidateNamespace.
func NewNamespace(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + id[:12]
}

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	t.Run("ValueOperations", func(t *testing.T) {
		testValueOperations(t, factory)
	})
	t.Run("RemoveOperations", func(t *testing.T) {
		testRemoveOperations(t, factory)
	})
	t.Run("Clear", func(t *testing.T) {
		testClear(t, factory)
	})
	t.Run("Scenario", func(t *testing.T) {
		testScenario(t, factory)
	})
	t.Run("Concurrency", func(t *testing.T) {
		testConcurrency(t, factory)
	})
}

// RunNamespaceTests checks that Clear is scoped to one namespace.
func RunNamespaceTests(t *testing.T, factory NamespacedFactory) {
	ctx := context.Background()

	a := factory(t, NewNamespace("a"))
	defer a.Close()
	b := factory(t, NewNamespace("b"))
	defer b.Close()

	mustSet(t, a, "shared", `"from a"`)
	mustSet(t, b, "shared", `"from b"`)

	assertValue(t, a, "shared", `"from a"`)
	assertValue(t, b, "shared", `"from b"`)

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	assertAbsent(t, a, "shared")
	assertValue(t, b, "shared", `"from b"`)

	if err := b.Remove(ctx, "shared"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	assertAbsent(t, b, "shared")
}

func run(t *testing.T, factory StoreFactory, tests []struct {
	name string
	test func(t *testing.T, store kv.Store)
}) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testValueOperations(t *testing.T, factory StoreFactory) {
	run(t, factory, []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"LastWriteWins", testLastWriteWins},
		{"RoundTripShapes", testRoundTripShapes},
		{"SetWithTTL", testSetWithTTL},
		{"SetInvalidJSON", testSetInvalidJSON},
	})
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:object"
	value := json.RawMessage(`{"name":"keyv","tags":["a","b"],"n":1}`)

	if err := store.Set(ctx, key, value, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, found, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatalf("Expected %q to be found", key)
	}

	assertJSONEqual(t, value, result)
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	result, found, err := store.Get(context.Background(), "test:nonexistent")
	if err != nil {
		t.Fatalf("Expected no error for absent key, got %v", err)
	}
	if found || result != nil {
		t.Fatalf("Expected absent key, got %s", result)
	}
}

func testLastWriteWins(t *testing.T, store kv.Store) {
	mustSet(t, store, "test:lww", `1`)
	mustSet(t, store, "test:lww", `{"v":2}`)
	assertValue(t, store, "test:lww", `{"v":2}`)
}

func testRoundTripShapes(t *testing.T, store kv.Store) {
	values := map[string]string{
		"null":    `null`,
		"bool":    `true`,
		"int":     `42`,
		"float":   `3.25`,
		"string":  `"life long"`,
		"unicode": `"héllo ✓"`,
		"quote":   `"it's \"quoted\""`,
		"array":   `["hola","test"]`,
		"nested":  `{"a":{"b":[1,{"c":null}]}}`,
		"empty":   `{}`,
	}

	for name, raw := range values {
		mustSet(t, store, "shape:"+name, raw)
	}
	for name, raw := range values {
		assertValue(t, store, "shape:"+name, raw)
	}
}

func testSetWithTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	if err := store.Set(ctx, "test:ttl", json.RawMessage(`"expiring"`), time.Hour); err != nil {
		t.Fatalf("Set with TTL failed under policy %s: %v", store.TTLPolicy(), err)
	}
	assertValue(t, store, "test:ttl", `"expiring"`)
}

func testSetInvalidJSON(t *testing.T, store kv.Store) {
	err := store.Set(context.Background(), "test:invalid", json.RawMessage(`{"a":`), 0)
	if !errors.Is(err, kv.ErrSerialization) {
		t.Fatalf("Expected serialization error, got %v", err)
	}
	assertAbsent(t, store, "test:invalid")
}

func testRemoveOperations(t *testing.T, factory StoreFactory) {
	run(t, factory, []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"Remove", testRemove},
		{"RemoveNonExistent", testRemoveNonExistent},
		{"RemoveManyPartial", testRemoveManyPartial},
		{"RemoveManyEmpty", testRemoveManyEmpty},
	})
}

func testRemove(t *testing.T, store kv.Store) {
	mustSet(t, store, "test:remove", `"bye"`)
	if err := store.Remove(context.Background(), "test:remove"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	assertAbsent(t, store, "test:remove")
}

func testRemoveNonExistent(t *testing.T, store kv.Store) {
	if err := store.Remove(context.Background(), "test:never-set"); err != nil {
		t.Fatalf("Expected removing an absent key to succeed, got %v", err)
	}
}

func testRemoveManyPartial(t *testing.T, store kv.Store) {
	mustSet(t, store, "many:1", `1`)
	mustSet(t, store, "many:2", `2`)
	mustSet(t, store, "many:keep", `"keep"`)

	err := store.RemoveMany(context.Background(), "many:1", "many:missing", "many:2")
	if err != nil {
		t.Fatalf("RemoveMany failed: %v", err)
	}

	assertAbsent(t, store, "many:1")
	assertAbsent(t, store, "many:2")
	assertValue(t, store, "many:keep", `"keep"`)
}

func testRemoveManyEmpty(t *testing.T, store kv.Store) {
	mustSet(t, store, "many:untouched", `true`)
	if err := store.RemoveMany(context.Background()); err != nil {
		t.Fatalf("RemoveMany with no keys failed: %v", err)
	}
	assertValue(t, store, "many:untouched", `true`)
}

func testClear(t *testing.T, factory StoreFactory) {
	store := factory(t)
	defer store.Close()

	for i := 0; i < 30; i++ {
		mustSet(t, store, fmt.Sprintf("clear:%d", i), fmt.Sprintf("%d", i))
	}

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	for i := 0; i < 30; i++ {
		assertAbsent(t, store, fmt.Sprintf("clear:%d", i))
	}

	// Clearing an empty store succeeds
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear of empty store failed: %v", err)
	}
}

func testScenario(t *testing.T, factory StoreFactory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	mustSet(t, store, "number", `42`)
	mustSet(t, store, "number", `10`)
	assertValue(t, store, "number", `10`)

	mustSet(t, store, "array", `["hola","test"]`)
	assertValue(t, store, "array", `["hola","test"]`)

	mustSet(t, store, "string", `"life long"`)
	assertValue(t, store, "string", `"life long"`)

	if err := store.Remove(ctx, "number"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	assertAbsent(t, store, "number")

	mustSet(t, store, "key0", `"value0"`)
	if err := store.RemoveMany(ctx, "string", "array"); err != nil {
		t.Fatalf("RemoveMany failed: %v", err)
	}
	assertAbsent(t, store, "string")
	assertAbsent(t, store, "array")
	assertValue(t, store, "key0", `"value0"`)

	mustSet(t, store, "key1", `"value1"`)
	mustSet(t, store, "key2", `"value2"`)
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	assertAbsent(t, store, "key0")
	assertAbsent(t, store, "key1")
	assertAbsent(t, store, "key2")
}

func testConcurrency(t *testing.T, factory StoreFactory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("conc:%d:%d", w, i)
				value := json.RawMessage(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i))
				if err := store.Set(ctx, key, value, 0); err != nil {
					errs <- err
					return
				}
				got, found, err := store.Get(ctx, key)
				if err != nil {
					errs <- err
					return
				}
				if !found || !jsonEqual(got, value) {
					errs <- fmt.Errorf("read %s back as %s (found=%v)", key, got, found)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent access failed: %v", err)
	}
}

func mustSet(t *testing.T, store kv.Store, key, raw string) {
	t.Helper()
	if err := store.Set(context.Background(), key, json.RawMessage(raw), 0); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func assertValue(t *testing.T, store kv.Store, key, want string) {
	t.Helper()
	got, found, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if !found {
		t.Fatalf("Expected %q to be present", key)
	}
	assertJSONEqual(t, json.RawMessage(want), got)
}

func assertAbsent(t *testing.T, store kv.Store, key string) {
	t.Helper()
	got, found, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if found {
		t.Fatalf("Expected %q to be absent, got %s", key, got)
	}
}

func assertJSONEqual(t *testing.T, want, got json.RawMessage) {
	t.Helper()
	if !jsonEqual(want, got) {
		t.Fatalf("Expected %s, got %s", want, got)
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
