package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/keyv/pkg/kv"
	"github.com/leafsii/keyv/pkg/kv/kvtest"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	store, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestRedisStore(t *testing.T) {
	factory := func(t *testing.T) kv.Store {
		_, client := newMiniredis(t)
		return newStore(t, Config{Client: client})
	}

	kvtest.RunConformanceTests(t, factory)
}

func TestRedisStoreNamespaced(t *testing.T) {
	t.Run("Conformance", func(t *testing.T) {
		kvtest.RunConformanceTests(t, func(t *testing.T) kv.Store {
			_, client := newMiniredis(t)
			return newStore(t, Config{Client: client, Namespace: "app"})
		})
	})

	t.Run("Isolation", func(t *testing.T) {
		_, client := newMiniredis(t)
		kvtest.RunNamespaceTests(t, func(t *testing.T, namespace string) kv.Store {
			return newStore(t, Config{Client: client, Namespace: namespace})
		})
	})
}

func TestRedisStoreLive(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis tests")
	}

	factory := func(t *testing.T) kv.Store {
		store, err := New(context.Background(), Config{URI: redisURL, Namespace: kvtest.NewNamespace("test")})
		if err != nil {
			t.Fatalf("Failed to create Redis store: %v", err)
		}
		return store
	}

	kvtest.RunConformanceTests(t, factory)
}

func TestRedisStoreNamespacedKeys(t *testing.T) {
	mr, client := newMiniredis(t)
	store := newStore(t, Config{Client: client, Namespace: "sessions"})

	require.NoError(t, store.Set(context.Background(), "abc", json.RawMessage(`{"u":1}`), 0))

	assert.True(t, mr.Exists("sessions:abc"))
	assert.False(t, mr.Exists("abc"))
	raw, err := mr.Get("sessions:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"u":1}`, raw)
}

func TestRedisStoreEnforcesTTL(t *testing.T) {
	mr, client := newMiniredis(t)
	store := newStore(t, Config{Client: client})
	ctx := context.Background()

	assert.Equal(t, kv.TTLEnforced, store.TTLPolicy())

	require.NoError(t, store.Set(ctx, "short", json.RawMessage(`"v"`), 10*time.Second))
	assert.Equal(t, 10*time.Second, mr.TTL("short"))

	mr.FastForward(11 * time.Second)

	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreDefaultTTL(t *testing.T) {
	mr, client := newMiniredis(t)
	store := newStore(t, Config{Client: client, DefaultTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "defaulted", json.RawMessage(`1`), 0))
	assert.Equal(t, time.Minute, mr.TTL("defaulted"))

	require.NoError(t, store.Set(ctx, "explicit", json.RawMessage(`1`), 5*time.Second))
	assert.Equal(t, 5*time.Second, mr.TTL("explicit"))

	noDefault := newStore(t, Config{Client: client})
	require.NoError(t, noDefault.Set(ctx, "forever", json.RawMessage(`1`), 0))
	assert.Equal(t, time.Duration(0), mr.TTL("forever"))
}

func TestRedisStoreNamespacedClearKeepsOtherKeys(t *testing.T) {
	mr, client := newMiniredis(t)
	store := newStore(t, Config{Client: client, Namespace: "cache", ScanCount: 2})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.Set(ctx, k, json.RawMessage(`true`), 0))
	}
	require.NoError(t, mr.Set("other:a", `"keep"`))
	require.NoError(t, mr.Set("plain", `"keep"`))

	require.NoError(t, store.Clear(ctx))

	assert.ElementsMatch(t, []string{"other:a", "plain"}, mr.Keys())
}

func TestRedisStoreUnnamespacedClearFlushes(t *testing.T) {
	mr, client := newMiniredis(t)
	store := newStore(t, Config{Client: client})

	require.NoError(t, mr.Set("anything", `1`))
	require.NoError(t, store.Clear(context.Background()))
	assert.Empty(t, mr.Keys())
}

func TestRedisStoreCorruptValue(t *testing.T) {
	mr, client := newMiniredis(t)
	store := newStore(t, Config{Client: client})

	require.NoError(t, mr.Set("legacy", "not-json"))

	_, found, err := store.Get(context.Background(), "legacy")
	assert.False(t, found)
	assert.ErrorIs(t, err, kv.ErrSerialization)
}

func TestRedisStoreConnectionErrors(t *testing.T) {
	mr, client := newMiniredis(t)
	store := newStore(t, Config{Client: client})
	mr.Close()

	_, _, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrConnection)

	var kerr *kv.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "get", kerr.Op)
}

func TestNewFromURI(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := New(context.Background(), Config{URI: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())

	// Bare address form
	store, err = New(context.Background(), Config{URI: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestNewUnreachable(t *testing.T) {
	_, err := New(context.Background(), Config{URI: "redis://127.0.0.1:1/0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrConnection)
}

func TestNewRejectsInvalidNamespace(t *testing.T) {
	_, client := newMiniredis(t)
	_, err := New(context.Background(), Config{Client: client, Namespace: "bad*glob"})
	assert.ErrorIs(t, err, kv.ErrInvalidIdentifier)
}

func TestNewPanicsWithoutConnection(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = New(context.Background(), Config{})
	})
}

func TestCloseLeavesSharedClientOpen(t *testing.T) {
	_, client := newMiniredis(t)
	store := newStore(t, Config{Client: client})

	require.NoError(t, store.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestParseURL(t *testing.T) {
	opt, err := ParseURL("redis://:secret@cache:6380/3")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, 3, opt.DB)
	assert.Equal(t, "secret", opt.Password)

	opt, err = ParseURL("localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, 2, opt.DB)
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(redis.Nil))
	assert.False(t, IsConnectionError(context.Canceled))
	assert.True(t, IsConnectionError(redis.ErrClosed))
	assert.True(t, IsConnectionError(&net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}))
}

func TestMapErrorCanceledIsNotQueryError(t *testing.T) {
	err := mapError("get", context.Canceled)
	assert.Equal(t, kv.KindUnknown, kv.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	err = mapError("get", errors.New("WRONGTYPE Operation against a key"))
	assert.Equal(t, kv.KindQuery, kv.KindOf(err))
}
