package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// probeKey is read from primaries that do not implement Pinger.
const probeKey = "__keyv_probe__"

// FailoverStore wraps a primary and fallback store, automatically failing over
// when the primary becomes unavailable and recovering when it becomes healthy again
type FailoverStore struct {
	primary       Store // Primary store (usually remote)
	fallback      Store // Fallback store (usually in-memory)
	active        atomic.Value
	probeInterval time.Duration
	logger        *zap.Logger

	// State management
	mu        sync.Mutex
	probing   bool          // Whether background probing is active
	closed    chan struct{} // Signal to stop background processes
	closeOnce sync.Once
	probeStop chan struct{} // Signal to stop current probe goroutine
	probeDone chan struct{} // Signal that probe goroutine has stopped
	promote   chan struct{} // Signal to promote to primary
}

type activeStore struct{ Store }

// NewFailoverStore creates a new failover store that prefers the primary but falls back to fallback
func NewFailoverStore(primary, fallback Store, probeInterval time.Duration, logger *zap.Logger) *FailoverStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	fs := &FailoverStore{
		primary:       primary,
		fallback:      fallback,
		probeInterval: probeInterval,
		logger:        logger,
		closed:        make(chan struct{}),
		promote:       make(chan struct{}, 1),
	}

	fs.active.Store(activeStore{primary})
	go fs.handlePromotions()

	return fs
}

// NewFailoverStoreWithFallbackActive creates a failover store that starts with fallback active
// and probes primary for recovery (used when primary fails at startup)
func NewFailoverStoreWithFallbackActive(primary, fallback Store, probeInterval time.Duration, logger *zap.Logger) *FailoverStore {
	fs := NewFailoverStore(primary, fallback, probeInterval, logger)
	fs.active.Store(activeStore{fallback})
	fs.startProbing()
	return fs
}

func (fs *FailoverStore) getActiveStore() Store {
	return fs.active.Load().(activeStore).Store
}

// demoteToFallback switches to the fallback store and starts background probing for recovery
func (fs *FailoverStore) demoteToFallback(cause error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.getActiveStore() == fs.fallback {
		return
	}

	fs.active.Store(activeStore{fs.fallback})
	fs.logger.Warn("failing over to fallback store", zap.Error(cause))

	fs.startProbingUnsafe()
}

// handlePromotions handles promotion signals in a separate goroutine
func (fs *FailoverStore) handlePromotions() {
	for {
		select {
		case <-fs.closed:
			return
		case <-fs.promote:
			if fs.getActiveStore() == fs.primary {
				continue
			}

			fs.active.Store(activeStore{fs.primary})
			fs.logger.Info("recovered to primary store")

			fs.stopProbing()
		}
	}
}

// signalPromotion signals that primary should be promoted (non-blocking)
func (fs *FailoverStore) signalPromotion() {
	select {
	case fs.promote <- struct{}{}:
	default:
	}
}

func (fs *FailoverStore) startProbing() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.startProbingUnsafe()
}

// startProbingUnsafe starts background probing if not already active (must hold mutex)
func (fs *FailoverStore) startProbingUnsafe() {
	if fs.probing {
		return
	}

	fs.probing = true
	fs.probeStop = make(chan struct{})
	fs.probeDone = make(chan struct{})

	go fs.probeLoop(fs.probeStop, fs.probeDone)
}

func (fs *FailoverStore) stopProbing() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.stopProbingUnsafe()
}

// stopProbingUnsafe stops background probing (must hold mutex)
func (fs *FailoverStore) stopProbingUnsafe() {
	if !fs.probing {
		return
	}

	close(fs.probeStop)
	<-fs.probeDone
	fs.probing = false
}

func (fs *FailoverStore) probeLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(fs.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fs.closed:
			return
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), fs.probeInterval/2)
			err := probe(ctx, fs.primary)
			cancel()

			if err == nil {
				fs.signalPromotion()
			}
		}
	}
}

func probe(ctx context.Context, s Store) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, _, err := s.Get(ctx, probeKey)
	return err
}

// execute runs fn on the active store, retrying once on the fallback when the
// primary reports a connection error.
func (fs *FailoverStore) execute(fn func(Store) error) error {
	store := fs.getActiveStore()
	err := fn(store)

	if store == fs.primary && errors.Is(err, ErrConnection) {
		fs.demoteToFallback(err)

		if fallbackStore := fs.getActiveStore(); fallbackStore != store {
			return fn(fallbackStore)
		}
	}

	return err
}

// Initialize prepares both stores. A primary that cannot be reached starts the
// store in fallback mode instead of failing.
func (fs *FailoverStore) Initialize(ctx context.Context) error {
	if err := fs.fallback.Initialize(ctx); err != nil {
		return err
	}
	err := fs.primary.Initialize(ctx)
	if errors.Is(err, ErrConnection) {
		fs.demoteToFallback(err)
		return nil
	}
	return err
}

func (fs *FailoverStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var (
		value json.RawMessage
		found bool
	)
	err := fs.execute(func(s Store) error {
		var err error
		value, found, err = s.Get(ctx, key)
		return err
	})
	return value, found, err
}

func (fs *FailoverStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return fs.execute(func(s Store) error {
		return s.Set(ctx, key, value, ttl)
	})
}

func (fs *FailoverStore) Remove(ctx context.Context, key string) error {
	return fs.execute(func(s Store) error {
		return s.Remove(ctx, key)
	})
}

func (fs *FailoverStore) RemoveMany(ctx context.Context, keys ...string) error {
	return fs.execute(func(s Store) error {
		return s.RemoveMany(ctx, keys...)
	})
}

func (fs *FailoverStore) Clear(ctx context.Context) error {
	return fs.execute(func(s Store) error {
		return s.Clear(ctx)
	})
}

// TTLPolicy reports the policy of whichever store is currently active.
func (fs *FailoverStore) TTLPolicy() TTLPolicy {
	return fs.getActiveStore().TTLPolicy()
}

// Ping checks the active store.
func (fs *FailoverStore) Ping(ctx context.Context) error {
	return probe(ctx, fs.getActiveStore())
}

// ActiveBackend returns information about which backend is currently active
func (fs *FailoverStore) ActiveBackend() string {
	if fs.getActiveStore() == fs.primary {
		return "primary"
	}
	return "fallback"
}

// Close shuts down the failover store and stops all background processes
func (fs *FailoverStore) Close() error {
	var errs []error
	fs.closeOnce.Do(func() {
		close(fs.closed)

		fs.mu.Lock()
		fs.stopProbingUnsafe()
		fs.mu.Unlock()

		if err := fs.primary.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := fs.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
