// Package events publishes key changes made through a kv.Store to in-process
// subscribers.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Op string

const (
	OpSet    Op = "set"
	OpRemove Op = "remove"
	OpClear  Op = "clear"
)

// Event describes one successful write. Value is set only for OpSet.
type Event struct {
	Seq        uint64          `json:"seq"`
	Op         Op              `json:"op"`
	Keys       []string        `json:"keys,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	TTLSeconds int64           `json:"ttl,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Matches reports whether any key of e starts with one of prefixes. A clear
// matches every filter, and no prefixes matches everything.
func (e Event) Matches(prefixes []string) bool {
	if len(prefixes) == 0 || e.Op == OpClear {
		return true
	}
	for _, key := range e.Keys {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				return true
			}
		}
	}
	return false
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event and its drop counter grows.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	seq    atomic.Uint64
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscription receives events matching its prefixes until closed.
type Subscription struct {
	bus      *Bus
	ch       chan Event
	prefixes []string
	dropped  atomic.Int64
	once     sync.Once
}

// Subscribe registers a subscriber with the given buffer size. Subscribing to a
// closed bus returns an already closed subscription.
func (b *Bus) Subscribe(buffer int, prefixes ...string) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		bus:      b,
		ch:       make(chan Event, buffer),
		prefixes: prefixes,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish stamps e with the next sequence number and delivers it.
func (b *Bus) Publish(e Event) Event {
	e.Seq = b.seq.Add(1)
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return e
	}

	for s := range b.subs {
		if !e.Matches(s.prefixes) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if s.dropped.Add(1) == 1 {
				b.logger.Warn("event subscriber is falling behind", zap.Uint64("seq", e.Seq))
			}
		}
	}
	return e
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// C returns the event channel. It is closed when the subscription or bus closes.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.once.Do(func() { close(s.ch) })
}
