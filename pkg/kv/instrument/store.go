// Package instrument decorates a kv.Store with OpenTelemetry metrics.
package instrument

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/leafsii/keyv/pkg/kv"
)

// Metric names recorded by Store.
const (
	OperationsMetric = "keyv_operations_total"
	DurationMetric   = "keyv_operation_duration_seconds"
	HitsMetric       = "keyv_get_hits_total"
	MissesMetric     = "keyv_get_misses_total"
)

// Store records one count and one latency sample per operation on the
// wrapped store, plus hit/miss counts for Get.
type Store struct {
	next    kv.Store
	backend attribute.KeyValue

	ops      metric.Int64Counter
	duration metric.Float64Histogram
	hits     metric.Int64Counter
	misses   metric.Int64Counter
}

var _ kv.Store = (*Store)(nil)

// New wraps store. backend labels every recorded point.
func New(store kv.Store, meter metric.Meter, backend string) (*Store, error) {
	s := &Store{
		next:    store,
		backend: attribute.String("backend", backend),
	}

	var err error
	s.ops, err = meter.Int64Counter(OperationsMetric,
		metric.WithDescription("Total number of store operations by outcome"))
	if err != nil {
		return nil, err
	}

	s.duration, err = meter.Float64Histogram(DurationMetric,
		metric.WithDescription("Store operation duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	s.hits, err = meter.Int64Counter(HitsMetric,
		metric.WithDescription("Total number of Get calls that found the key"))
	if err != nil {
		return nil, err
	}

	s.misses, err = meter.Int64Counter(MissesMetric,
		metric.WithDescription("Total number of Get calls for absent keys"))
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Unwrap returns the decorated store.
func (s *Store) Unwrap() kv.Store {
	return s.next
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch kv.KindOf(err) {
	case kv.KindConnection:
		return "connection_error"
	case kv.KindQuery:
		return "query_error"
	case kv.KindSerialization:
		return "serialization_error"
	case kv.KindNotFound:
		return "not_found"
	default:
		return "unknown_error"
	}
}

func (s *Store) record(ctx context.Context, op string, start time.Time, err error) {
	opAttr := attribute.String("op", op)
	s.ops.Add(ctx, 1, metric.WithAttributes(opAttr, s.backend, attribute.String("outcome", outcome(err))))
	s.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttr, s.backend))
}

func (s *Store) Initialize(ctx context.Context) error {
	start := time.Now()
	err := s.next.Initialize(ctx)
	s.record(ctx, "initialize", start, err)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	start := time.Now()
	value, found, err := s.next.Get(ctx, key)
	s.record(ctx, "get", start, err)

	if err == nil {
		if found {
			s.hits.Add(ctx, 1, metric.WithAttributes(s.backend))
		} else {
			s.misses.Add(ctx, 1, metric.WithAttributes(s.backend))
		}
	}
	return value, found, err
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	start := time.Now()
	err := s.next.Set(ctx, key, value, ttl)
	s.record(ctx, "set", start, err)
	return err
}

func (s *Store) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := s.next.Remove(ctx, key)
	s.record(ctx, "remove", start, err)
	return err
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := s.next.RemoveMany(ctx, keys...)
	s.record(ctx, "remove_many", start, err)
	return err
}

func (s *Store) Clear(ctx context.Context) error {
	start := time.Now()
	err := s.next.Clear(ctx)
	s.record(ctx, "clear", start, err)
	return err
}

func (s *Store) TTLPolicy() kv.TTLPolicy {
	return s.next.TTLPolicy()
}

// Ping forwards to the wrapped store when it is a kv.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.next.(kv.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) Close() error {
	return s.next.Close()
}
