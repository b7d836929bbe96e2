// Package postgres is the native PostgreSQL kv.Store, built on a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/pkg/kv"
)

const connectTimeout = 5 * time.Second

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Config configures a PostgreSQL store. Exactly one of URI or Pool is required.
type Config struct {
	// URI is a postgres:// connection string.
	URI string

	// Pool is an existing pool. It wins over URI, is not pinged and is not
	// closed by Store.Close.
	Pool Pool

	// Table defaults to kv.DefaultTableName.
	Table string

	// Schema optionally qualifies Table and is created by Initialize.
	Schema string

	Logger *zap.Logger
}

// Store keeps each entry as one row of (key TEXT PRIMARY KEY, value TEXT).
type Store struct {
	pool      Pool
	ownsPool  bool
	schema    string
	qualified string
	logger    *zap.Logger

	getSQL        string
	setSQL        string
	removeSQL     string
	removeManySQL string
	clearSQL      string
}

var _ kv.Store = (*Store)(nil)

// New creates a PostgreSQL store. It panics when neither URI nor Pool is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" && cfg.Pool == nil {
		panic("postgres: Config requires URI or Pool")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	table := cfg.Table
	if table == "" {
		logger.Warn("table name not set, using default", zap.String("table", kv.DefaultTableName))
		table = kv.DefaultTableName
	}
	if err := kv.ValidateIdentifier(table); err != nil {
		return nil, err
	}

	ident := pgx.Identifier{table}
	if cfg.Schema != "" {
		if err := kv.ValidateIdentifier(cfg.Schema); err != nil {
			return nil, err
		}
		ident = pgx.Identifier{cfg.Schema, table}
	}

	s := &Store{
		pool:   cfg.Pool,
		schema: cfg.Schema,
		logger: logger,
	}
	s.prepare(ident.Sanitize())

	if s.pool != nil {
		return s, nil
	}

	pool, err := pgxpool.New(ctx, cfg.URI)
	if err != nil {
		return nil, kv.ConnectionError("connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, kv.ConnectionError("connect", err)
	}

	s.pool = pool
	s.ownsPool = true
	return s, nil
}

func (s *Store) prepare(qualified string) {
	s.qualified = qualified
	s.getSQL = fmt.Sprintf("SELECT value FROM %s WHERE key = $1", qualified)
	s.setSQL = fmt.Sprintf("INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value", qualified)
	s.removeSQL = fmt.Sprintf("DELETE FROM %s WHERE key = $1", qualified)
	s.removeManySQL = fmt.Sprintf("DELETE FROM %s WHERE key = ANY($1)", qualified)
	s.clearSQL = fmt.Sprintf("DELETE FROM %s", qualified)
}

// Table returns the quoted, schema-qualified table name.
func (s *Store) Table() string {
	return s.qualified
}

// Initialize creates the schema (when configured) and the table.
func (s *Store) Initialize(ctx context.Context) error {
	if s.schema != "" {
		sql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{s.schema}.Sanitize())
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return mapError("initialize", err)
		}
	}

	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL)", s.qualified)
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return mapError("initialize", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var stored string
	err := s.pool.QueryRow(ctx, s.getSQL, key).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError("get", err)
	}
	value, err := kv.DecodeStored("get", []byte(stored))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set upserts the row. The TTL is dropped with a debug diagnostic.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := kv.CheckValue("set", value); err != nil {
		return err
	}
	if ttl > 0 {
		s.logger.Debug("ttl ignored by backend", zap.String("backend", "postgres"), zap.Duration("ttl", ttl))
	}
	_, err := s.pool.Exec(ctx, s.setSQL, key, string(value))
	return mapError("set", err)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, s.removeSQL, key)
	return mapError("remove", err)
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, s.removeManySQL, keys)
	return mapError("remove_many", err)
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, s.clearSQL)
	return mapError("clear", err)
}

// TTLPolicy reports kv.TTLIgnored.
func (s *Store) TTLPolicy() kv.TTLPolicy {
	return kv.TTLIgnored
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.pool.Ping(ctx))
}

// Close closes the pool only when New created it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// mapError sorts pgx failures into connection and query kinds.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return kv.ConnectionError(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return kv.Wrap(op, err)
	}
	return kv.QueryError(op, err)
}

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception; 57P0x: server shutting down.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return strings.Contains(err.Error(), "closed pool")
}
