// Package sqlstore is a kv.Store over database/sql. It speaks SQLite, MySQL and
// PostgreSQL and versions its table with goose migrations.
//
// Unlike the postgres package, sqlstore persists the TTL of each write in a
// nullable ttl column. Nothing ever expires rows based on it.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/pkg/kv"

	// database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	connectTimeout = 5 * time.Second

	sqliteBusyTimeoutMS = 5000

	// removeChunk bounds the number of placeholders in one DELETE ... IN.
	removeChunk = 500
)

// Config configures a SQL store. Exactly one of URI or DB is required.
type Config struct {
	// Dialect defaults to DialectSQLite.
	Dialect Dialect

	// URI is the driver DSN: a file path for SQLite, user:pass@tcp(host)/db
	// for MySQL, a postgres:// URL for PostgreSQL.
	URI string

	// DB is an existing handle. It wins over URI, is not pinged and is not
	// closed by Store.Close.
	DB *sql.DB

	// Table defaults to kv.DefaultTableName.
	Table string

	Logger *zap.Logger
}

// Store keeps each entry as one row of (key, value, ttl).
type Store struct {
	db      *sql.DB
	ownsDB  bool
	dialect Dialect
	table   string
	stmts   statements
	logger  *zap.Logger
}

var _ kv.Store = (*Store)(nil)

// New creates a SQL store. It panics when neither URI nor DB is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" && cfg.DB == nil {
		panic("sqlstore: Config requires URI or DB")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialect, err := ParseDialect(string(cfg.Dialect))
	if err != nil {
		return nil, kv.QueryError("connect", err)
	}

	table := cfg.Table
	if table == "" {
		logger.Warn("table name not set, using default", zap.String("table", kv.DefaultTableName))
		table = kv.DefaultTableName
	}
	if err := kv.ValidateIdentifier(table); err != nil {
		return nil, err
	}

	s := &Store{
		db:      cfg.DB,
		dialect: dialect,
		table:   table,
		stmts:   dialect.statements(table),
		logger:  logger,
	}
	if s.db != nil {
		return s, nil
	}

	uri := cfg.URI
	if dialect == DialectSQLite {
		uri = withBusyTimeout(uri)
	}
	db, err := sql.Open(dialect.driverName(), uri)
	if err != nil {
		return nil, kv.ConnectionError("connect", err)
	}
	if dialect == DialectSQLite && strings.Contains(cfg.URI, ":memory:") {
		// Every connection to :memory: opens a distinct database.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, kv.ConnectionError("connect", err)
	}

	s.db = db
	s.ownsDB = true
	return s, nil
}

// withBusyTimeout makes concurrent SQLite writers wait on the file lock
// instead of failing with SQLITE_BUSY, unless uri already sets a timeout.
func withBusyTimeout(uri string) string {
	if strings.Contains(uri, "busy_timeout") {
		return uri
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "_pragma=busy_timeout(" + strconv.Itoa(sqliteBusyTimeoutMS) + ")"
}

// Dialect reports the SQL flavour in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Initialize applies pending schema migrations. Re-running it is harmless.
func (s *Store) Initialize(ctx context.Context) error {
	provider, err := newProvider(s.db, s.dialect, s.table, s.stmts)
	if err != nil {
		return kv.QueryError("initialize", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return mapError("initialize", err)
	}
	for _, r := range results {
		s.logger.Info("applied schema migration",
			zap.String("table", s.table),
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration))
	}
	return nil
}

// AppliedVersion returns the latest applied migration without applying any.
// A fully migrated table reports SchemaVersion.
func (s *Store) AppliedVersion(ctx context.Context) (int64, error) {
	provider, err := newProvider(s.db, s.dialect, s.table, s.stmts)
	if err != nil {
		return 0, kv.QueryError("applied version", err)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, mapError("applied version", err)
	}
	return version, nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, s.stmts.get, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
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

// Set upserts the row, recording ttl in whole seconds rounded up (NULL when zero).
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := kv.CheckValue("set", value); err != nil {
		return err
	}

	var ttlSeconds sql.NullInt64
	if ttl > 0 {
		// Round up so a sub-second TTL is not recorded as zero.
		ttlSeconds = sql.NullInt64{Int64: int64((ttl + time.Second - 1) / time.Second), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.stmts.set, key, string(value), ttlSeconds)
	return mapError("set", err)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.stmts.remove, key)
	return mapError("remove", err)
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += removeChunk {
		end := min(start+removeChunk, len(keys))
		chunk := keys[start:end]

		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		if _, err := s.db.ExecContext(ctx, s.dialect.removeMany(s.table, len(chunk)), args...); err != nil {
			return mapError("remove_many", err)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.stmts.clear)
	return mapError("clear", err)
}

// TTLPolicy reports kv.TTLPersisted.
func (s *Store) TTLPolicy() kv.TTLPolicy {
	return kv.TTLPersisted
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.db.PingContext(ctx))
}

// Close closes the handle only when New opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return mapError("close", s.db.Close())
}

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
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "database is closed") || strings.Contains(msg, "connection refused")
}
