package sqlstore

import (
	"fmt"
	"strings"

	"github.com/pressly/goose/v3/database"
)

// Dialect selects the SQL flavour and database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the dialect names used in configuration.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", name)
	}
}

func (d Dialect) driverName() string {
	switch d {
	case DialectMySQL:
		return "mysql"
	case DialectPostgres:
		return "pgx"
	default:
		return "sqlite"
	}
}

func (d Dialect) gooseDialect() database.Dialect {
	switch d {
	case DialectMySQL:
		return database.DialectMySQL
	case DialectPostgres:
		return database.DialectPostgres
	default:
		return database.DialectSQLite3
	}
}

// quote wraps an already validated identifier.
func (d Dialect) quote(ident string) string {
	if d == DialectMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

func (d Dialect) keyType() string {
	if d == DialectMySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

func (d Dialect) valueType() string {
	if d == DialectMySQL {
		return "LONGTEXT"
	}
	return "TEXT"
}

// statements holds every query the store issues against one table.
type statements struct {
	createTable string
	addTTL      string
	get         string
	set         string
	remove      string
	clear       string
}

func (d Dialect) statements(table string) statements {
	t := d.quote(table)
	key, value, ttl := d.quote("key"), d.quote("value"), d.quote("ttl")

	var upsert string
	switch d {
	case DialectMySQL:
		upsert = fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE %s = VALUES(%s), %s = VALUES(%s)",
			t, key, value, ttl, value, value, ttl, ttl)
	default:
		upsert = fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s, %s = excluded.%s",
			t, key, value, ttl, d.placeholders(1, 3), key, value, value, ttl, ttl)
	}

	return statements{
		createTable: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s PRIMARY KEY, %s %s NOT NULL)",
			t, key, d.keyType(), value, d.valueType()),
		addTTL: fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BIGINT NULL", t, ttl),
		get:    fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", value, t, key, d.placeholder(1)),
		set:    upsert,
		remove: fmt.Sprintf("DELETE FROM %s WHERE %s = %s", t, key, d.placeholder(1)),
		clear:  fmt.Sprintf("DELETE FROM %s", t),
	}
}

// removeMany builds a DELETE for n keys.
func (d Dialect) removeMany(table string, n int) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.quote(table), d.quote("key"), d.placeholders(1, n))
}
