package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// SchemaVersion is the latest migration applied by Initialize.
const SchemaVersion = 2

// versionTable names the goose bookkeeping table for a store table.
func versionTable(table string) string {
	return table + "_schema_version"
}

// migrations returns the store's schema history:
//
//	1: key/value table
//	2: nullable ttl column (seconds, stored but never enforced)
func migrations(stmts statements) []*goose.Migration {
	exec := func(query string) *goose.GoFunc {
		return &goose.GoFunc{
			RunTx: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, query)
				return err
			},
			Mode: goose.TransactionEnabled,
		}
	}

	return []*goose.Migration{
		goose.NewGoMigration(1, exec(stmts.createTable), nil),
		goose.NewGoMigration(2, exec(stmts.addTTL), nil),
	}
}

func newProvider(db *sql.DB, dialect Dialect, table string, stmts statements) (*goose.Provider, error) {
	store, err := database.NewStore(dialect.gooseDialect(), versionTable(table))
	if err != nil {
		return nil, fmt.Errorf("failed to create version store: %w", err)
	}

	return goose.NewProvider("", db, nil,
		goose.WithStore(store),
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(migrations(stmts)...),
	)
}
