package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leafsii/keyv/pkg/kv"
	"github.com/leafsii/keyv/pkg/kv/sqlstore"
)

func newMigrateCmd(c *cli) *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the backend's table, collection or index",
		Long: `migrate runs the backend's one-time initialization without serving traffic.
For the sql backend it applies pending schema migrations and reports the version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg := c.cfg.KV(c.logger)
			cfg.Failover = false
			store, err := kv.NewStoreFromConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			sqlStore, versioned := store.(*sqlstore.Store)

			if !status {
				if err := store.Initialize(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			}

			if !versioned {
				if status {
					fmt.Fprintf(out, "%s backend has no versioned schema\n", cfg.Backend)
				} else {
					fmt.Fprintf(out, "%s backend initialized\n", cfg.Backend)
				}
				return nil
			}

			version, err := sqlStore.AppliedVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s schema version %d of %d\n", sqlStore.Dialect(), version, sqlstore.SchemaVersion)
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "report the applied version without migrating")
	return cmd
}
