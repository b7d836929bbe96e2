package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/internal/config"
	"github.com/leafsii/keyv/internal/log"
	"github.com/leafsii/keyv/pkg/keyv"
	_ "github.com/leafsii/keyv/pkg/kv/all"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// flagKeys maps each flag to the configuration key it overrides.
var flagKeys = map[string]string{
	"env":                  "KEYV_ENV",
	"log-level":            "KEYV_LOG_LEVEL",
	"backend":              "KEYV_BACKEND",
	"uri":                  "KEYV_URI",
	"sql-dialect":          "KEYV_SQL_DIALECT",
	"table":                "KEYV_TABLE",
	"schema":               "KEYV_SCHEMA",
	"namespace":            "KEYV_NAMESPACE",
	"database":             "KEYV_DATABASE",
	"default-ttl":          "KEYV_DEFAULT_TTL",
	"failover":             "KEYV_FAILOVER",
	"probe-interval":       "KEYV_PROBE_INTERVAL",
	"http-addr":            "KEYV_HTTP_ADDR",
	"rate-limit-rpm":       "KEYV_RATE_LIMIT_RPM",
	"cors-allowed-origins": "KEYV_CORS_ALLOWED_ORIGINS",
	"coalesce-reads":       "KEYV_COALESCE_READS",
}

// cli carries state shared by every subcommand of one root command.
type cli struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "keyv",
		Short: "JSON key-value storage over pluggable backends",
		Long: `keyv stores JSON values under string keys in memory, Redis, PostgreSQL,
SQLite/MySQL, MongoDB or DynamoDB.

Every flag can also be set through its KEYV_* environment variable or a .env file.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String("env", "dev", "runtime environment (dev, prod)")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("backend", "memory", "storage backend (memory, redis, postgres, sql, mongodb, dynamodb)")
	flags.String("uri", "", "backend connection URI")
	flags.String("sql-dialect", "sqlite", "dialect for the sql backend (sqlite, mysql, postgres)")
	flags.String("table", "", "table name for relational and DynamoDB backends")
	flags.String("schema", "", "postgres schema qualifying the table")
	flags.String("namespace", "", "Redis key prefix or MongoDB collection")
	flags.String("database", "", "MongoDB database")
	flags.Duration("default-ttl", 0, "TTL applied to writes without one, on backends that expire entries")
	flags.Bool("failover", false, "fall back to an in-memory store while the backend is unreachable")
	flags.Duration("probe-interval", 0, "how often to probe a failed backend for recovery")

	root.AddCommand(
		newServeCmd(c),
		newGetCmd(c),
		newSetCmd(c),
		newRmCmd(c),
		newClearCmd(c),
		newMigrateCmd(c),
		newVersionCmd(),
	)
	return root
}

// setup binds flags to configuration keys, then loads configuration and the logger.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	var bindErr error
	bind := func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil && f.Changed {
			bindErr = c.v.BindPFlag(key, f)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.LoadFrom(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := cfg.LogLevel
	if level == "" && cmd.Name() != "serve" {
		level = "warn"
	}
	c.logger, err = log.NewLogger(cfg.Env, level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}

func (c *cli) open(ctx context.Context) (*keyv.Keyv, error) {
	return keyv.Open(ctx, c.cfg.KV(c.logger))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keyv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyv %s\n", Version)
		},
	}
}
