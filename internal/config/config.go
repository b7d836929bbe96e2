package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/pkg/kv"
	"github.com/leafsii/keyv/pkg/kv/sqlstore"
)

type Config struct {
	Env      string `mapstructure:"KEYV_ENV"`
	LogLevel string `mapstructure:"KEYV_LOG_LEVEL"`
	HTTPAddr string `mapstructure:"KEYV_HTTP_ADDR"`

	Store    StoreConfig    `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type StoreConfig struct {
	Backend       string        `mapstructure:"KEYV_BACKEND"`
	URI           string        `mapstructure:"KEYV_URI"`
	SQLDialect    string        `mapstructure:"KEYV_SQL_DIALECT"`
	Table         string        `mapstructure:"KEYV_TABLE"`
	Schema        string        `mapstructure:"KEYV_SCHEMA"`
	Namespace     string        `mapstructure:"KEYV_NAMESPACE"`
	Database      string        `mapstructure:"KEYV_DATABASE"`
	DefaultTTL    time.Duration `mapstructure:"KEYV_DEFAULT_TTL"`
	Failover      bool          `mapstructure:"KEYV_FAILOVER"`
	ProbeInterval time.Duration `mapstructure:"KEYV_PROBE_INTERVAL"`
	CoalesceReads bool          `mapstructure:"KEYV_COALESCE_READS"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"KEYV_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"KEYV_CORS_ALLOWED_ORIGINS"`
}

// Keys lists every configuration key. The CLI binds one flag to each.
var Keys = []string{
	"KEYV_ENV",
	"KEYV_LOG_LEVEL",
	"KEYV_HTTP_ADDR",
	"KEYV_BACKEND",
	"KEYV_URI",
	"KEYV_SQL_DIALECT",
	"KEYV_TABLE",
	"KEYV_SCHEMA",
	"KEYV_NAMESPACE",
	"KEYV_DATABASE",
	"KEYV_DEFAULT_TTL",
	"KEYV_FAILOVER",
	"KEYV_PROBE_INTERVAL",
	"KEYV_COALESCE_READS",
	"KEYV_RATE_LIMIT_RPM",
	"KEYV_CORS_ALLOWED_ORIGINS",
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}
	if root, err := repoRoot(""); err == nil {
		candidates = append(candidates, filepath.Join(root, ".env"))
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if !filepath.IsAbs(path) {
			if resolved, err := filepath.Abs(path); err == nil {
				abs = resolved
			}
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // ignore errors; env vars already set take precedence
		}
	}
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("KEYV_ENV", "dev")
	v.SetDefault("KEYV_LOG_LEVEL", "")
	v.SetDefault("KEYV_HTTP_ADDR", ":8080")
	v.SetDefault("KEYV_BACKEND", string(kv.BackendMemory))
	v.SetDefault("KEYV_URI", "")
	v.SetDefault("KEYV_SQL_DIALECT", string(sqlstore.DialectSQLite))
	v.SetDefault("KEYV_TABLE", "")
	v.SetDefault("KEYV_SCHEMA", "")
	v.SetDefault("KEYV_NAMESPACE", "")
	v.SetDefault("KEYV_DATABASE", "")
	v.SetDefault("KEYV_DEFAULT_TTL", "0s")
	v.SetDefault("KEYV_FAILOVER", false)
	v.SetDefault("KEYV_PROBE_INTERVAL", "5s")
	v.SetDefault("KEYV_COALESCE_READS", true)
	v.SetDefault("KEYV_RATE_LIMIT_RPM", 600)
	v.SetDefault("KEYV_CORS_ALLOWED_ORIGINS", "http://localhost:3000")
}

// Load reads configuration from .env files and the environment.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom is Load on a caller-owned viper instance, so flags bound to v
// take precedence over the environment.
func LoadFrom(v *viper.Viper) (*Config, error) {
	loadDotEnvFiles()

	v.SetConfigType("env")
	v.AutomaticEnv()
	SetDefaults(v)

	// Handle array parsing for comma-separated values
	if origins := v.GetString("KEYV_CORS_ALLOWED_ORIGINS"); origins != "" {
		v.Set("KEYV_CORS_ALLOWED_ORIGINS", splitList(origins))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Env {
	case "dev", "prod":
	default:
		return fmt.Errorf("invalid KEYV_ENV %q (must be dev or prod)", c.Env)
	}

	switch kv.Backend(c.Store.Backend) {
	case kv.BackendMemory, kv.BackendDynamo:
	case kv.BackendRedis, kv.BackendPostgres, kv.BackendSQL, kv.BackendMongo:
		if c.Store.URI == "" {
			return fmt.Errorf("KEYV_URI is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("invalid KEYV_BACKEND %q", c.Store.Backend)
	}

	if kv.Backend(c.Store.Backend) == kv.BackendSQL {
		if _, err := sqlstore.ParseDialect(c.Store.SQLDialect); err != nil {
			return fmt.Errorf("invalid KEYV_SQL_DIALECT: %w", err)
		}
	}
	if c.Store.DefaultTTL < 0 {
		return fmt.Errorf("KEYV_DEFAULT_TTL must not be negative")
	}
	if c.Store.ProbeInterval <= 0 {
		return fmt.Errorf("KEYV_PROBE_INTERVAL must be positive")
	}
	if c.Security.RateLimitRPM < 0 {
		return fmt.Errorf("KEYV_RATE_LIMIT_RPM must not be negative")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// KV maps the store settings to the registry configuration.
func (c *Config) KV(logger *zap.Logger) kv.Config {
	return kv.Config{
		Backend:       kv.Backend(c.Store.Backend),
		URI:           c.Store.URI,
		Dialect:       c.Store.SQLDialect,
		Table:         c.Store.Table,
		Schema:        c.Store.Schema,
		Namespace:     c.Store.Namespace,
		Database:      c.Store.Database,
		DefaultTTL:    c.Store.DefaultTTL,
		Failover:      c.Store.Failover,
		ProbeInterval: c.Store.ProbeInterval,
		Logger:        logger,
	}
}
