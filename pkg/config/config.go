// Package config loads pgcompat configuration.
//
// Values are resolved in three layers: built-in defaults, an optional
// YAML file, then environment variables. The PG* variables follow libpq
// naming so an existing PostgreSQL environment works unchanged.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ha1tch/pgcompat/pkg/dialect"
	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
	"github.com/ha1tch/pgcompat/pkg/log"
	"github.com/ha1tch/pgcompat/pkg/storage"
)

// Backend names.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the complete pgcompat configuration.
type Config struct {
	Backend     string            `yaml:"backend"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	Pool        PoolConfig        `yaml:"pool"`
	Translation TranslationConfig `yaml:"translation"`
	Queries     QueriesConfig     `yaml:"queries"`
	Log         LogConfig         `yaml:"log"`
}

// PostgresConfig holds server connection settings.
type PostgresConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"sslmode"`
	ApplicationName string `yaml:"application_name"`
}

// SQLiteConfig holds embedded database settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TranslationConfig controls the dialect translator.
type TranslationConfig struct {
	// MissingParams is "null" or "fail".
	MissingParams string `yaml:"missing_params"`
	CacheSize     int    `yaml:"cache_size"`
}

// QueriesConfig locates named query files.
type QueriesConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: BackendPostgres,
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "postgres",
			User:            "postgres",
			SSLMode:         "prefer",
			ApplicationName: "pgcompat",
		},
		SQLite: SQLiteConfig{
			Path: "pgcompat.db",
		},
		Pool: PoolConfig{
			MaxConnections: 20,
			IdleTimeout:    30 * time.Second,
			ConnectTimeout: 2 * time.Second,
		},
		Translation: TranslationConfig{
			MissingParams: "null",
			CacheSize:     dialect.DefaultCacheSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves defaults, the YAML file at path (if not empty) and the
// environment, then validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if getenv != nil {
		if err := cfg.ApplyEnv(getenv); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pcerrors.Wrap(err, pcerrors.ErrCodeConfigRead, "failed to read config file").
			WithField("path", path).
			Err()
	}
	return c.overlay(data, path)
}

func (c *Config) overlay(data []byte, source string) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if pcerrors.Is(err, io.EOF) {
			return nil
		}
		return pcerrors.Wrap(err, pcerrors.ErrCodeConfigParse, "failed to parse config").
			WithField("path", source).
			Err()
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv. Empty
// variables are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError(key, v, err)
		}
		*dst = n
		return nil
	}
	millis := func(key string, dst *time.Duration) error {
		var n int
		if err := num(key, &n); err != nil {
			return err
		}
		if strings.TrimSpace(getenv(key)) != "" {
			*dst = time.Duration(n) * time.Millisecond
		}
		return nil
	}
	flag := func(key string, dst *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(key, v, err)
		}
		*dst = b
		return nil
	}

	str("PGHOST", &c.Postgres.Host)
	str("PGUSER", &c.Postgres.User)
	str("PGPASSWORD", &c.Postgres.Password)
	str("PGDATABASE", &c.Postgres.Database)
	str("PGSSLMODE", &c.Postgres.SSLMode)
	str("PGAPPNAME", &c.Postgres.ApplicationName)
	str("PGCOMPAT_BACKEND", &c.Backend)
	str("PGCOMPAT_SQLITE_PATH", &c.SQLite.Path)
	str("PGCOMPAT_QUERY_DIR", &c.Queries.Dir)
	str("PGCOMPAT_MISSING_PARAMS", &c.Translation.MissingParams)
	str("PGCOMPAT_LOG_LEVEL", &c.Log.Level)
	str("PGCOMPAT_LOG_FORMAT", &c.Log.Format)

	for _, step := range []func() error{
		func() error { return num("PGPORT", &c.Postgres.Port) },
		func() error { return num("PG_MAX_CONNECTIONS", &c.Pool.MaxConnections) },
		func() error { return millis("PG_IDLE_TIMEOUT_MS", &c.Pool.IdleTimeout) },
		func() error { return millis("PG_CONNECTION_TIMEOUT_MS", &c.Pool.ConnectTimeout) },
		func() error { return num("PGCOMPAT_CACHE_SIZE", &c.Translation.CacheSize) },
		func() error { return flag("PGCOMPAT_WATCH_QUERIES", &c.Queries.Watch) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func envError(key, value string, cause error) error {
	return pcerrors.Wrapf(cause, pcerrors.ErrCodeConfigParse, "invalid value for %s", key).
		WithField("env", key).
		WithField("value", value).
		Err()
}

func invalid(field, format string, args ...interface{}) error {
	return pcerrors.Newf(pcerrors.ErrCodeConfigInvalid, format, args...).
		WithOp("Config.Validate").
		WithField("field", field).
		Err()
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.Postgres.Host == "" {
			return invalid("postgres.host", "host is required")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			return invalid("postgres.port", "invalid port: %d", c.Postgres.Port)
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return invalid("sqlite.path", "path is required for the sqlite backend")
		}
	default:
		return invalid("backend", "unknown backend %q (want %s or %s)", c.Backend, BackendPostgres, BackendSQLite)
	}

	if c.Pool.MaxConnections <= 0 {
		return invalid("pool.max_connections", "max connections must be positive, got %d", c.Pool.MaxConnections)
	}
	if c.Pool.IdleTimeout < 0 {
		return invalid("pool.idle_timeout", "idle timeout must not be negative")
	}
	if c.Pool.ConnectTimeout <= 0 {
		return invalid("pool.connect_timeout", "connect timeout must be positive")
	}
	if c.Translation.CacheSize < 0 {
		return invalid("translation.cache_size", "cache size must not be negative")
	}
	if _, err := dialect.ParseMissingParamPolicy(c.Translation.MissingParams); err != nil {
		return invalid("translation.missing_params", "%v", err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%v", err)
	}
	if _, err := log.ParseFormat(c.Log.Format); err != nil {
		return invalid("log.format", "%v", err)
	}
	return nil
}

// PostgresStorage returns the backend settings for storage.NewPostgres.
func (c Config) PostgresStorage() storage.PostgresConfig {
	var params map[string]string
	if c.Postgres.ApplicationName != "" {
		params = map[string]string{"application_name": c.Postgres.ApplicationName}
	}
	return storage.PostgresConfig{
		Host:           c.Postgres.Host,
		Port:           c.Postgres.Port,
		Database:       c.Postgres.Database,
		User:           c.Postgres.User,
		Password:       c.Postgres.Password,
		SSLMode:        c.Postgres.SSLMode,
		MaxConns:       c.Pool.MaxConnections,
		IdleTimeout:    c.Pool.IdleTimeout,
		ConnectTimeout: c.Pool.ConnectTimeout,
		Params:         params,
	}
}

// SQLiteStorage returns the backend settings for storage.NewSQLite.
func (c Config) SQLiteStorage() storage.SQLiteConfig {
	cfg := storage.DefaultSQLiteConfig()
	cfg.Path = c.SQLite.Path
	cfg.IdleTimeout = c.Pool.IdleTimeout
	if cfg.Path != ":memory:" {
		cfg.MaxOpenConns = c.Pool.MaxConnections
	}
	return cfg
}

// MissingParamPolicy returns the parsed translation policy. The value is
// assumed validated.
func (c Config) MissingParamPolicy() dialect.MissingParamPolicy {
	p, _ := dialect.ParseMissingParamPolicy(c.Translation.MissingParams)
	return p
}

// Logger builds a logger writing to out.
func (c Config) Logger(out io.Writer) *log.Logger {
	level, _ := log.ParseLevel(c.Log.Level)
	format, _ := log.ParseFormat(c.Log.Format)
	return log.New(log.Config{
		DefaultLevel: level,
		Output:       out,
		Format:       format,
	})
}
