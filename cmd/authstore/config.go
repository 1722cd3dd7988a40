package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/uriencedric/auth/pkg/authorization"
	"github.com/uriencedric/auth/pkg/logging"
	"github.com/uriencedric/auth/pkg/storage"
	"github.com/uriencedric/auth/pkg/storage/redisstore"
	"github.com/uriencedric/auth/pkg/storage/sqlstore"
)

// Supported backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Config holds the authstore configuration
type Config struct {
	Instance string `mapstructure:"instance"`
	Backend  string `mapstructure:"backend"`

	File struct {
		Root string `mapstructure:"root"` // Directory holding one document per instance
	} `mapstructure:"file"`

	SQL struct {
		Driver string `mapstructure:"driver"` // sqlite or mysql
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"sql"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	PackagesFile string `mapstructure:"packages_file"` // Optional: YAML package definitions
	CacheTime    int    `mapstructure:"cache_time"`    // How long to cache user state (seconds)

	Log struct {
		Level     string `mapstructure:"level"`
		Path      string `mapstructure:"path"`       // Optional: application log file
		AuditPath string `mapstructure:"audit_path"` // Optional: audit log file
		MaxSize   int64  `mapstructure:"max_size"`   // Rotation size in bytes
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance", "default")
	v.SetDefault("backend", BackendFile)
	v.SetDefault("file.root", "data")
	v.SetDefault("sql.driver", sqlstore.DriverSQLite)
	v.SetDefault("sql.dsn", "authstore.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", redisstore.DefaultPrefix)
	v.SetDefault("packages_file", "")
	v.SetDefault("cache_time", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.audit_path", "")
	v.SetDefault("log.max_size", logging.DefaultMaxSize)
}

// LoadConfig reads configuration from the YAML file at path, if any, and
// from AUTHSTORE_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUTHSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	if path != "" {
		if !filepath.IsAbs(path) {
			if path, err = filepath.Abs(path); err != nil {
				return nil, fmt.Errorf("failed to get absolute path: %w", err)
			}
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	// Relative paths are taken from the config file location
	config.File.Root = resolvePath(baseDir, config.File.Root)
	config.PackagesFile = resolvePath(baseDir, config.PackagesFile)
	config.Log.Path = resolvePath(baseDir, config.Log.Path)
	config.Log.AuditPath = resolvePath(baseDir, config.Log.AuditPath)
	if config.SQL.Driver == sqlstore.DriverSQLite && isSQLiteFile(config.SQL.DSN) {
		config.SQL.DSN = resolvePath(baseDir, config.SQL.DSN)
	}

	return &config, nil
}

func (c *Config) validate() error {
	if err := storage.ValidateInstance(c.Instance); err != nil {
		return err
	}
	switch c.Backend {
	case BackendMemory, BackendFile, BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.CacheTime < 0 {
		return fmt.Errorf("cache_time must not be negative")
	}
	return nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func isSQLiteFile(dsn string) bool {
	return dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:")
}

// LoggingConfig converts the log section for logging.Initialize
func (c *Config) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:     level,
		AppPath:   c.Log.Path,
		AuditPath: c.Log.AuditPath,
		MaxSize:   c.Log.MaxSize,
	}
}

// openBackend connects the configured backend. The returned function
// releases its resources.
func openBackend(ctx context.Context, c *Config) (storage.Backend, func() error, error) {
	noop := func() error { return nil }

	switch c.Backend {
	case BackendMemory:
		return storage.NewMemorySource(), noop, nil

	case BackendFile:
		return storage.NewFileSource(afero.NewOsFs(), c.File.Root), noop, nil

	case BackendSQL:
		db, err := sqlstore.Open(c.SQL.Driver, c.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		return sqlstore.New(db), sqlDB.Close, nil

	case BackendRedis:
		client, err := redisstore.NewClient(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.New(client, c.Redis.Prefix), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
}

// newAuthorizer creates the authorizer for the configured instance and
// registers the configured package definitions.
func newAuthorizer(c *Config, delegate storage.Delegate) (*authorization.Authorizer, error) {
	auth, err := authorization.NewAuthorizer(delegate, c.Instance, time.Duration(c.CacheTime)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorizer: %w", err)
	}
	if c.PackagesFile != "" {
		if err := auth.LoadPackages(authorization.NewFilePackageSource(afero.NewOsFs(), c.PackagesFile)); err != nil {
			return nil, err
		}
	}
	return auth, nil
}
