// Package config loads vaultd and vaultctl settings from flags, VAULTBRIDGE_*
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/limiter"
)

// EnvPrefix prefixes every environment override, e.g. VAULTBRIDGE_STORE_DRIVER.
const EnvPrefix = "VAULTBRIDGE"

// AppName names the xdg directories.
const AppName = "vaultbridge"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete daemon configuration.
type Config struct {
	Log        LogConfig              `mapstructure:"log"`
	Store      StoreConfig            `mapstructure:"store"`
	GRPC       GRPCConfig             `mapstructure:"grpc"`
	Metrics    MetricsConfig          `mapstructure:"metrics"`
	AutoUpdate AutoUpdateConfig       `mapstructure:"auto-update"`
	AutoUnlock bool                   `mapstructure:"auto-unlock"`
	Native     bool                   `mapstructure:"native"`
	KDF        clientcrypto.KDFParams `mapstructure:"kdf"`
	Limiter    limiter.Policy         `mapstructure:"limiter"`
	Datasource datasource.Config      `mapstructure:"datasource"`
	Keyring    KeyringConfig          `mapstructure:"keyring"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig selects where the registry and offline copies are persisted.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"` // sqlite file
	DSN    string `mapstructure:"dsn"`  // postgres
}

// GRPCConfig configures the control listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr     string        `mapstructure:"addr"`
	TLSCert  string        `mapstructure:"tls-cert"`
	TLSKey   string        `mapstructure:"tls-key"`
	TokenTTL time.Duration `mapstructure:"token-ttl"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// AutoUpdateConfig tunes the background drift check.
type AutoUpdateConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

// KeyringConfig names the OS keyring item holding the token signing key.
type KeyringConfig struct {
	Service string `mapstructure:"service"`
	User    string `mapstructure:"user"`
}

// DefaultConfigFile is the YAML file read when --config is not given.
func DefaultConfigFile() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", filepath.Join(xdg.DataHome, AppName, "vaultbridge.db"))
	v.SetDefault("grpc.addr", "127.0.0.1:7443")
	v.SetDefault("grpc.token-ttl", time.Hour)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("auto-update.interval", 2*time.Minute)
	v.SetDefault("auto-update.workers", 4)
	v.SetDefault("auto-unlock", false)
	v.SetDefault("native", false)
	v.SetDefault("kdf.time", clientcrypto.DefaultParams.Time)
	v.SetDefault("kdf.memory", clientcrypto.DefaultParams.Memory)
	v.SetDefault("kdf.threads", clientcrypto.DefaultParams.Threads)
	v.SetDefault("limiter.window", limiter.DefaultPolicy.Window)
	v.SetDefault("limiter.max-fails", limiter.DefaultPolicy.MaxFails)
	v.SetDefault("limiter.block-for", limiter.DefaultPolicy.BlockFor)
	ds := datasource.DefaultConfig()
	v.SetDefault("datasource.http-timeout", ds.HTTPTimeout)
	v.SetDefault("datasource.max-retries", ds.MaxRetries)
	v.SetDefault("datasource.retry-initial", ds.RetryInitial)
	v.SetDefault("datasource.dropbox-api", ds.DropboxAPI)
	v.SetDefault("datasource.mybuttercup-api", ds.MyButtercupAPI)
	v.SetDefault("keyring.service", AppName)
	v.SetDefault("keyring.user", "token-signing-key")
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"store-driver": "store.driver",
	"store-path":   "store.path",
	"store-dsn":    "store.dsn",
	"grpc-addr":    "grpc.addr",
	"metrics-addr": "metrics.addr",
	"auto-unlock":  "auto-unlock",
	"native":       "native",
}

// RegisterFlags adds the daemon flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default "+DefaultConfigFile()+")")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("store-driver", DriverSQLite, "registry store: sqlite or postgres")
	fs.String("store-path", "", "sqlite database file")
	fs.String("store-dsn", "", "postgres DSN")
	fs.String("grpc-addr", "", "control listen address, empty to disable")
	fs.String("metrics-addr", "", "metrics listen address, empty to disable")
	fs.Bool("auto-unlock", false, "prompt for unlock on startup")
	fs.Bool("native", false, "serve browser native messaging on stdio")
}

// BindFlags binds the registered flags present in fs to their keys. Only
// flags the user set override file and environment values.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	if f := fs.Lookup("config"); f != nil {
		return v.BindPFlag("config", f)
	}
	return nil
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a Config.
func Load(v *viper.Viper) (Config, error) {
	path := v.GetString("config")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if (c.GRPC.TLSCert == "") != (c.GRPC.TLSKey == "") {
		return errors.New("grpc.tls-cert and grpc.tls-key must be set together")
	}
	if c.AutoUpdate.Interval <= 0 {
		return errors.New("auto-update.interval must be positive")
	}
	if err := c.KDF.Validate(); err != nil {
		return fmt.Errorf("kdf: %w", err)
	}
	if c.Limiter.MaxFails <= 0 {
		return errors.New("limiter.max-fails must be positive")
	}
	return nil
}
