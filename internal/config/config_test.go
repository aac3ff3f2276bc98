package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/limiter"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	v := New()
	v.Set("config", writeFile(t, "{}\n"))
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, DriverSQLite, cfg.Store.Driver)
	require.NotEmpty(t, cfg.Store.Path)
	require.Equal(t, 2*time.Minute, cfg.AutoUpdate.Interval)
	require.Equal(t, 4, cfg.AutoUpdate.Workers)
	require.Equal(t, clientcrypto.DefaultParams, cfg.KDF)
	require.Equal(t, limiter.DefaultPolicy, cfg.Limiter)
	require.Equal(t, time.Hour, cfg.GRPC.TokenTTL)
	require.Equal(t, AppName, cfg.Keyring.Service)
	require.Equal(t, "https://content.dropboxapi.com", cfg.Datasource.DropboxAPI)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeFile(t, `
store:
  driver: postgres
  dsn: postgres://file
auto-update:
  interval: 30s
limiter:
  max-fails: 3
grpc:
  addr: 127.0.0.1:9000
`)
	t.Setenv("VAULTBRIDGE_STORE_DSN", "postgres://env")
	t.Setenv("VAULTBRIDGE_AUTO_UNLOCK", "true")

	fs := pflag.NewFlagSet("vaultd", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--grpc-addr", "127.0.0.1:9100"}))

	v := New()
	require.NoError(t, BindFlags(v, fs))
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, DriverPostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://env", cfg.Store.DSN, "env beats file")
	require.Equal(t, "127.0.0.1:9100", cfg.GRPC.Addr, "flag beats file")
	require.Equal(t, 30*time.Second, cfg.AutoUpdate.Interval)
	require.Equal(t, 3, cfg.Limiter.MaxFails)
	require.True(t, cfg.AutoUnlock)
	require.False(t, cfg.Native, "unset flag keeps default")
}

func TestLoad_MissingFiles(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	v := New()
	v.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load(v)
	require.Error(t, err, "an explicit config file must exist")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config {
		return Config{
			Store:      StoreConfig{Driver: DriverSQLite, Path: "/tmp/x.db"},
			AutoUpdate: AutoUpdateConfig{Interval: time.Minute},
			KDF:        clientcrypto.DefaultParams,
			Limiter:    limiter.DefaultPolicy,
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"unknown driver":    func(c *Config) { c.Store.Driver = "mysql" },
		"sqlite no path":    func(c *Config) { c.Store.Path = "" },
		"postgres no dsn":   func(c *Config) { c.Store.Driver = DriverPostgres },
		"half tls":          func(c *Config) { c.GRPC.TLSCert = "cert.pem" },
		"zero interval":     func(c *Config) { c.AutoUpdate.Interval = 0 },
		"zero kdf":          func(c *Config) { c.KDF.Threads = 0 },
		"kdf over limit":    func(c *Config) { c.KDF.Memory = clientcrypto.MaxMemory + 1 },
		"zero limiter fail": func(c *Config) { c.Limiter.MaxFails = 0 },
	}
	for name, mut := range cases {
		c := base()
		mut(&c)
		require.Error(t, c.Validate(), name)
	}
}

func TestLogConfig_Build(t *testing.T) {
	t.Parallel()
	log, err := LogConfig{Level: "debug"}.Build()
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(-1))

	_, err = LogConfig{Level: "loud"}.Build()
	require.Error(t, err)
}
