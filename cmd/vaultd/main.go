// Command vaultd runs the archive manager: browser native messaging on stdio,
// a local gRPC control listener and optional Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/vaultbridge/internal/config"
	"github.com/and161185/vaultbridge/internal/keys"
	"github.com/and161185/vaultbridge/internal/migrate"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "vaultd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultd",
		Short:         "Vault archive manager daemon",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		// browsers start native hosts with the caller origin as argument
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isBrowserLaunch(args) {
				return cmd.Help()
			}
			return runServe(cmd, true)
		},
	}
	config.RegisterFlags(root.PersistentFlags())
	root.AddCommand(newServeCmd(), newMigrateCmd(), newRotateKeyCmd())
	return root
}

// isBrowserLaunch reports whether args look like a native messaging launch:
// Chrome passes the extension origin, Firefox the manifest path and add-on id.
func isBrowserLaunch(args []string) bool {
	if len(args) == 0 {
		return false
	}
	a := args[0]
	return strings.HasPrefix(a, "chrome-extension://") || strings.HasSuffix(a, ".json")
}

// setup loads the configuration and builds the logger for cmd.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	return setupWith(cmd, nil)
}

func setupWith(cmd *cobra.Command, override func(v *viper.Viper)) (config.Config, *zap.Logger, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, nil, err
	}
	if override != nil {
		override(v)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted or stdin closes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, false)
		},
	}
}

func runServe(cmd *cobra.Command, forceNative bool) error {
	var override func(v *viper.Viper)
	if forceNative {
		override = func(v *viper.Viper) { v.Set("native", true) }
	}
	cfg, log, err := setupWith(cmd, override)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("native", cfg.Native),
	)
	if err := serve(cmd.Context(), cfg, log, os.Stdin, os.Stdout); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Store.Driver == config.DriverPostgres {
				return migrate.Up(cmd.Context(), cfg.Store.DSN, log)
			}
			st, _, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return st.Close()
		},
	}
}

func newRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Replace the control token signing key in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if _, err := keys.Rotate(cfg.Keyring.Service, cfg.Keyring.User); err != nil {
				return err
			}
			log.Info("signing key rotated; restart vaultd")
			return nil
		},
	}
}
