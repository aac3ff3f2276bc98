package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/vaultbridge/internal/autoupdate"
	"github.com/and161185/vaultbridge/internal/config"
	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/keys"
	"github.com/and161185/vaultbridge/internal/limiter"
	"github.com/and161185/vaultbridge/internal/messaging"
	"github.com/and161185/vaultbridge/internal/metrics"
	"github.com/and161185/vaultbridge/internal/migrate"
	"github.com/and161185/vaultbridge/internal/repository"
	"github.com/and161185/vaultbridge/internal/repository/postgres"
	"github.com/and161185/vaultbridge/internal/repository/sqlite"
	grpcserver "github.com/and161185/vaultbridge/internal/server/grpc"
	"github.com/and161185/vaultbridge/internal/service"
)

const shutdownGrace = 5 * time.Second

type store interface {
	repository.Store
	Close() error
}

// openStore opens the configured registry store and the limiter that fits it.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store, limiter.Limiter, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if err := migrate.Up(ctx, cfg.Store.DSN, log); err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(db), limiter.NewPG(db.Pool, cfg.Limiter), nil
	default:
		st, err := sqlite.Open(ctx, cfg.Store.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return st, limiter.NewMemory(cfg.Limiter, nil), nil
	}
}

// serve runs every enabled surface until ctx is done, one of them fails, or
// the native messaging peer closes stdin.
func serve(ctx context.Context, cfg config.Config, log *zap.Logger, stdin io.Reader, stdout io.Writer) error {
	st, lim, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := service.New(service.Config{
		Sources:       st,
		Offline:       st,
		Sealer:        clientcrypto.NewSealer(cfg.KDF),
		Opener:        datasource.NewFactory(cfg.Datasource, log),
		KDF:           cfg.KDF,
		Limiter:       lim,
		Metrics:       m,
		Log:           log,
		AutoUnlock:    cfg.AutoUnlock,
		UpdateWorkers: cfg.AutoUpdate.Workers,
		Update: []autoupdate.Option{
			autoupdate.WithInterval(cfg.AutoUpdate.Interval),
			autoupdate.WithRunHook(m.ObserveUpdate),
		},
	})
	defer svc.Close()
	if err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	d := messaging.NewDispatcher(svc, log)

	g.Go(func() error { return svc.Run(gctx) })

	if cfg.GRPC.Addr != "" {
		if err := startGRPC(gctx, g, cfg, d, log); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}
	if cfg.Metrics.Addr != "" {
		startMetrics(gctx, g, cfg.Metrics.Addr, reg, log)
	}
	if cfg.Native {
		host := messaging.NewHost(d, stdin, stdout, log)
		g.Go(func() error {
			// the browser closing the port ends the daemon
			defer cancel()
			return host.Serve(gctx)
		})
	}
	return g.Wait()
}

func startGRPC(ctx context.Context, g *errgroup.Group, cfg config.Config, h grpcserver.Handler, log *zap.Logger) error {
	key, err := keys.LoadOrCreate(cfg.Keyring.Service, cfg.Keyring.User)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	tokens := service.NewTokenService(key, cfg.GRPC.TokenTTL)

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.LoggingUnary(log),
		),
	}
	if cfg.GRPC.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.GRPC.TLSCert, cfg.GRPC.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	grpcserver.New(h, tokens, log).Register(s)
	healthpb.RegisterHealthServer(s, health.NewServer())

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}
	g.Go(func() error {
		log.Info("grpc listening", zap.String("addr", lis.Addr().String()), zap.Bool("tls", cfg.GRPC.TLSCert != ""))
		return s.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			s.Stop()
		}
		return nil
	})
	return nil
}

func startMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
