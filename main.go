package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cetus-dns/cetus/internal/api"
	"github.com/cetus-dns/cetus/internal/authority"
	"github.com/cetus-dns/cetus/internal/config"
	"github.com/cetus-dns/cetus/internal/geo"
	"github.com/cetus-dns/cetus/internal/logging"
	"github.com/cetus-dns/cetus/internal/metrics"
	"github.com/cetus-dns/cetus/internal/server"
	"github.com/cetus-dns/cetus/internal/storage"
)

const (
	authorityRefreshInterval = 60 * time.Second
	httpShutdownTimeout      = 5 * time.Second
)

func main() {
	log := logging.New()
	defer log.Sync()

	configPath := config.DefaultPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	log.Info("starting cetus", zap.String("instance", cfg.InstanceName))

	locator, err := geo.Open(cfg.GeoIPDBLocation)
	if err != nil {
		log.Fatal("failed to open geoip database", zap.Error(err))
	}
	defer locator.Close()

	store, err := buildStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to set up storage", zap.Error(err))
	}

	m := metrics.New(cfg.InstanceName)
	defer m.Close()

	cache := authority.NewCache(store, m, log, authorityRefreshInterval)
	handler := server.NewHandler(store, cache, locator, m, log)

	dnsServer, err := server.New(cfg, handler, log)
	if err != nil {
		log.Fatal("failed to bind listeners", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(ctx) })
	g.Go(func() error { return dnsServer.Run(ctx) })

	if cfg.MetricListener != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		runHTTPServer(ctx, g, log, "metrics", cfg.MetricListener, mux)
	}

	if cfg.APIListener != "" {
		adminAPI := api.New(store, log)
		runHTTPServer(ctx, g, log, "api", cfg.APIListener, adminAPI.Router())
	}

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// buildStorage picks the backend: the redis cluster when configured, the
// filesystem tree otherwise.
func buildStorage(cfg *config.Config, log *zap.Logger) (storage.Storage, error) {
	if cfg.RedisConfig != nil {
		store := storage.NewRedisStorage(
			cfg.RedisConfig.NodeAddresses,
			cfg.RedisConfig.Username,
			cfg.RedisConfig.Password,
		)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, err
		}
		log.Info("using redis storage", zap.Strings("nodes", cfg.RedisConfig.NodeAddresses))
		return store, nil
	}

	log.Info("using filesystem storage", zap.String("path", cfg.StoragePath))
	return storage.NewFSStorage(cfg.StoragePath)
}

func runHTTPServer(ctx context.Context, g *errgroup.Group, log *zap.Logger, name, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}

	g.Go(func() error {
		log.Info("http server listening", zap.String("server", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
