// syncd is the block-list sync daemon. It serves the task trigger endpoints
// an external scheduler calls on a cadence, plus health and metrics.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/config"
	"github.com/yourorg/blocksync/internal/metrics"
	"github.com/yourorg/blocksync/internal/pipeline"
	"github.com/yourorg/blocksync/internal/provider"
	"github.com/yourorg/blocksync/internal/registry"
	"github.com/yourorg/blocksync/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config: ", err)
	}

	zl := newZap(cfg.Logging.Level)
	defer zl.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Migrate {
		if err := registry.Migrate(ctx, cfg.Database.URL); err != nil {
			zl.Fatal("migrate database", zap.Error(err))
		}
	}
	pool, err := registry.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		zl.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()

	store := registry.NewStore(pool)
	jobs := registry.NewJobStore(pool)
	lock := registry.NewLock(cfg.Database.URL)

	var syncRunner, refreshRunner pipeline.Runner
	if cfg.Sync.Enabled {
		if err := os.MkdirAll(cfg.Sync.ScratchDir, 0o755); err != nil {
			zl.Fatal("create scratch dir", zap.Error(err))
		}
		objects, err := storage.Open(ctx, cfg.Storage.BaseURI)
		if err != nil {
			zl.Fatal("open checkpoint store", zap.Error(err))
		}
		ckpt := storage.NewCheckpointStore(objects, zl)

		httpClient := &http.Client{Timeout: cfg.Provider.HTTPTimeout.Std()}
		cred, err := provider.NewCredential(provider.CredentialConfig{
			AuthURL:       cfg.Provider.AuthURL,
			BodyTemplate:  cfg.Provider.AuthBodyTemplate,
			APIKey:        cfg.Provider.APIKey,
			TokenLifetime: cfg.Provider.TokenLifetime.Std(),
			RefreshMargin: cfg.Provider.RefreshMargin.Std(),
			HTTPClient:    httpClient,
			Log:           zl,
		})
		if err != nil {
			zl.Fatal("provider credential", zap.Error(err))
		}
		listURLs, err := cfg.ProviderListURLs()
		if err != nil {
			zl.Fatal("provider list urls", zap.Error(err))
		}
		retrier := provider.NewRetrier(cfg.Provider.RetryAttempts, zl)
		fetcher := provider.NewFetcher(cred, listURLs, httpClient, retrier, zl)
		reporter := provider.NewReporter(cred, cfg.Provider.OrderStatusURL, cfg.Provider.UnblockablesURL, httpClient, retrier, zl)
		sched := registry.NewScheduler(jobs, cfg.Sync.Enabled, cfg.Sync.ForceDownload, zl)

		syncRunner = pipeline.New(pipeline.Config{
			Scheduler:   sched,
			Lock:        lock,
			Jobs:        jobs,
			Fetcher:     fetcher,
			Reporter:    reporter,
			Registry:    store,
			Checkpoints: ckpt,
			ScratchDir:  cfg.Sync.ScratchDir,
			BatchSize:   cfg.Sync.ApplyBatchSize,
			Log:         zl,
		})
		refreshRunner = pipeline.NewRefresher(lock, store, reporter, cfg.Sync.RefreshPageSize, zl)
	}

	srv := pipeline.NewServer(syncRunner, refreshRunner, store, zl)
	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: srv.Routes()}
	go func() {
		zl.Info("http server listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.Bool("syncEnabled", cfg.Sync.Enabled))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zl.Error("http shutdown", zap.Error(err))
	}
}

func newZap(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatal("logger: ", err)
	}
	return logger
}
