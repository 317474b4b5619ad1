// Command bizharvest runs the business crawl service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/api"
	"github.com/bizharvest/bizharvest/internal/clock/system"
	"github.com/bizharvest/bizharvest/internal/config"
	"github.com/bizharvest/bizharvest/internal/crawl"
	"github.com/bizharvest/bizharvest/internal/engine"
	"github.com/bizharvest/bizharvest/internal/extract"
	"github.com/bizharvest/bizharvest/internal/fetch/headless"
	"github.com/bizharvest/bizharvest/internal/fetch/static"
	"github.com/bizharvest/bizharvest/internal/id/uuid"
	"github.com/bizharvest/bizharvest/internal/logging"
	"github.com/bizharvest/bizharvest/internal/normalize"
	pubsubpub "github.com/bizharvest/bizharvest/internal/publisher/pubsub"
	"github.com/bizharvest/bizharvest/internal/ratelimit"
	"github.com/bizharvest/bizharvest/internal/run"
	snapgcs "github.com/bizharvest/bizharvest/internal/snapshot/gcs"
	snaplocal "github.com/bizharvest/bizharvest/internal/snapshot/local"
	storememory "github.com/bizharvest/bizharvest/internal/store/memory"
	storepostgres "github.com/bizharvest/bizharvest/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := runService(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bizharvest: %v\n", err)
		os.Exit(1)
	}
}

func runService(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	ids := uuid.New()

	browserFetcher, err := headless.New(headless.Config{
		Headless:  cfg.Engine.Headless,
		UserAgent: cfg.Engine.UserAgent,
		Timeout:   cfg.Engine.FetchTimeout,
	})
	if err != nil {
		return fmt.Errorf("init headless fetcher: %w", err)
	}
	defer browserFetcher.Close()

	staticFetcher := static.New(static.Config{
		UserAgent: cfg.Engine.UserAgent,
		Timeout:   cfg.Engine.FetchTimeout,
	})

	store, closeStore, err := buildStore(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeStore()

	snapshots, err := buildSnapshots(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	extractCfg := extract.Config{
		DirectoryBaseURL:     cfg.Sources.Directory.BaseURL,
		WebSearchBaseURL:     cfg.Sources.WebSearch.BaseURL,
		RegistryBaseURL:      cfg.Sources.Registry.BaseURL,
		SecondaryConcurrency: cfg.Engine.SecondaryConcurrency,
		RegistryPageSize:     cfg.Engine.RegistryPageSize,
		ScrollPasses:         cfg.Engine.DirectoryScrollPasses,
		MaxStablePages:       cfg.Engine.DirectoryMaxStablePages,
	}
	pacer := ratelimit.New(cfg.Engine.PageDelay)
	extractors := []engine.Extractor{
		extract.NewDirectory(extractCfg, logger),
		extract.NewWebSearch(extractCfg, staticFetcher, pacer, logger),
		extract.NewRegistry(extractCfg, staticFetcher, pacer, logger),
	}
	fetchers := map[engine.Source]engine.Fetcher{
		engine.SourceDirectory: browserFetcher,
		engine.SourceWebSearch: staticFetcher,
		engine.SourceRegistry:  staticFetcher,
	}

	controller := crawl.New(
		fetchers,
		pacer,
		normalize.New(cfg.Engine.DefaultCountryCode),
		snapshots,
		cfg.Engine.MaxConsecutiveFailures,
		logger,
	)
	coordinator := run.New(controller, extractors, store, publisher, cfg.PubSub.Topic, clk, ids, logger)
	server := api.NewServer(coordinator, store, cfg.Engine.DefaultMaxResults, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config, clk engine.Clock) (engine.RunStore, func(), error) {
	switch cfg.Store.Provider {
	case "postgres":
		store, err := storepostgres.New(ctx, storepostgres.Config{DSN: cfg.Store.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		return storememory.New(clk), func() {}, nil
	}
}

func buildSnapshots(ctx context.Context, cfg *config.Config) (engine.SnapshotStore, error) {
	if !cfg.Snapshots.Enabled {
		return nil, nil
	}
	switch cfg.Snapshots.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return snapgcs.New(client, snapgcs.Config{Bucket: cfg.Snapshots.Bucket})
	default:
		return snaplocal.New(cfg.Snapshots.Dir)
	}
}

func buildPublisher(ctx context.Context, cfg *config.Config) (engine.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		return nil, func() {}, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.Project)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	publisher, err := pubsubpub.New(client)
	if err != nil {
		return nil, nil, err
	}
	return publisher, func() { _ = client.Close() }, nil
}
