package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"

	"listing-aggregator/aggregate"
	"listing-aggregator/api"
	"listing-aggregator/config"
	"listing-aggregator/fetch"
	"listing-aggregator/proxy"
	"listing-aggregator/queue"
	"listing-aggregator/scraper"
	"listing-aggregator/scraper/marketplace"
	"listing-aggregator/scraper/okidoki"
	"listing-aggregator/scraper/osta"
	"listing-aggregator/services"
	"listing-aggregator/storage"
	"listing-aggregator/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "listing-aggregator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var fluentClient *fluent.Fluent
	if cfg.FluentHost != "" {
		fluentClient, err = fluent.New(fluent.Config{
			FluentHost: cfg.FluentHost,
			FluentPort: cfg.FluentPort,
			TagPrefix:  "listing-aggregator",
			Async:      true,
		})
		if err != nil {
			return fmt.Errorf("connect to fluent: %w", err)
		}
		defer fluentClient.Close()
	}
	logger := utils.NewLoggerWithOptions(utils.LoggerOptions{
		Level:  utils.ParseLevel(cfg.LogLevel),
		JSON:   strings.EqualFold(cfg.LogFormat, "json"),
		Fluent: fluentClient,
	})

	logger.Info("=== Listing aggregator starting ===")
	logger.Info("Config: storage %s | proxies %d | tls workers %d | cap %d | ttl %s",
		cfg.StorageDriver, len(cfg.Proxies), cfg.TLSWorkers, cfg.MergeCap, cfg.SearchTTL)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	cache := storage.NewCache(store, cfg.SearchTTL, logger)
	if err := cache.Housekeep(appCtx); err != nil {
		return err
	}
	go cache.RunSweeper(appCtx, time.Minute)

	proxies := proxy.NewManager(cfg.Proxies, logger)
	tlsService := fetch.NewService(fetch.Options{Workers: cfg.TLSWorkers, Timeout: cfg.TLSTimeout, Logger: logger})
	defer tlsService.Close()
	tlsClient := fetch.NewClient(tlsService, proxies, logger)

	ingester := services.NewIngester(cache, services.NewThumbnails(tlsClient, proxies), logger)
	queueManager := queue.NewManager(cache, logger)

	browser := marketplace.NewBrowser(marketplace.BrowserOptions{
		ChromeBin: cfg.ChromeBin,
		Headless:  cfg.BrowserHeadless,
	}, logger)
	okidokiScraper, err := okidoki.New(tlsClient, ingester, cfg.PageDelay, logger)
	if err != nil {
		return err
	}
	ostaScraper, err := osta.New(tlsClient, ingester, cfg.PageDelay, logger)
	if err != nil {
		return err
	}
	producers := []scraper.Producer{
		marketplace.New(tlsClient, queueManager, ingester, browser, logger),
		okidokiScraper,
		ostaScraper,
	}

	runner := aggregate.NewRunner(appCtx, queueManager, producers, logger)
	runner.Cap = cfg.MergeCap
	runner.ScrapeTimeout = cfg.ScrapeTimeout

	server := api.NewServer(api.Options{Addr: cfg.HTTPAddr, CORSOrigins: cfg.CORSOrigins},
		api.NewListingsHandler(runner, logger),
		api.NewThumbnailHandler(store, logger),
		logger)

	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Warn("Received %s, shutting down...", sig)
	case runErr = <-serverErrors:
		logger.Error("HTTP server failed: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown: %v", err)
	}
	cancelApp()
	runner.Wait()

	logger.Info("=== Listing aggregator stopped ===")
	return runErr
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect to postgres (is docker compose up?): %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
