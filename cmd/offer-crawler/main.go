package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/amazon-offer-crawler/internal/api"
	"github.com/maltedev/amazon-offer-crawler/internal/browser"
	"github.com/maltedev/amazon-offer-crawler/internal/config"
	"github.com/maltedev/amazon-offer-crawler/internal/database"
	"github.com/maltedev/amazon-offer-crawler/internal/events"
	"github.com/maltedev/amazon-offer-crawler/internal/location"
	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
	"github.com/maltedev/amazon-offer-crawler/internal/orchestrator"
	"github.com/maltedev/amazon-offer-crawler/internal/parser"
	"github.com/maltedev/amazon-offer-crawler/internal/ratelimit"
	"github.com/maltedev/amazon-offer-crawler/internal/resource"
	"github.com/maltedev/amazon-offer-crawler/internal/session"
	"github.com/maltedev/amazon-offer-crawler/pkg/logger"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("crawler exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// Database connection
	var db *database.DB
	if cfg.Database.Enabled {
		var err error
		db, err = database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	// Outbox relay needs both ends
	if db != nil && redisClient != nil {
		relay := database.NewRelay(database.NewOutboxRepository(db), redisClient, log, database.RelayConfig{
			PollInterval: cfg.Relay.PollInterval,
			BatchSize:    cfg.Relay.BatchSize,
			StreamMaxLen: cfg.Relay.StreamMaxLen,
		}, m)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay stopped with error", "error", err)
			}
		}()
	}

	cache, err := sessionCache(cfg, redisClient)
	if err != nil {
		return err
	}

	target := session.Target{
		BaseURL:        cfg.Target.BaseURL,
		WarmupASIN:     cfg.Target.WarmupASIN,
		UserAgent:      cfg.Target.UserAgent,
		AcceptLanguage: cfg.Target.AcceptLanguage,
	}

	handshakeOpts := []session.HandshakerOption{session.WithMetrics(m)}
	if cfg.Browser.Enabled {
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Browser.Headless
		opts.Timeout = cfg.Browser.Timeout
		opts.Concurrency = cfg.Browser.Concurrency
		opts.UserAgent = cfg.Target.UserAgent
		opts.AcceptLanguage = cfg.Target.AcceptLanguage

		b, err := browser.New(opts, log)
		if err != nil {
			return fmt.Errorf("failed to initialize browser: %w", err)
		}
		defer func() {
			if err := b.Close(); err != nil {
				log.Warn("failed to close browser", "error", err)
			}
		}()
		handshakeOpts = append(handshakeOpts, session.WithCookieSource(b))
	}

	storefrontZone, err := cfg.Target.Location()
	if err != nil {
		return err
	}

	handshaker := session.NewHandshaker(target, cfg.Target.RequestTimeout, log, handshakeOpts...)

	pool := session.NewPool(session.Config{
		TargetSize:         cfg.Pool.TargetSize,
		MinStartup:         cfg.Pool.MinStartup,
		StartupSuccessRate: cfg.Pool.StartupSuccessRate,
		DiscardThreshold:   cfg.Pool.DiscardThreshold,
		AcquireRetries:     cfg.Pool.AcquireRetries,
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
		CreateConcurrency:  cfg.Pool.CreateConcurrency,
		RefillInterval:     cfg.Pool.RefillInterval,
		RevalidateEvery:    cfg.Pool.RevalidateEvery,
		RevalidateAfter:    cfg.Pool.RevalidateAfter,
		CacheMaxAge:        cfg.Pool.CacheMaxAge,
	}, handshaker, cache, cfg.Proxies, log, m)

	log.Info("warming session pool",
		"target", cfg.Pool.TargetSize,
		"min_startup", cfg.Pool.MinStartup,
		"proxies", len(cfg.Proxies))

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session pool: %w", err)
	}
	defer pool.Close()

	monitor := resource.NewMonitor(5*time.Second, log)
	go monitor.Start(ctx)

	crawler := orchestrator.New(orchestrator.Config{
		Deadline:     cfg.Crawl.Deadline,
		BatchSize:    cfg.Crawl.BatchSize,
		RampInterval: cfg.Crawl.RampInterval,
		TaskAttempts: cfg.Crawl.TaskAttempts,
		Controller: ratelimit.ControllerConfig{
			Initial:        cfg.Crawl.InitialConcurrency,
			Min:            cfg.Crawl.MinConcurrency,
			Max:            cfg.Crawl.MaxConcurrency,
			Increment:      cfg.Crawl.ScaleIncrement,
			ScaleUpDelay:   cfg.Crawl.ScaleUpDelay,
			MinSuccessRate: cfg.Crawl.MinSuccessRate,
			MinSamples:     10,
			Window:         50,
			HighPressure:   cfg.Crawl.HighCPUPercent,
			Headroom:       0.2,
		},
		ProductCacheSize: cfg.Crawl.ProductCacheSize,
		ProductCacheTTL:  cfg.Crawl.ProductCacheTTL,
		Location:         storefrontZone,
	}, pool, location.NewChanger(log, m), parser.NewAmazonParser(), monitor, log, m)

	deps := api.Dependencies{
		Crawler: crawler,
		Pool:    pool,
		Usage:   monitor,
	}

	var publisher *events.Publisher
	if db != nil {
		publisher = events.NewDatabasePublisher(db, log, m)
		deps.Publisher = publisher
		deps.Outbox = database.NewOutboxRepository(db)
	}

	router := api.NewRouter(api.NewHandlers(deps, log), m.Registry, api.RouterConfig{
		RequestTimeout: cfg.Crawl.Deadline + 15*time.Second,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
		cancel()
	}()

	log.Info("server starting", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	<-stopped

	if publisher != nil {
		publisher.Wait()
	}

	log.Info("server stopped")
	return nil
}

func sessionCache(cfg *config.Config, redisClient *redis.Client) (session.Cache, error) {
	switch cfg.Pool.CacheBackend {
	case "file":
		cache, err := session.NewFileCache(cfg.Pool.CachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open session cache: %w", err)
		}
		return cache, nil
	case "redis":
		return session.NewRedisCache(redisClient), nil
	default:
		return session.NopCache{}, nil
	}
}
