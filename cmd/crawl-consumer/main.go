package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/amazon-offer-crawler/internal/config"
	"github.com/maltedev/amazon-offer-crawler/internal/consumer"
	"github.com/maltedev/amazon-offer-crawler/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis", "addr", cfg.Redis.Addr)

	c := consumer.New(rdb, &http.Client{Timeout: cfg.Consumer.Timeout}, consumer.Config{
		CrawlerURL: cfg.Consumer.CrawlerURL,
		Stream:     cfg.Consumer.Stream,
		Group:      cfg.Consumer.Group,
		Name:       cfg.Consumer.Name,
	}, log)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("consumer stopped")
}
