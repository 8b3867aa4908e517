package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // storefront zones resolve without a system zoneinfo

	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Target   TargetConfig
	Pool     PoolConfig
	Crawl    CrawlConfig
	Browser  BrowserConfig
	Relay    RelayConfig
	Consumer ConsumerConfig
	Logging  LoggingConfig
	Proxies  []models.Proxy
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type TargetConfig struct {
	BaseURL        string
	WarmupASIN     string
	UserAgent      string
	AcceptLanguage string
	RequestTimeout time.Duration
	// Timezone is the storefront's IANA zone; delivery dates are relative to its calendar day.
	Timezone string
}

// Location resolves Timezone.
func (t TargetConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TARGET_TIMEZONE %q: %w", t.Timezone, err)
	}
	return loc, nil
}

type PoolConfig struct {
	TargetSize         int
	MinStartup         int
	StartupSuccessRate float64
	DiscardThreshold   int
	AcquireRetries     int
	AcquireTimeout     time.Duration
	CreateConcurrency  int
	RefillInterval     time.Duration
	RevalidateEvery    time.Duration
	RevalidateAfter    time.Duration
	CacheBackend       string
	CachePath          string
	CacheMaxAge        time.Duration
}

type CrawlConfig struct {
	Deadline           time.Duration
	InitialConcurrency int
	MinConcurrency     int
	MaxConcurrency     int
	ScaleIncrement     int
	ScaleUpDelay       time.Duration
	BatchSize          int
	RampInterval       time.Duration
	MinSuccessRate     float64
	HighCPUPercent     float64
	TaskAttempts       int
	ProductCacheSize   int
	ProductCacheTTL    time.Duration
}

type BrowserConfig struct {
	Enabled     bool
	Headless    bool
	Timeout     time.Duration
	Concurrency int
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	StreamMaxLen int64
}

// ConsumerConfig drives cmd/crawl-consumer.
type ConsumerConfig struct {
	CrawlerURL string
	Stream     string
	Group      string
	Name       string
	Timeout    time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getIntOrDefault("PORT", 8000),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolOrDefault("DB_ENABLED", true),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "amazon_offers"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Enabled:  getBoolOrDefault("REDIS_ENABLED", true),
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
		},
		Target: TargetConfig{
			BaseURL:        getEnvOrDefault("TARGET_BASE_URL", "https://www.amazon.com"),
			WarmupASIN:     getEnvOrDefault("TARGET_WARMUP_ASIN", "B09X7CRKRZ"),
			UserAgent:      getEnvOrDefault("TARGET_USER_AGENT", defaultUserAgent),
			AcceptLanguage: getEnvOrDefault("TARGET_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			RequestTimeout: getDurationOrDefault("TARGET_REQUEST_TIMEOUT", 8*time.Second),
			Timezone:       getEnvOrDefault("TARGET_TIMEZONE", "America/Los_Angeles"),
		},
		Pool: PoolConfig{
			TargetSize:         getIntOrDefault("POOL_TARGET_SIZE", 200),
			MinStartup:         getIntOrDefault("POOL_MIN_STARTUP", 100),
			StartupSuccessRate: getFloatOrDefault("POOL_STARTUP_SUCCESS_RATE", 0.5),
			DiscardThreshold:   getIntOrDefault("POOL_DISCARD_THRESHOLD", 3),
			AcquireRetries:     getIntOrDefault("POOL_ACQUIRE_RETRIES", 2),
			AcquireTimeout:     getDurationOrDefault("POOL_ACQUIRE_TIMEOUT", 3*time.Second),
			CreateConcurrency:  getIntOrDefault("POOL_CREATE_CONCURRENCY", 20),
			RefillInterval:     getDurationOrDefault("POOL_REFILL_INTERVAL", time.Second),
			RevalidateEvery:    getDurationOrDefault("POOL_REVALIDATE_EVERY", 2*time.Second),
			RevalidateAfter:    getDurationOrDefault("POOL_REVALIDATE_AFTER", 10*time.Minute),
			CacheBackend:       getEnvOrDefault("POOL_CACHE_BACKEND", "file"),
			CachePath:          getEnvOrDefault("POOL_CACHE_PATH", "sessions.json"),
			CacheMaxAge:        getDurationOrDefault("POOL_CACHE_MAX_AGE", 6*time.Hour),
		},
		Crawl: CrawlConfig{
			Deadline:           getDurationOrDefault("CRAWL_DEADLINE", 25*time.Second),
			InitialConcurrency: getIntOrDefault("CRAWL_INITIAL_CONCURRENCY", 20),
			MinConcurrency:     getIntOrDefault("CRAWL_MIN_CONCURRENCY", 5),
			MaxConcurrency:     getIntOrDefault("CRAWL_MAX_CONCURRENCY", 200),
			ScaleIncrement:     getIntOrDefault("CRAWL_SCALE_INCREMENT", 10),
			ScaleUpDelay:       getDurationOrDefault("CRAWL_SCALE_UP_DELAY", 200*time.Millisecond),
			BatchSize:          getIntOrDefault("CRAWL_BATCH_SIZE", 5),
			RampInterval:       getDurationOrDefault("CRAWL_RAMP_INTERVAL", 50*time.Millisecond),
			MinSuccessRate:     getFloatOrDefault("CRAWL_MIN_SUCCESS_RATE", 0.6),
			HighCPUPercent:     getFloatOrDefault("CRAWL_HIGH_CPU_PERCENT", 85),
			TaskAttempts:       getIntOrDefault("CRAWL_TASK_ATTEMPTS", 2),
			ProductCacheSize:   getIntOrDefault("CRAWL_PRODUCT_CACHE_SIZE", 1024),
			ProductCacheTTL:    getDurationOrDefault("CRAWL_PRODUCT_CACHE_TTL", time.Hour),
		},
		Browser: BrowserConfig{
			Enabled:     getBoolOrDefault("BROWSER_WARMUP", false),
			Headless:    getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:     getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			Concurrency: getIntOrDefault("BROWSER_CONCURRENCY", 2),
		},
		Relay: RelayConfig{
			PollInterval: getDurationOrDefault("RELAY_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getIntOrDefault("RELAY_BATCH_SIZE", 100),
			StreamMaxLen: int64(getIntOrDefault("RELAY_STREAM_MAX_LEN", 100000)),
		},
		Consumer: ConsumerConfig{
			CrawlerURL: getEnvOrDefault("CONSUMER_CRAWLER_URL", "http://localhost:8000"),
			Stream:     getEnvOrDefault("CONSUMER_STREAM", "stream:offer_crawl_requests"),
			Group:      getEnvOrDefault("CONSUMER_GROUP", "offer-crawl-consumers"),
			Name:       getEnvOrDefault("CONSUMER_NAME", "consumer-1"),
			Timeout:    getDurationOrDefault("CONSUMER_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	proxies, err := loadProxies(getStringSliceOrDefault("PROXIES", nil), getEnvOrDefault("PROXY_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Proxies = proxies

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Target.BaseURL == "" {
		return fmt.Errorf("TARGET_BASE_URL is required")
	}

	if _, err := c.Target.Location(); err != nil {
		return err
	}

	if c.Pool.TargetSize < 1 {
		return fmt.Errorf("POOL_TARGET_SIZE must be at least 1")
	}

	if c.Pool.MinStartup > c.Pool.TargetSize {
		return fmt.Errorf("POOL_MIN_STARTUP cannot be greater than POOL_TARGET_SIZE")
	}

	if c.Pool.StartupSuccessRate < 0 || c.Pool.StartupSuccessRate > 1 {
		return fmt.Errorf("POOL_STARTUP_SUCCESS_RATE must be between 0 and 1")
	}

	if c.Pool.DiscardThreshold < 1 {
		return fmt.Errorf("POOL_DISCARD_THRESHOLD must be at least 1")
	}

	switch c.Pool.CacheBackend {
	case "file", "redis", "none":
	default:
		return fmt.Errorf("unknown POOL_CACHE_BACKEND %q", c.Pool.CacheBackend)
	}

	if c.Pool.CacheBackend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("POOL_CACHE_BACKEND=redis requires REDIS_ENABLED")
	}

	if c.Crawl.MinConcurrency < 1 || c.Crawl.MinConcurrency > c.Crawl.MaxConcurrency {
		return fmt.Errorf("CRAWL_MIN_CONCURRENCY must be between 1 and CRAWL_MAX_CONCURRENCY")
	}

	if c.Crawl.InitialConcurrency < c.Crawl.MinConcurrency || c.Crawl.InitialConcurrency > c.Crawl.MaxConcurrency {
		return fmt.Errorf("CRAWL_INITIAL_CONCURRENCY must be within [CRAWL_MIN_CONCURRENCY, CRAWL_MAX_CONCURRENCY]")
	}

	if c.Crawl.BatchSize < 1 {
		return fmt.Errorf("CRAWL_BATCH_SIZE must be at least 1")
	}

	if c.Crawl.Deadline <= 0 {
		return fmt.Errorf("CRAWL_DEADLINE must be positive")
	}

	if c.Crawl.TaskAttempts < 1 {
		return fmt.Errorf("CRAWL_TASK_ATTEMPTS must be at least 1")
	}

	return nil
}

func loadProxies(inline []string, path string) ([]models.Proxy, error) {
	lines := append([]string(nil), inline...)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open proxy file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read proxy file: %w", err)
		}
	}

	var proxies []models.Proxy
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := models.ParseProxy(line)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
