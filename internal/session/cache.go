package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

// RedisCacheKey is the hash holding one field per cached session.
const RedisCacheKey = "offers:sessions"

// Record is the persisted form of a session's credentials.
type Record struct {
	ID       string         `json:"id"`
	Token    string         `json:"token"`
	Cookies  []CookieRecord `json:"cookies"`
	Proxy    *models.Proxy  `json:"proxy,omitempty"`
	Location string         `json:"location,omitempty"`
	SavedAt  time.Time      `json:"saved_at"`
}

type CookieRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cache persists session credentials across restarts.
type Cache interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}

// NopCache keeps nothing.
type NopCache struct{}

func (NopCache) Load(context.Context) ([]Record, error) { return nil, nil }

func (NopCache) Save(context.Context, Record) error { return nil }

func (NopCache) Delete(context.Context, string) error { return nil }

// FileCache stores records as a JSON object keyed by session id.
type FileCache struct {
	mu       sync.RWMutex
	records  map[string]Record
	filename string
}

func NewFileCache(filename string) (*FileCache, error) {
	fc := &FileCache{
		records:  make(map[string]Record),
		filename: filename,
	}

	if err := fc.read(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}

	return fc, nil
}

func (fc *FileCache) Load(_ context.Context) ([]Record, error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	records := make([]Record, 0, len(fc.records))
	for _, rec := range fc.records {
		records = append(records, rec)
	}
	return records, nil
}

func (fc *FileCache) Save(_ context.Context, rec Record) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}

	fc.records[rec.ID] = rec
	return fc.write()
}

func (fc *FileCache) Delete(_ context.Context, id string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if _, ok := fc.records[id]; !ok {
		return nil
	}
	delete(fc.records, id)
	return fc.write()
}

func (fc *FileCache) write() error {
	data, err := json.MarshalIndent(fc.records, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := fc.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmpFile, fc.filename)
}

func (fc *FileCache) read() error {
	data, err := os.ReadFile(fc.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &fc.records)
}

// RedisHashClient is the subset of the Redis client RedisCache needs.
type RedisHashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// RedisCache shares cached sessions between crawler instances.
type RedisCache struct {
	client RedisHashClient
	key    string
}

func NewRedisCache(client RedisHashClient) *RedisCache {
	return &RedisCache{client: client, key: RedisCacheKey}
}

func (rc *RedisCache) Load(ctx context.Context) ([]Record, error) {
	fields, err := rc.client.HGetAll(ctx, rc.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions from redis: %w", err)
	}

	records := make([]Record, 0, len(fields))
	for id, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Corrupt entries are dropped rather than failing startup.
			rc.client.HDel(ctx, rc.key, id)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (rc *RedisCache) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	if err := rc.client.HSet(ctx, rc.key, rec.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to save session to redis: %w", err)
	}
	return nil
}

func (rc *RedisCache) Delete(ctx context.Context, id string) error {
	if err := rc.client.HDel(ctx, rc.key, id).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}
