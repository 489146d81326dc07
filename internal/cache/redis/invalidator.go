// Package redis drops read-side cache entries that an article upsert makes stale.
//
// The read service caches listing pages, the article count, and per-title
// lookups under fixed key names. After a write the pipeline deletes them so
// readers see the new row without waiting for the TTL.
package redis

import (
	"context"
	"crypto/md5" //nolint:gosec // key names are fixed by the read service
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

const (
	pagePattern    = "news_articles_page_*"
	totalCountKey  = "total_articles_count"
	titleKeyPrefix = "article_by_title_"
	scanBatch      = 100
	pingTimeout    = 5 * time.Second
)

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
	// KeyPrefix is prepended to every key, matching the read service's namespace.
	KeyPrefix string
}

// Invalidator implements crawler.CacheInvalidator.
type Invalidator struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Invalidator, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	inv := New(client, cfg.KeyPrefix)
	inv.owned = true
	return inv, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, keyPrefix string) *Invalidator {
	return &Invalidator{client: client, prefix: keyPrefix}
}

// Invalidate deletes cached listing pages after any upsert, plus the total
// count and the title lookup when the article is new.
func (i *Invalidator) Invalidate(ctx context.Context, record crawler.ArticleRecord, outcome crawler.UpsertOutcome) error {
	keys, err := i.scan(ctx, i.prefix+pagePattern)
	if err != nil {
		return err
	}
	if outcome == crawler.UpsertCreated {
		keys = append(keys, i.prefix+totalCountKey, i.TitleKey(record.Title))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := i.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete cache keys: %w", err)
	}
	return nil
}

// TitleKey is the read service's cache key for a title lookup.
func (i *Invalidator) TitleKey(title string) string {
	sum := md5.Sum([]byte(title)) //nolint:gosec // cache key, not a security boundary
	return i.prefix + titleKeyPrefix + hex.EncodeToString(sum[:])
}

func (i *Invalidator) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := i.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Ping checks connectivity for readiness probes.
func (i *Invalidator) Ping(ctx context.Context) error {
	if err := i.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client when Dial created it.
func (i *Invalidator) Close() error {
	if !i.owned {
		return nil
	}
	if err := i.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
