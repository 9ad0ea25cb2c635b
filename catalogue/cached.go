package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aswathylr-builds/secure-delivery/models"
)

const cacheKeyPrefix = "secure-delivery:catalogue:item:"

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Cached is a read-through Redis cache in front of another catalogue.
// Cache failures degrade to origin reads. Cached entries are re-validated on
// every decode so a poisoned entry cannot change an item's class.
type Cached struct {
	origin Catalogue
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewCached(origin Catalogue, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{origin: origin, client: client, ttl: ttl, logger: logger.With("module", "catalogue")}
}

func (c *Cached) Item(ctx context.Context, id string) (models.ContentItem, error) {
	key := cacheKeyPrefix + id
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var item models.ContentItem
		if decodeErr := json.Unmarshal(raw, &item); decodeErr == nil {
			if valid, validErr := normalize(item, item.Currency); validErr == nil && valid.ID == id {
				return valid, nil
			}
		}
		c.logger.WarnContext(ctx, "discarding invalid cached item", "operation", "item", "content_item_id", id)
		_ = c.client.Del(ctx, key).Err()
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "catalogue cache read failed", "operation", "item", "outcome", "degraded", "error", err)
	}

	item, err := c.origin.Item(ctx, id)
	if err != nil {
		return models.ContentItem{}, err
	}
	if encoded, marshalErr := json.Marshal(item); marshalErr == nil {
		if setErr := c.client.Set(ctx, key, encoded, c.ttl).Err(); setErr != nil {
			c.logger.WarnContext(ctx, "catalogue cache write failed", "operation", "item", "error", setErr)
		}
	}
	return item, nil
}
