package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-pipeline/internal/telemetry"
)

const (
	cacheKeyPrefix  = "ollama:response:"
	DefaultCacheTTL = time.Hour
)

// CachedClient serves repeated prompts from Redis. Redis failures are logged and bypassed.
type CachedClient struct {
	next  Chatter
	rdb   *redis.Client
	model string
	ttl   time.Duration
	log   *slog.Logger
}

// NewCachedClient wraps next. model only participates in the cache key.
func NewCachedClient(next Chatter, rdb *redis.Client, model string, ttl time.Duration, logger *slog.Logger) *CachedClient {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &CachedClient{next: next, rdb: rdb, model: model, ttl: ttl, log: logger}
}

// CacheKey derives the key from the model and the content of the last message.
func CacheKey(model string, messages []Message) string {
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	sum := md5.Sum([]byte(model + ":" + last))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *CachedClient) Chat(ctx context.Context, messages []Message) (Response, error) {
	key := CacheKey(c.model, messages)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached Response
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			telemetry.LLMRequests.WithLabelValues("cache_hit").Inc()
			c.log.Info("AI response served from cache", "key", key)
			cached.FromCache = true
			return cached, nil
		}
		c.log.Warn("discarding unreadable cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("llm cache read failed", "error", err)
	}

	resp, err := c.next.Chat(ctx, messages)
	if err != nil {
		return Response{}, err
	}

	payload, err := json.Marshal(resp)
	if err == nil {
		err = c.rdb.Set(ctx, key, payload, c.ttl).Err()
	}
	if err != nil {
		c.log.Warn("llm cache write failed", "error", err)
	}
	return resp, nil
}
