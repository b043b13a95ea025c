package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/thread-service/internal/config"
	registrycache "github.com/chirino/thread-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MessagesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: THREAD_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.CacheConversationsTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURLWithTTL creates a cache from a Redis-compatible URL with an
// explicit default TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.MessagesCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisMessagesCache{client: client, ttl: ttl}, nil
}

type redisMessagesCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func messagesKey(conversationID string, branchID string) string {
	return fmt.Sprintf("branch-messages:%s:%s", conversationID, branchID)
}

func (c *redisMessagesCache) Available() bool {
	return true
}

func (c *redisMessagesCache) Get(ctx context.Context, conversationID string, branchID string) (*registrycache.CachedMessages, error) {
	data, err := c.client.Get(ctx, messagesKey(conversationID, branchID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.CachedMessages
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *redisMessagesCache) Set(ctx context.Context, conversationID string, branchID string, messages registrycache.CachedMessages, ttl time.Duration) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, messagesKey(conversationID, branchID), data, ttl).Err()
}

func (c *redisMessagesCache) Remove(ctx context.Context, conversationID string, branchID string) error {
	return c.client.Del(ctx, messagesKey(conversationID, branchID)).Err()
}

// RemoveConversation scans for every branch key under the conversation and
// deletes them. SCAN keeps this safe on shared redis instances.
func (c *redisMessagesCache) RemoveConversation(ctx context.Context, conversationID string) error {
	pattern := messagesKey(conversationID, "*")
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

var _ registrycache.MessagesCache = (*redisMessagesCache)(nil)
