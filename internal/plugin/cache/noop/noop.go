package noop

import (
	"context"
	"time"

	"github.com/chirino/thread-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.MessagesCache, error) {
			return &noopMessagesCache{}, nil
		},
	})
}

type noopMessagesCache struct{}

func (n *noopMessagesCache) Available() bool { return false }
func (n *noopMessagesCache) Get(_ context.Context, _ string, _ string) (*cache.CachedMessages, error) {
	return nil, nil
}
func (n *noopMessagesCache) Set(_ context.Context, _ string, _ string, _ cache.CachedMessages, _ time.Duration) error {
	return nil
}
func (n *noopMessagesCache) Remove(_ context.Context, _ string, _ string) error { return nil }
func (n *noopMessagesCache) RemoveConversation(_ context.Context, _ string) error {
	return nil
}

var _ cache.MessagesCache = (*noopMessagesCache)(nil)
