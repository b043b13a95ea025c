package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/thread-service/internal/registry/store"
)

type messagesCacheKey struct{}

// WithMessagesCacheContext returns a new context carrying the given MessagesCache.
func WithMessagesCacheContext(ctx context.Context, c MessagesCache) context.Context {
	return context.WithValue(ctx, messagesCacheKey{}, c)
}

// MessagesCacheFromContext retrieves the MessagesCache from the context.
// Returns nil if none was set.
func MessagesCacheFromContext(ctx context.Context) MessagesCache {
	c, _ := ctx.Value(messagesCacheKey{}).(MessagesCache)
	return c
}

// CachedMessages holds the cached ordered history of one branch.
type CachedMessages struct {
	Messages []store.ChatMessage
}

// MessagesCache caches branch histories for chat turns. A Get miss is
// (nil, nil); cache faults are reported but callers fall through to the
// store either way.
type MessagesCache interface {
	Available() bool
	Get(ctx context.Context, conversationID string, branchID string) (*CachedMessages, error)
	Set(ctx context.Context, conversationID string, branchID string, messages CachedMessages, ttl time.Duration) error
	Remove(ctx context.Context, conversationID string, branchID string) error
	// RemoveConversation drops every cached branch of the conversation.
	RemoveConversation(ctx context.Context, conversationID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (MessagesCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
