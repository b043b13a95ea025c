package genai

import (
	"context"
	"fmt"

	"github.com/chirino/thread-service/internal/registry/store"
)

// Responder generates assistant replies and conversation titles.
type Responder interface {
	// Generate returns the assistant reply for the ordered history, where
	// the final element is the pending user turn.
	Generate(ctx context.Context, history []store.ChatMessage) (string, error)
	// Summarize produces a short conversation title for the given first
	// user message.
	Summarize(ctx context.Context, text string) (string, error)
	// ModelName returns the model identifier used for generation.
	ModelName() string
}

// Loader creates a Responder from config.
type Loader func(ctx context.Context) (Responder, error)

// Plugin represents a responder plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a responder plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered responder plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named responder plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown responder %q; valid: %v", name, Names())
}
