package echo

import (
	"context"
	"fmt"
	"strings"

	registrygenai "github.com/chirino/thread-service/internal/registry/genai"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
)

func init() {
	registrygenai.Register(registrygenai.Plugin{
		Name: "echo",
		Loader: func(ctx context.Context) (registrygenai.Responder, error) {
			return &EchoResponder{}, nil
		},
	})
}

// EchoResponder is a deterministic responder for tests and offline runs. It
// replies with the last user message and titles with its first words.
type EchoResponder struct{}

func (r *EchoResponder) ModelName() string { return "echo" }

func (r *EchoResponder) Generate(_ context.Context, history []registrystore.ChatMessage) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("empty history")
	}
	return fmt.Sprintf("You said: %s", history[len(history)-1].Content), nil
}

func (r *EchoResponder) Summarize(_ context.Context, text string) (string, error) {
	words := strings.Fields(text)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " "), nil
}

var _ registrygenai.Responder = (*EchoResponder)(nil)
