package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/chirino/thread-service/internal/config"
	"github.com/chirino/thread-service/internal/model"
	registrygenai "github.com/chirino/thread-service/internal/registry/genai"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	goopenai "github.com/sashabaranov/go-openai"
)

func init() {
	registrygenai.Register(registrygenai.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registrygenai.Responder, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai responder: THREAD_SERVICE_OPENAI_API_KEY is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}
	return &OpenAIResponder{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  cfg.OpenAIModelName,
	}, nil
}

// OpenAIResponder generates replies and titles against any OpenAI-compatible
// chat completion endpoint.
type OpenAIResponder struct {
	client *goopenai.Client
	model  string
}

func (r *OpenAIResponder) ModelName() string { return r.model }

func (r *OpenAIResponder) Generate(ctx context.Context, history []registrystore.ChatMessage) (string, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    chatRole(m.Role),
			Content: m.Content,
		})
	}

	resp, err := r.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    r.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (r *OpenAIResponder) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: r.model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: "Produce a very short title (a few words, no quotes, no trailing punctuation) for a conversation that starts with the user message below.",
			},
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: text,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("title completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func chatRole(role model.Role) string {
	switch role {
	case model.RoleAssistant:
		return goopenai.ChatMessageRoleAssistant
	case model.RoleSystem:
		return goopenai.ChatMessageRoleSystem
	default:
		return goopenai.ChatMessageRoleUser
	}
}

var _ registrygenai.Responder = (*OpenAIResponder)(nil)
