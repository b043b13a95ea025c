package service

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-service/internal/config"
	registrygenai "github.com/chirino/thread-service/internal/registry/genai"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	"github.com/chirino/thread-service/internal/security"
)

// TitleRequest asks the synthesizer to produce a title for a conversation
// from the text of its first user message.
type TitleRequest struct {
	ConversationID string
	OwnerUserID    string
	FirstMessage   string
}

// TitleSynthesizer generates conversation titles in the background. Requests
// are enqueued without blocking the caller; when the queue is full the
// request is dropped. Failures are logged and never surfaced to clients.
type TitleSynthesizer struct {
	store     registrystore.ChatStore
	responder registrygenai.Responder
	queue     chan TitleRequest
	maxLength int
}

// NewTitleSynthesizer creates a title synthesizer with a bounded queue sized
// from the config.
func NewTitleSynthesizer(cfg *config.Config, store registrystore.ChatStore, responder registrygenai.Responder) *TitleSynthesizer {
	queueSize := cfg.TitleQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	maxLength := cfg.TitleMaxLength
	if maxLength <= 0 {
		maxLength = 80
	}
	return &TitleSynthesizer{
		store:     store,
		responder: responder,
		queue:     make(chan TitleRequest, queueSize),
		maxLength: maxLength,
	}
}

// Enqueue submits a title request without blocking. Returns false if the
// queue is full and the request was dropped.
func (t *TitleSynthesizer) Enqueue(req TitleRequest) bool {
	select {
	case t.queue <- req:
		return true
	default:
		log.Warn("Title synthesis: queue full, dropping request", "conversationId", req.ConversationID)
		return false
	}
}

// Start begins the synthesis loop. Returns when ctx is cancelled.
func (t *TitleSynthesizer) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.queue:
			t.process(ctx, req)
		}
	}
}

func (t *TitleSynthesizer) process(ctx context.Context, req TitleRequest) {
	title, err := t.responder.Summarize(ctx, req.FirstMessage)
	if err != nil {
		log.Error("Title synthesis: summarize failed", "conversationId", req.ConversationID, "err", err)
		return
	}
	title = t.truncate(strings.TrimSpace(title))
	if title == "" {
		log.Warn("Title synthesis: empty title, skipping", "conversationId", req.ConversationID)
		return
	}

	if err := t.store.SetTitleIfEmpty(ctx, req.OwnerUserID, req.ConversationID, title); err != nil {
		// The conversation may have been deleted while the title was in
		// flight. That is not a fault.
		if registrystore.IsNotFound(err) {
			log.Debug("Title synthesis: conversation gone, skipping", "conversationId", req.ConversationID)
			return
		}
		log.Error("Title synthesis: store update failed", "conversationId", req.ConversationID, "err", err)
		return
	}
	if security.TitlesSynthesizedTotal != nil {
		security.TitlesSynthesizedTotal.Inc()
	}
	log.Debug("Title synthesis: title set", "conversationId", req.ConversationID)
}

// truncate shortens s to at most maxLength runes.
func (t *TitleSynthesizer) truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= t.maxLength {
		return s
	}
	return strings.TrimSpace(string(runes[:t.maxLength]))
}
