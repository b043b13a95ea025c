package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/thread-service/internal/model"
)

// ConversationSummary is the API representation of a conversation.
type ConversationSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	OwnerUserID string    `json:"ownerUserId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BranchSummary is the API representation of a branch.
type BranchSummary struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	Name            *string   `json:"name,omitempty"`
	ParentBranchID  *string   `json:"parentBranchId,omitempty"`
	ParentMessageID *string   `json:"parentMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ChatMessage is the API representation of a message, content decrypted.
type ChatMessage struct {
	ID        string     `json:"id"`
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
}

// BranchOptions carries the optional metadata for branch creation.
// ParentBranchID and ParentMessageID must be set together or not at all.
type BranchOptions struct {
	Name            *string
	ParentBranchID  *string
	ParentMessageID *string
}

// ForkRequest is the input for CreateBranchFromMessage.
type ForkRequest struct {
	ConversationID string
	SourceBranchID string
	// MessageID is the cut point; messages up to and including it are copied.
	MessageID string
	// BranchID optionally names the new branch. Derived when nil.
	BranchID *string
	Name     *string
}

// ChatStore defines the primary data access interface for the thread service.
//
// Ownership rules apply uniformly: operations on an existing conversation
// owned by another user return ForbiddenError. Reads of data that simply
// does not exist return empty results, not errors.
type ChatStore interface {
	// Conversations
	//
	// GetOrCreateConversation returns the existing conversation when the
	// caller owns it, creates it when absent, and returns ForbiddenError
	// when it exists under a different owner.
	GetOrCreateConversation(ctx context.Context, userID string, conversationID string) (*ConversationSummary, error)
	// IsOwner reports whether userID owns the conversation. An absent
	// conversation yields (false, nil).
	IsOwner(ctx context.Context, conversationID string, userID string) (bool, error)
	// ListConversations returns the caller's conversations ordered by
	// UpdatedAt descending.
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	// TouchConversation bumps the conversation's UpdatedAt.
	TouchConversation(ctx context.Context, userID string, conversationID string) error
	// SetTitleIfEmpty assigns the title only when the conversation has none.
	SetTitleIfEmpty(ctx context.Context, userID string, conversationID string, title string) error
	// DeleteConversation removes the conversation and every branch and
	// message under it. Deleting an absent conversation is a NotFoundError.
	DeleteConversation(ctx context.Context, userID string, conversationID string) error

	// Branches
	GetOrCreateBranch(ctx context.Context, userID string, conversationID string, branchID string, opts BranchOptions) (*BranchSummary, error)
	ListBranches(ctx context.Context, userID string, conversationID string) ([]BranchSummary, error)
	TouchBranch(ctx context.Context, userID string, conversationID string, branchID string) error

	// Messages
	//
	// AppendMessage assigns the message id and a per-branch strictly
	// non-decreasing timestamp, then touches the branch and conversation.
	AppendMessage(ctx context.Context, userID string, conversationID string, branchID string, role model.Role, content string) (*ChatMessage, error)
	// ListMessages returns the branch's messages in ascending timestamp
	// order. A branch with no messages yields an empty slice.
	ListMessages(ctx context.Context, userID string, conversationID string, branchID string) ([]ChatMessage, error)

	// CreateBranchFromMessage forks SourceBranchID at MessageID: it creates
	// the new branch with parent linkage and appends copies of the source
	// messages up to and including the cut, preserving order with fresh ids
	// and timestamps. An unknown cut message is NotFoundError{Resource:
	// "message"} and nothing is created.
	CreateBranchFromMessage(ctx context.Context, userID string, req ForkRequest) (*BranchSummary, error)
}

// DeriveBranchID builds a branch id for a fork when the caller did not
// supply one: a sanitized name (or "branch"), the current millisecond
// timestamp, and an 8-char fragment of the cut message id.
func DeriveBranchID(name *string, cutMessageID string) string {
	prefix := "branch"
	if name != nil {
		if s := sanitizeIDPrefix(*name); s != "" {
			prefix = s
		}
	}
	frag := strings.ReplaceAll(cutMessageID, "-", "")
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), frag)
}

func sanitizeIDPrefix(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
