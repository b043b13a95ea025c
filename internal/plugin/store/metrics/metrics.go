package metrics

import (
	"context"
	"time"

	"github.com/chirino/thread-service/internal/model"
	"github.com/chirino/thread-service/internal/registry/store"
	"github.com/chirino/thread-service/internal/security"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetOrCreateConversation(ctx context.Context, userID string, conversationID string) (*store.ConversationSummary, error) {
	defer observe("get_or_create_conversation", time.Now())
	return m.inner.GetOrCreateConversation(ctx, userID, conversationID)
}

func (m *metricsStore) IsOwner(ctx context.Context, conversationID string, userID string) (bool, error) {
	defer observe("is_owner", time.Now())
	return m.inner.IsOwner(ctx, conversationID, userID)
}

func (m *metricsStore) ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, userID)
}

func (m *metricsStore) TouchConversation(ctx context.Context, userID string, conversationID string) error {
	defer observe("touch_conversation", time.Now())
	return m.inner.TouchConversation(ctx, userID, conversationID)
}

func (m *metricsStore) SetTitleIfEmpty(ctx context.Context, userID string, conversationID string, title string) error {
	defer observe("set_title_if_empty", time.Now())
	return m.inner.SetTitleIfEmpty(ctx, userID, conversationID, title)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, userID string, conversationID string) error {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, userID, conversationID)
}

func (m *metricsStore) GetOrCreateBranch(ctx context.Context, userID string, conversationID string, branchID string, opts store.BranchOptions) (*store.BranchSummary, error) {
	defer observe("get_or_create_branch", time.Now())
	return m.inner.GetOrCreateBranch(ctx, userID, conversationID, branchID, opts)
}

func (m *metricsStore) ListBranches(ctx context.Context, userID string, conversationID string) ([]store.BranchSummary, error) {
	defer observe("list_branches", time.Now())
	return m.inner.ListBranches(ctx, userID, conversationID)
}

func (m *metricsStore) TouchBranch(ctx context.Context, userID string, conversationID string, branchID string) error {
	defer observe("touch_branch", time.Now())
	return m.inner.TouchBranch(ctx, userID, conversationID, branchID)
}

func (m *metricsStore) AppendMessage(ctx context.Context, userID string, conversationID string, branchID string, role model.Role, content string) (*store.ChatMessage, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, userID, conversationID, branchID, role, content)
}

func (m *metricsStore) ListMessages(ctx context.Context, userID string, conversationID string, branchID string) ([]store.ChatMessage, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, userID, conversationID, branchID)
}

func (m *metricsStore) CreateBranchFromMessage(ctx context.Context, userID string, req store.ForkRequest) (*store.BranchSummary, error) {
	defer observe("create_branch_from_message", time.Now())
	return m.inner.CreateBranchFromMessage(ctx, userID, req)
}
