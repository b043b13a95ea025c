package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chirino/thread-service/internal/config"
	"github.com/chirino/thread-service/internal/model"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestStore builds the store on an in-memory sqlite database. The store
// only uses portable gorm queries, so the same code path serves both drivers.
func setupTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	err = db.AutoMigrate(&model.Conversation{}, &model.Branch{}, &model.Message{})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	return &PostgresStore{db: db, cfg: &cfg}, config.WithContext(context.Background(), &cfg)
}

func seedBranch(t *testing.T, s *PostgresStore, ctx context.Context, userID, convID, branchID string) {
	t.Helper()
	_, err := s.GetOrCreateConversation(ctx, userID, convID)
	require.NoError(t, err)
	_, err = s.GetOrCreateBranch(ctx, userID, convID, branchID, registrystore.BranchOptions{})
	require.NoError(t, err)
}

func TestGetOrCreateConversation_Idempotent(t *testing.T) {
	s, ctx := setupTestStore(t)

	first, err := s.GetOrCreateConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", first.ID)
	assert.Equal(t, "alice", first.OwnerUserID)

	again, err := s.GetOrCreateConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)
	assert.True(t, first.CreatedAt.Equal(again.CreatedAt), "created at must not change: %v vs %v", first.CreatedAt, again.CreatedAt)

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestGetOrCreateConversation_OtherOwnerForbidden(t *testing.T) {
	s, ctx := setupTestStore(t)

	_, err := s.GetOrCreateConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)

	_, err = s.GetOrCreateConversation(ctx, "mallory", "conv-1")
	var forbidden *ForbiddenError
	require.True(t, errors.As(err, &forbidden), "expected forbidden, got %v", err)
}

func TestIsOwner(t *testing.T) {
	s, ctx := setupTestStore(t)

	owns, err := s.IsOwner(ctx, "missing", "alice")
	require.NoError(t, err)
	assert.False(t, owns)

	_, err = s.GetOrCreateConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)

	owns, err = s.IsOwner(ctx, "conv-1", "alice")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = s.IsOwner(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.False(t, owns)
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	s, ctx := setupTestStore(t)

	seedBranch(t, s, ctx, "alice", "conv-a", model.MainBranchID)
	seedBranch(t, s, ctx, "alice", "conv-b", model.MainBranchID)

	// Activity on conv-a makes it the most recent.
	_, err := s.AppendMessage(ctx, "alice", "conv-a", model.MainBranchID, model.RoleUser, "hi")
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "conv-a", convs[0].ID)

	// Other users see nothing.
	convs, err = s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestAppendAndListMessages(t *testing.T) {
	s, ctx := setupTestStore(t)
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)

	msgs, err := s.ListMessages(ctx, "alice", "conv-1", model.MainBranchID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	m1, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleUser, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, m1.ID)
	m2, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleAssistant, "hi there")
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, m2.ID)

	msgs, err = s.ListMessages(ctx, "alice", "conv-1", model.MainBranchID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi there", msgs[1].Content)
	assert.True(t, msgs[0].Timestamp.Before(msgs[1].Timestamp))
}

func TestAppendMessage_TimestampsNeverRegress(t *testing.T) {
	s, ctx := setupTestStore(t)
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)

	var prev *registrystore.ChatMessage
	for i := 0; i < 10; i++ {
		m, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		if prev != nil {
			assert.True(t, prev.Timestamp.Before(m.Timestamp), "timestamps must increase")
		}
		prev = m
	}
}

func TestAppendMessage_SystemRole(t *testing.T) {
	s, ctx := setupTestStore(t)
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)

	_, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleSystem, "you are a helpful assistant")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "alice", "conv-1", model.MainBranchID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)

	_, err = s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.Role("robot"), "beep")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "role", ve.Field)
}

func TestAppendMessage_UnknownBranch(t *testing.T) {
	s, ctx := setupTestStore(t)
	_, err := s.GetOrCreateConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, "alice", "conv-1", "nope", model.RoleUser, "hello")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "branch", nf.Resource)
}

func TestListMessages_UnknownConversationIsEmpty(t *testing.T) {
	s, ctx := setupTestStore(t)

	msgs, err := s.ListMessages(ctx, "alice", "missing", model.MainBranchID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListBranches(t *testing.T) {
	s, ctx := setupTestStore(t)

	branches, err := s.ListBranches(ctx, "alice", "missing")
	require.NoError(t, err)
	assert.Empty(t, branches)

	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)
	branches, err = s.ListBranches(ctx, "alice", "conv-1")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, model.MainBranchID, branches[0].ID)
	assert.Nil(t, branches[0].ParentBranchID)

	_, err = s.ListBranches(ctx, "mallory", "conv-1")
	var forbidden *ForbiddenError
	require.True(t, errors.As(err, &forbidden))
}

func TestGetOrCreateBranch_ParentPairValidation(t *testing.T) {
	s, ctx := setupTestStore(t)
	_, err := s.GetOrCreateConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)

	parent := model.MainBranchID
	_, err = s.GetOrCreateBranch(ctx, "alice", "conv-1", "b1", registrystore.BranchOptions{ParentBranchID: &parent})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestDeleteConversation_Cascades(t *testing.T) {
	s, ctx := setupTestStore(t)
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)
	_, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleUser, "hello")
	require.NoError(t, err)

	// A non-owner cannot delete.
	err = s.DeleteConversation(ctx, "mallory", "conv-1")
	var forbidden *ForbiddenError
	require.True(t, errors.As(err, &forbidden))

	err = s.DeleteConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)

	var count int64
	require.NoError(t, s.db.Model(&model.Message{}).Where("conversation_id = ?", "conv-1").Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, s.db.Model(&model.Branch{}).Where("conversation_id = ?", "conv-1").Count(&count).Error)
	assert.Zero(t, count)

	// Repeat delete reports not found rather than failing hard.
	err = s.DeleteConversation(ctx, "alice", "conv-1")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
}

func TestSetTitleIfEmpty(t *testing.T) {
	s, ctx := setupTestStore(t)
	_, err := s.GetOrCreateConversation(ctx, "alice", "conv-1")
	require.NoError(t, err)

	require.NoError(t, s.SetTitleIfEmpty(ctx, "alice", "conv-1", "First title"))
	require.NoError(t, s.SetTitleIfEmpty(ctx, "alice", "conv-1", "Second title"))

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "First title", convs[0].Title)
}

func TestCreateBranchFromMessage_CopiesPrefix(t *testing.T) {
	s, ctx := setupTestStore(t)
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)

	var ids []string
	for _, content := range []string{"hello", "hi, how can I help?", "tell me a joke", "knock knock"} {
		role := model.RoleUser
		if len(ids)%2 == 1 {
			role = model.RoleAssistant
		}
		m, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, role, content)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	name := "greeting"
	branch, err := s.CreateBranchFromMessage(ctx, "alice", registrystore.ForkRequest{
		ConversationID: "conv-1",
		SourceBranchID: model.MainBranchID,
		MessageID:      ids[1],
		Name:           &name,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(branch.ID, "greeting-"), branch.ID)
	require.NotNil(t, branch.ParentBranchID)
	assert.Equal(t, model.MainBranchID, *branch.ParentBranchID)
	require.NotNil(t, branch.ParentMessageID)
	assert.Equal(t, ids[1], *branch.ParentMessageID)

	copied, err := s.ListMessages(ctx, "alice", "conv-1", branch.ID)
	require.NoError(t, err)
	require.Len(t, copied, 2)
	assert.Equal(t, "hello", copied[0].Content)
	assert.Equal(t, "hi, how can I help?", copied[1].Content)
	// Copies carry fresh ids.
	assert.NotEqual(t, ids[0], copied[0].ID)
	assert.NotEqual(t, ids[1], copied[1].ID)

	// Source branch is untouched.
	source, err := s.ListMessages(ctx, "alice", "conv-1", model.MainBranchID)
	require.NoError(t, err)
	assert.Len(t, source, 4)
}

func TestCreateBranchFromMessage_UnknownCutMessage(t *testing.T) {
	s, ctx := setupTestStore(t)
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)
	_, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleUser, "hello")
	require.NoError(t, err)

	branchID := "fork-1"
	_, err = s.CreateBranchFromMessage(ctx, "alice", registrystore.ForkRequest{
		ConversationID: "conv-1",
		SourceBranchID: model.MainBranchID,
		MessageID:      "00000000-0000-0000-0000-000000000000",
		BranchID:       &branchID,
	})
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "message", nf.Resource)

	// Nothing was created.
	branches, err := s.ListBranches(ctx, "alice", "conv-1")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, model.MainBranchID, branches[0].ID)
}

func TestCreateBranchFromMessage_MainReserved(t *testing.T) {
	s, ctx := setupTestStore(t)
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)
	m, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleUser, "hello")
	require.NoError(t, err)

	mainID := model.MainBranchID
	_, err = s.CreateBranchFromMessage(ctx, "alice", registrystore.ForkRequest{
		ConversationID: "conv-1",
		SourceBranchID: model.MainBranchID,
		MessageID:      m.ID,
		BranchID:       &mainID,
	})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestEncryptionRoundTrip(t *testing.T) {
	s, ctx := setupTestStore(t)
	require.NoError(t, s.setupEncryption("00112233445566778899aabbccddeeff"))
	seedBranch(t, s, ctx, "alice", "conv-1", model.MainBranchID)

	_, err := s.AppendMessage(ctx, "alice", "conv-1", model.MainBranchID, model.RoleUser, "secret text")
	require.NoError(t, err)

	// Raw row holds ciphertext, not the plaintext.
	var raw model.Message
	require.NoError(t, s.db.Where("conversation_id = ?", "conv-1").First(&raw).Error)
	assert.NotEqual(t, []byte("secret text"), raw.Content)

	msgs, err := s.ListMessages(ctx, "alice", "conv-1", model.MainBranchID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "secret text", msgs[0].Content)
}
