package branches_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chirino/thread-service/internal/config"
	"github.com/chirino/thread-service/internal/model"
	"github.com/chirino/thread-service/internal/plugin/route/branches"
	"github.com/chirino/thread-service/internal/plugin/store/postgres"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRouter(t *testing.T) (*gin.Engine, registrystore.ChatStore) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Conversation{}, &model.Branch{}, &model.Message{}))

	cfg := config.DefaultConfig()
	store, err := postgres.NewStore(db, &cfg, nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set("userID", strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		c.Next()
	}
	branches.MountRoutes(router, store, auth)
	return router, store
}

// seedHistory creates a conversation with three messages on main and returns
// their ids in order.
func seedHistory(t *testing.T, store registrystore.ChatStore, userID, convID string) []string {
	t.Helper()
	ctx := context.Background()
	_, err := store.GetOrCreateConversation(ctx, userID, convID)
	require.NoError(t, err)
	_, err = store.GetOrCreateBranch(ctx, userID, convID, model.MainBranchID, registrystore.BranchOptions{})
	require.NoError(t, err)

	ids := make([]string, 0, 3)
	for i, content := range []string{"one", "two", "three"} {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msg, err := store.AppendMessage(ctx, userID, convID, model.MainBranchID, role, content)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	return ids
}

func postFork(t *testing.T, router *gin.Engine, userID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/branches", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestForkBranch_CopiesPrefix(t *testing.T) {
	router, store := setupRouter(t)
	ids := seedHistory(t, store, "alice", "conv-a")

	w := postFork(t, router, "alice", map[string]any{
		"conversationId":  "conv-a",
		"parentBranchId":  "main",
		"parentMessageId": ids[1],
		"name":            "alt take",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var branch registrystore.BranchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &branch))
	assert.True(t, strings.HasPrefix(branch.ID, "alt-take-"), branch.ID)
	require.NotNil(t, branch.ParentBranchID)
	assert.Equal(t, "main", *branch.ParentBranchID)
	require.NotNil(t, branch.ParentMessageID)
	assert.Equal(t, ids[1], *branch.ParentMessageID)

	copied, err := store.ListMessages(context.Background(), "alice", "conv-a", branch.ID)
	require.NoError(t, err)
	require.Len(t, copied, 2)
	assert.Equal(t, "one", copied[0].Content)
	assert.Equal(t, "two", copied[1].Content)
	// Copies are new messages, not shared rows.
	assert.NotEqual(t, ids[0], copied[0].ID)
	assert.NotEqual(t, ids[1], copied[1].ID)

	// The source branch is untouched.
	source, err := store.ListMessages(context.Background(), "alice", "conv-a", "main")
	require.NoError(t, err)
	assert.Len(t, source, 3)
}

func TestForkBranch_ExplicitBranchID(t *testing.T) {
	router, store := setupRouter(t)
	ids := seedHistory(t, store, "alice", "conv-a")

	w := postFork(t, router, "alice", map[string]any{
		"conversationId":  "conv-a",
		"parentBranchId":  "main",
		"parentMessageId": ids[0],
		"branchId":        "retry-1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var branch registrystore.BranchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &branch))
	assert.Equal(t, "retry-1", branch.ID)
}

func TestForkBranch_UnknownCutMessage(t *testing.T) {
	router, store := setupRouter(t)
	seedHistory(t, store, "alice", "conv-a")

	w := postFork(t, router, "alice", map[string]any{
		"conversationId":  "conv-a",
		"parentBranchId":  "main",
		"parentMessageId": uuid.NewString(),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Nothing was created by the failed fork.
	all, err := store.ListBranches(context.Background(), "alice", "conv-a")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "main", all[0].ID)
}

func TestForkBranch_NonOwnerForbidden(t *testing.T) {
	router, store := setupRouter(t)
	ids := seedHistory(t, store, "alice", "conv-a")

	w := postFork(t, router, "bob", map[string]any{
		"conversationId":  "conv-a",
		"parentBranchId":  "main",
		"parentMessageId": ids[0],
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestForkBranch_MainIsReserved(t *testing.T) {
	router, store := setupRouter(t)
	ids := seedHistory(t, store, "alice", "conv-a")

	w := postFork(t, router, "alice", map[string]any{
		"conversationId":  "conv-a",
		"parentBranchId":  "main",
		"parentMessageId": ids[0],
		"branchId":        "main",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForkBranch_MissingFields(t *testing.T) {
	router, _ := setupRouter(t)

	w := postFork(t, router, "alice", map[string]any{
		"parentBranchId":  "main",
		"parentMessageId": uuid.NewString(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
