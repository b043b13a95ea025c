package conversations_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chirino/thread-service/internal/config"
	"github.com/chirino/thread-service/internal/model"
	"github.com/chirino/thread-service/internal/plugin/route/conversations"
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
	conversations.MountRoutes(router, store, auth)
	return router, store
}

func doGet(t *testing.T, router *gin.Engine, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedConversation(t *testing.T, store registrystore.ChatStore, userID, convID string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.GetOrCreateConversation(ctx, userID, convID)
	require.NoError(t, err)
	_, err = store.GetOrCreateBranch(ctx, userID, convID, model.MainBranchID, registrystore.BranchOptions{})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, userID, convID, model.MainBranchID, model.RoleUser, "hi")
	require.NoError(t, err)
}

func TestAllocateConversationID(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, err := uuid.Parse(resp["conversationId"])
	assert.NoError(t, err)
}

func TestListConversations_OnlyOwned(t *testing.T) {
	router, store := setupRouter(t)
	seedConversation(t, store, "alice", "conv-a")
	seedConversation(t, store, "bob", "conv-b")

	w := doGet(t, router, "/v1/conversations", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []registrystore.ConversationSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "conv-a", resp.Data[0].ID)
}

func TestDeleteConversation(t *testing.T) {
	router, store := setupRouter(t)
	seedConversation(t, store, "alice", "conv-a")

	del := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/v1/conversations/conv-a", nil)
		req.Header.Set("Authorization", "Bearer "+userID)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusForbidden, del("bob").Code)
	assert.Equal(t, http.StatusNoContent, del("alice").Code)
	// Deleting again reports not found rather than failing hard.
	assert.Equal(t, http.StatusNotFound, del("alice").Code)
}

func TestListBranches_UnknownConversationIsEmpty(t *testing.T) {
	router, _ := setupRouter(t)

	w := doGet(t, router, "/v1/conversations/nope/branches", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []registrystore.BranchSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
}

func TestListMessages(t *testing.T) {
	router, store := setupRouter(t)
	seedConversation(t, store, "alice", "conv-a")

	w := doGet(t, router, "/v1/conversations/conv-a/branches/main/messages", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []registrystore.ChatMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "hi", resp.Data[0].Content)

	// A branch nobody has written to reads as empty, not as an error.
	empty := doGet(t, router, "/v1/conversations/conv-a/branches/other/messages", "alice")
	require.Equal(t, http.StatusOK, empty.Code)
	require.NoError(t, json.Unmarshal(empty.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)

	// Another user's read of an owned conversation is forbidden.
	forbidden := doGet(t, router, "/v1/conversations/conv-a/branches/main/messages", "bob")
	assert.Equal(t, http.StatusForbidden, forbidden.Code)
}
