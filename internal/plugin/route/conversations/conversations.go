package conversations

import (
	"errors"
	"net/http"

	registryroute "github.com/chirino/thread-service/internal/registry/route"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	"github.com/chirino/thread-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts conversation routes on the given router.
// Called after store initialization so the store is available.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, store)
	})
	g.POST("/conversations", func(c *gin.Context) {
		allocateConversationID(c)
	})
	g.DELETE("/conversations/:conversationId", func(c *gin.Context) {
		deleteConversation(c, store)
	})
	g.GET("/conversations/:conversationId/branches", func(c *gin.Context) {
		listBranches(c, store)
	})
	g.GET("/conversations/:conversationId/branches/:branchId/messages", func(c *gin.Context) {
		listMessages(c, store)
	})
}

func listConversations(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)

	summaries, err := store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summaries})
}

// allocateConversationID hands out a fresh conversation id. The conversation
// row itself is created lazily on the first chat turn that uses the id.
func allocateConversationID(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"conversationId": uuid.NewString()})
}

func deleteConversation(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)
	convID := c.Param("conversationId")

	if err := store.DeleteConversation(c.Request.Context(), userID, convID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func listBranches(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)
	convID := c.Param("conversationId")

	branches, err := store.ListBranches(c.Request.Context(), userID, convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": branches})
}

func listMessages(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)
	convID := c.Param("conversationId")
	branchID := c.Param("branchId")

	messages, err := store.ListMessages(c.Request.Context(), userID, convID, branchID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": messages})
}

// --- Helpers ---

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
