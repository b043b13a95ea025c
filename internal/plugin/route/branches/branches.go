package branches

import (
	"errors"
	"net/http"

	registryroute "github.com/chirino/thread-service/internal/registry/route"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	"github.com/chirino/thread-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts branch routes on the given router.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/branches", func(c *gin.Context) {
		forkBranch(c, store)
	})
}

// forkBranch creates a new branch from an existing message: the source
// branch's messages up to and including the cut point are copied into the
// new branch.
func forkBranch(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)
	var req struct {
		ConversationID  string  `json:"conversationId"`
		ParentBranchID  string  `json:"parentBranchId"`
		ParentMessageID string  `json:"parentMessageId"`
		BranchID        *string `json:"branchId"`
		Name            *string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "conversationId is required"})
		return
	}
	if req.ParentBranchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "parentBranchId is required"})
		return
	}
	if req.ParentMessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "parentMessageId is required"})
		return
	}

	branch, err := store.CreateBranchFromMessage(c.Request.Context(), userID, registrystore.ForkRequest{
		ConversationID: req.ConversationID,
		SourceBranchID: req.ParentBranchID,
		MessageID:      req.ParentMessageID,
		BranchID:       req.BranchID,
		Name:           req.Name,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	if security.BranchForksTotal != nil {
		security.BranchForksTotal.Inc()
	}
	c.JSON(http.StatusOK, branch)
}

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
