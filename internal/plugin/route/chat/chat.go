package chat

import (
	"errors"
	"net/http"
	"strings"

	"github.com/chirino/thread-service/internal/config"
	"github.com/chirino/thread-service/internal/model"
	registrygenai "github.com/chirino/thread-service/internal/registry/genai"
	registryroute "github.com/chirino/thread-service/internal/registry/route"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	"github.com/chirino/thread-service/internal/security"
	"github.com/chirino/thread-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 90,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the chat route on the given router.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, responder registrygenai.Responder, titles *service.TitleSynthesizer, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/chat", func(c *gin.Context) {
		chatTurn(c, store, responder, titles, cfg)
	})
}

// chatTurn runs one user turn: it ensures the conversation and branch
// exist, appends the user message, generates the assistant reply from the
// full branch history, and appends the reply. Title synthesis is handed to
// the background queue and never delays or fails the response.
func chatTurn(c *gin.Context, store registrystore.ChatStore, responder registrygenai.Responder, titles *service.TitleSynthesizer, cfg *config.Config) {
	userID := security.GetUserID(c)
	var req struct {
		ConversationID string `json:"conversationId"`
		BranchID       string `json:"branchId"`
		Message        string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "message is required"})
		return
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	branchID := req.BranchID
	if branchID == "" {
		branchID = model.MainBranchID
	}

	ctx := c.Request.Context()

	conv, err := store.GetOrCreateConversation(ctx, userID, conversationID)
	if err != nil {
		handleError(c, err)
		return
	}
	if _, err := store.GetOrCreateBranch(ctx, userID, conversationID, branchID, registrystore.BranchOptions{}); err != nil {
		handleError(c, err)
		return
	}

	history, err := store.ListMessages(ctx, userID, conversationID, branchID)
	if err != nil {
		handleError(c, err)
		return
	}

	userMsg, err := store.AppendMessage(ctx, userID, conversationID, branchID, model.RoleUser, req.Message)
	if err != nil {
		handleError(c, err)
		return
	}

	reply, err := responder.Generate(ctx, append(history, *userMsg))
	if err != nil {
		handleError(c, err)
		return
	}

	assistantMsg, err := store.AppendMessage(ctx, userID, conversationID, branchID, model.RoleAssistant, reply)
	if err != nil {
		handleError(c, err)
		return
	}

	// First user turn on main of an untitled conversation kicks off title
	// synthesis. The request is queued and processed outside this handler.
	if cfg.TitleSynthesisEnabled && titles != nil &&
		branchID == model.MainBranchID && len(history) == 0 && conv.Title == "" {
		titles.Enqueue(service.TitleRequest{
			ConversationID: conversationID,
			OwnerUserID:    userID,
			FirstMessage:   req.Message,
		})
	}

	if security.ChatTurnsTotal != nil {
		security.ChatTurnsTotal.Inc()
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": conversationID,
		"branchId":       branchID,
		"messages":       []registrystore.ChatMessage{*userMsg, *assistantMsg},
	})
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
