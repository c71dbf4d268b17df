package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/repository"
)

// SimulateHandler injects a notification as if an upstream HRMS module had
// produced it. The insert commits the row and its created event atomically;
// the outbox dispatcher pushes the event to this session's own stream.
type SimulateHandler struct {
	repo   *repository.NotificationRepository
	logger *zap.Logger
}

func NewSimulateHandler(repo *repository.NotificationRepository, logger *zap.Logger) *SimulateHandler {
	return &SimulateHandler{
		repo:   repo,
		logger: logger,
	}
}

// SimulateNotification handles POST /notifications/simulate
func (h *SimulateHandler) SimulateNotification(c *gin.Context) {
	var req struct {
		Type      string `json:"type"`
		Priority  string `json:"priority"`
		Title     string `json:"title"`
		Body      string `json:"body"`
		ActionRef string `json:"action_ref"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	if req.Type == "" {
		req.Type = string(model.TypeSystemAnnouncement)
	}
	if req.Priority == "" {
		req.Priority = string(model.PriorityNormal)
	}

	n := &model.Notification{
		ID:          uuid.NewString(),
		RecipientID: userID.(string),
		Type:        model.Type(req.Type),
		Priority:    model.Priority(req.Priority),
		Title:       req.Title,
		Body:        req.Body,
		ActionRef:   req.ActionRef,
	}

	if err := h.repo.Insert(c.Request.Context(), n); err != nil {
		h.logger.Error("Failed to create simulated notification",
			zap.String("id", n.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     n.ID,
		"status": "queued",
	})
}
