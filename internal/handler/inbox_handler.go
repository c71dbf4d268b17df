package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/inbox"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/repository"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/circuitbreaker"
)

// InboxHandler serves the recipient's inbox from the local store and routes
// mutations through the coordinator. Reads never touch the database; the
// store is the single source of truth for the presentation layer.
type InboxHandler struct {
	engine      *inbox.Engine
	coordinator *inbox.Coordinator
	logger      *zap.Logger
}

func NewInboxHandler(engine *inbox.Engine, coordinator *inbox.Coordinator, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{
		engine:      engine,
		coordinator: coordinator,
		logger:      logger,
	}
}

// List handles GET /inbox
func (h *InboxHandler) List(c *gin.Context) {
	var filter model.ListFilter
	if t := c.Query("type"); t != "" {
		filter.Type = model.Type(t)
	}
	if v := c.Query("is_read"); v != "" {
		isRead, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid is_read"})
			return
		}
		filter.IsRead = &isRead
	}

	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	store := h.engine.Store()
	records, total := store.List(filter, model.Page{Offset: offset, Limit: limit})

	c.JSON(http.StatusOK, gin.H{
		"records":      records,
		"total_count":  total,
		"unread_count": store.UnreadCount(),
	})
}

// UnreadCount handles GET /inbox/unread_count
func (h *InboxHandler) UnreadCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"unread_count": h.engine.Store().UnreadCount(),
	})
}

// MarkRead handles POST /inbox/:id/read
func (h *InboxHandler) MarkRead(c *gin.Context) {
	id := c.Param("id")
	if err := h.coordinator.MarkRead(c.Request.Context(), id); err != nil {
		h.respondMutationError(c, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"unread_count": h.engine.Store().UnreadCount(),
	})
}

// MarkAllRead handles POST /inbox/read_all
func (h *InboxHandler) MarkAllRead(c *gin.Context) {
	updated, err := h.coordinator.MarkAllRead(c.Request.Context())
	if err != nil {
		h.respondMutationError(c, "mark all read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"updated":      updated,
		"unread_count": h.engine.Store().UnreadCount(),
	})
}

// Delete handles DELETE /inbox/:id
func (h *InboxHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.coordinator.Delete(c.Request.Context(), id); err != nil {
		h.respondMutationError(c, "delete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "deleted",
		"unread_count": h.engine.Store().UnreadCount(),
	})
}

// Resync handles POST /inbox/resync
func (h *InboxHandler) Resync(c *gin.Context) {
	h.engine.RequestResync()
	c.JSON(http.StatusAccepted, gin.H{"status": "resync_scheduled"})
}

// respondMutationError maps coordinator failures onto status codes. A
// conflict means the local view was already refreshed from the server, so
// the client only needs to refetch.
func (h *InboxHandler) respondMutationError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, inbox.ErrNoRecord):
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "notification changed remotely, local view refreshed"})
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend unavailable"})
	default:
		h.logger.Error("Mutation failed",
			zap.String("operation", operation),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "mutation failed, change rolled back"})
	}
}
