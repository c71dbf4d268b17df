package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/handler"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/rbac"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	inboxHandler *handler.InboxHandler,
	simulateHandler *handler.SimulateHandler,
	adminHandler *handler.AdminHandler,
	recipientID string,
	jwtSecret string,
	db *pgxpool.Pool,
) *Router {
	r := gin.Default()
	r.Use(TraceMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected: the inbox surface serves exactly one recipient
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret), RequireRecipient(recipientID))
	{
		auth.GET("/inbox", inboxHandler.List)
		auth.GET("/inbox/unread_count", inboxHandler.UnreadCount)
		auth.POST("/inbox/:id/read", inboxHandler.MarkRead)
		auth.POST("/inbox/read_all", inboxHandler.MarkAllRead)
		auth.DELETE("/inbox/:id", inboxHandler.Delete)
		auth.POST("/inbox/resync", inboxHandler.Resync)
		auth.POST("/notifications/simulate",
			RequirePermission(rbac.PermissionSimulateNotification),
			simulateHandler.SimulateNotification)
	}

	// Admin: outbox maintenance is not scoped to the session recipient
	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(jwtSecret), RequirePermission(rbac.PermissionReplayOutbox))
	{
		admin.GET("/outbox/failed", adminHandler.ListFailedEvents)
		admin.POST("/outbox/replay", adminHandler.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", adminHandler.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
