package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/session"
	"github.com/agenthost/agenthost/internal/storage"
)

// SetupRoutes configures the session API routes.
func SetupRoutes(router *gin.Engine, host *session.Host, registry *profiles.Registry, store storage.Adapter, log *logger.Logger) {
	handler := NewHandler(host, registry, store, log)

	router.GET("/healthz", handler.Healthz)

	api := router.Group("/v1")
	{
		sessions := api.Group("/sessions")
		{
			sessions.POST("", handler.CreateSession)
			sessions.GET("", handler.ListSessions)
			sessions.GET("/:sessionId", handler.GetSession)
			sessions.POST("/:sessionId/messages", handler.SendMessage)
			sessions.POST("/:sessionId/unload", handler.UnloadSession)
			sessions.POST("/:sessionId/terminate-ee", handler.TerminateEE)
			sessions.GET("/:sessionId/debug-events", handler.DebugEvents)
			sessions.GET("/:sessionId/logs", handler.Logs)
			sessions.DELETE("/:sessionId", handler.DeleteSession)
		}

		api.GET("/profiles", handler.ListProfiles)
	}
}
