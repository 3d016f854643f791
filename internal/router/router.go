package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/handler"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/middleware"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service"
)

// SetupRouter 设置路由
// 所有用户路由都挂在认证之后，对话端点再叠加限流
func SetupRouter(h *handler.Handlers, svc *service.Services, counter middleware.Counter, logger *zap.Logger) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"name":    svc.Config.App.Name,
			"version": svc.Config.App.Version,
		})
	})

	perMinute := 0
	if svc.Config.RateLimit.Enabled {
		perMinute = svc.Config.RateLimit.PerMinute
	}

	// API v1
	v1 := r.Group("/api/v1")
	{
		users := v1.Group("/users/:user_id")
		users.Use(middleware.RequireAuth(svc.Auth, svc.Audit))
		{
			users.POST("/chat", middleware.RateLimit(counter, perMinute, logger), h.Chat.Chat)
			users.POST("/conversations", h.Chat.CreateConversation)
			users.GET("/conversations", h.Chat.ListConversations)
			users.GET("/conversations/:conversation_id/messages", h.Chat.ListMessages)
		}
	}

	return r
}
