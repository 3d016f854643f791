package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
)

// Logging 请求日志中间件
// 为每个请求生成追踪 ID 注入 context 并回写响应头
// 只记录请求元数据，消息正文和令牌内容永不落日志
func Logging(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Request = c.Request.WithContext(audit.WithTraceID(c.Request.Context(), traceID))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("trace_id", traceID),
			zap.String("client_ip", c.ClientIP()))
	}
}
