package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
)

// Recovery panic 恢复中间件
// 堆栈只进日志，响应体不携带任何内部细节
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":     string(apperr.CodeInternal),
					"msg":      "internal error",
					"trace_id": audit.TraceIDFrom(c.Request.Context()),
				})
			}
		}()
		c.Next()
	}
}
