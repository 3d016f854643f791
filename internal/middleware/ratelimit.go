package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
)

// Counter 固定窗口计数能力
type Counter interface {
	// Incr 自增指定 key 的窗口计数并返回自增后的值
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounter 基于 Redis 的窗口计数器
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter 创建 Redis 计数器
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr INCR + EXPIRE 打包在一个事务管线里提交
// key 自带窗口桶号，重复续期不会延长实际窗口
func (r *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

const rateLimitWindow = time.Minute

// RateLimit 按认证用户的固定窗口限流
// Redis 故障时放行并告警：限流器自身的故障不应把服务一起带下线
func RateLimit(counter Counter, perMinute int, logger *zap.Logger) gin.HandlerFunc {
	windowSecs := int64(rateLimitWindow.Seconds())
	return func(c *gin.Context) {
		if perMinute <= 0 || counter == nil {
			c.Next()
			return
		}
		user, ok := CurrentUser(c)
		if !ok {
			// 限流挂在认证之后，到不了这里说明路由配置有误
			c.Next()
			return
		}

		now := time.Now().Unix()
		key := fmt.Sprintf("ratelimit:%s:%d", user.UserID, now/windowSecs)
		n, err := counter.Incr(c.Request.Context(), key, rateLimitWindow+10*time.Second)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request",
				zap.String("user_id", user.UserID),
				zap.Error(err))
			c.Next()
			return
		}

		if n > int64(perMinute) {
			retryAfter := windowSecs - now%windowSecs
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			abortWithError(c, apperr.Newf(apperr.CategoryRateLimit, apperr.CodeTooManyRequests,
				"rate limit of %d requests per minute exceeded", perMinute))
			return
		}
		c.Next()
	}
}
