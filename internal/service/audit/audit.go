// Package audit 记录安全相关事件（越权访问、身份不匹配）
// 事件写入 Redis Stream 供外部消费，审计失败绝不中断请求主流程
package audit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
)

const (
	// 审计流的 Redis key 与近似保留长度
	streamKey    = "audit:security"
	streamMaxLen = 10000
)

type ctxKey int

const traceIDKey ctxKey = iota

// WithTraceID 把请求追踪 ID 写入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFrom 从 context 读取追踪 ID，缺失时返回空串
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// Event 安全审计事件
type Event struct {
	TraceID      string
	UserID       string      // 发起请求的认证主体
	TargetUserID string      // 被访问资源的属主，跨用户场景填写
	Code         apperr.Code // 触发事件的错误码
	Detail       string
	At           time.Time
}

// Sink 审计事件落点
// Record 不返回错误：落点故障由实现自行记录，调用方无需处理
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// RedisSink 把事件追加到容量受限的 Redis Stream，并镜像一条结构化日志
type RedisSink struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSink 创建 Redis 审计落点
func NewRedisSink(client *redis.Client, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, logger: logger}
}

// Record 写入审计流，失败仅告警
func (s *RedisSink) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.TraceID == "" {
		ev.TraceID = TraceIDFrom(ctx)
	}

	s.logger.Warn("security event",
		zap.String("code", string(ev.Code)),
		zap.String("user_id", ev.UserID),
		zap.String("target_user_id", ev.TargetUserID),
		zap.String("trace_id", ev.TraceID),
		zap.String("detail", ev.Detail))

	values := map[string]interface{}{
		"trace_id": ev.TraceID,
		"user_id":  ev.UserID,
		"code":     string(ev.Code),
		"detail":   ev.Detail,
		"at":       ev.At.Format(time.RFC3339Nano),
	}
	if ev.TargetUserID != "" {
		values["target_user_id"] = ev.TargetUserID
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		s.logger.Warn("failed to record audit event",
			zap.String("code", string(ev.Code)),
			zap.Error(err))
	}
}

// NopSink 丢弃所有事件，用于关闭审计的部署和测试
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}

var (
	_ Sink = (*RedisSink)(nil)
	_ Sink = NopSink{}
)
