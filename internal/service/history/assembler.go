// Package history 把持久化的会话消息组装成推理上下文
// 窗口上限与 token 预算都在这里裁决，输出永远按时间升序
package history

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// MessageStore 组装器依赖的消息读取能力
type MessageStore interface {
	ListRecentMessages(ctx context.Context, userID, conversationID string, limit int) ([]*model.Message, error)
	CountMessages(ctx context.Context, userID, conversationID string) (int64, error)
}

// Options 组装参数，零值字段回落到内置默认
type Options struct {
	MaxMessages      int // 取回的历史消息上限
	ModelTokenLimit  int // 模型上下文窗口
	ReservePercent   int // 预留给回复的比例
	SummaryThreshold int // 丢弃数超过该值时插入摘要占位
}

const (
	defaultMaxMessages      = 50
	defaultModelTokenLimit  = 8192
	defaultReservePercent   = 20
	defaultSummaryThreshold = 10
)

func (o Options) withDefaults() Options {
	if o.MaxMessages <= 0 {
		o.MaxMessages = defaultMaxMessages
	}
	if o.ModelTokenLimit <= 0 {
		o.ModelTokenLimit = defaultModelTokenLimit
	}
	if o.ReservePercent <= 0 || o.ReservePercent >= 100 {
		o.ReservePercent = defaultReservePercent
	}
	if o.SummaryThreshold <= 0 {
		o.SummaryThreshold = defaultSummaryThreshold
	}
	return o
}

// AgentContext 推理上下文
// DroppedCount 是被窗口和预算共同裁掉的真实条数
type AgentContext struct {
	Messages     []*schema.Message
	DroppedCount int
}

// Assembler 上下文组装器
type Assembler struct {
	store  MessageStore
	opts   Options
	logger *zap.Logger
}

// NewAssembler 创建上下文组装器
func NewAssembler(store MessageStore, opts Options, logger *zap.Logger) *Assembler {
	return &Assembler{store: store, opts: opts.withDefaults(), logger: logger}
}

// Assemble 取回指定会话的历史并裁剪到预算内
// 查询层已按 (conversation_id, user_id) 过滤，这里再核对一次归属
func (a *Assembler) Assemble(ctx context.Context, user *model.UserContext, conversationID string) (*AgentContext, error) {
	total, err := a.store.CountMessages(ctx, user.UserID, conversationID)
	if err != nil {
		return nil, err
	}

	recent, err := a.store.ListRecentMessages(ctx, user.UserID, conversationID, a.opts.MaxMessages)
	if err != nil {
		return nil, err
	}

	msgs := make([]*model.Message, 0, len(recent))
	for _, m := range recent {
		if m.UserID != user.UserID || m.ConversationID != conversationID {
			a.logger.Warn("message outside caller scope leaked into history query",
				zap.String("message_id", m.ID),
				zap.String("caller", user.UserID))
			continue
		}
		msgs = append(msgs, m)
	}

	// 从最新往回装，预算耗尽即停；最新一条无论多长都保留
	budget := a.usableBudget()
	cut := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := estimateTokens(msgs[i].Content)
		if used+cost > budget && cut < len(msgs) {
			break
		}
		used += cost
		cut = i
	}
	kept := msgs[cut:]
	dropped := int(total) - len(kept)
	if dropped < 0 {
		dropped = 0
	}

	// 摘要占位同样计入窗口上限，必要时再让出一个名额
	withSummary := dropped > a.opts.SummaryThreshold
	if withSummary && len(kept) >= a.opts.MaxMessages {
		cut++
		kept = msgs[cut:]
		dropped = int(total) - len(kept)
	}

	out := make([]*schema.Message, 0, len(kept)+1)
	if withSummary {
		out = append(out, summaryMessage(dropped, msgs[:cut]))
	}
	for _, m := range kept {
		out = append(out, &schema.Message{Role: roleOf(m.Role), Content: m.Content})
	}

	return &AgentContext{Messages: out, DroppedCount: dropped}, nil
}

func (a *Assembler) usableBudget() int {
	return a.opts.ModelTokenLimit * (100 - a.opts.ReservePercent) / 100
}

// estimateTokens 粗略估算：四个字节折一个 token
func estimateTokens(content string) int {
	return len(content) / 4
}

// summaryMessage 为被裁掉的区段生成占位摘要
// omitted 是仍在内存里的被裁消息，可能为空（仅窗口上限裁剪时）
func summaryMessage(dropped int, omitted []*model.Message) *schema.Message {
	content := fmt.Sprintf("[... %d earlier messages omitted ...]", dropped)
	if len(omitted) > 0 {
		last := omitted[len(omitted)-1]
		content += "\nMost recent omitted message: " + truncateRunes(last.Content, 100)
	}
	return &schema.Message{Role: schema.System, Content: content}
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func roleOf(role string) schema.RoleType {
	switch role {
	case model.RoleAssistant:
		return schema.Assistant
	case model.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}
