// Package turn 编排一轮完整对话
// 流程：消息校验 → 会话解析 → 上下文组装 → 外部规划 → 工具链执行 → 回复生成 → 原子落库
package turn

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/repository"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/conversation"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/dispatch"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/history"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/reasoner"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/tools"
)

// 轮次状态，跟随工具链整体状态
// 产出回复之前的失败不进入 Result，直接以结构化错误返回
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Request 一轮对话的输入
type Request struct {
	ConversationID string
	Message        string
}

// ToolCallSummary 面向调用方的单次工具调用摘要
// Error 只携带对外安全文案
type ToolCallSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result 一轮对话的输出
type Result struct {
	ConversationID    string            `json:"conversation_id"`
	ConversationState string            `json:"conversation_state"`
	Response          string            `json:"response"`
	Status            string            `json:"status"`
	ToolCalls         []ToolCallSummary `json:"tool_calls,omitempty"`
	DroppedContext    int               `json:"dropped_context,omitempty"`
	TraceID           string            `json:"trace_id,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Resolver 会话解析能力
type Resolver interface {
	Resolve(ctx context.Context, user *model.UserContext, conversationID, firstMessage string) (*conversation.Resolution, error)
}

// Assembler 上下文组装能力
type Assembler interface {
	Assemble(ctx context.Context, user *model.UserContext, conversationID string) (*history.AgentContext, error)
}

// Executor 工具链执行能力
type Executor interface {
	Execute(ctx context.Context, user *model.UserContext, turnID string, calls []dispatch.Call) *dispatch.ChainResult
}

// TurnStore 轮次落库能力
type TurnStore interface {
	SaveTurn(ctx context.Context, turn *repository.Turn) error
}

// Options 编排参数，零值字段取默认
type Options struct {
	Deadline      time.Duration // 单轮总超时，默认 30s
	MaxMessageLen int           // 用户消息最大字符数，默认 4000
	SaveTimeout   time.Duration // 落库兜底超时，默认 5s
}

func (o Options) withDefaults() Options {
	if o.Deadline <= 0 {
		o.Deadline = 30 * time.Second
	}
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = 4000
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 5 * time.Second
	}
	return o
}

// Service 轮次编排服务
type Service struct {
	resolver  Resolver
	assembler Assembler
	reasoner  reasoner.Reasoner
	executor  Executor
	registry  *tools.Registry
	store     TurnStore
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// NewService 创建轮次编排服务
func NewService(resolver Resolver, assembler Assembler, rsn reasoner.Reasoner, executor Executor,
	registry *tools.Registry, store TurnStore, logger *zap.Logger, opts Options) *Service {
	return &Service{
		resolver:  resolver,
		assembler: assembler,
		reasoner:  rsn,
		executor:  executor,
		registry:  registry,
		store:     store,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// Submit 处理一轮对话
// 只要产出了回复就一定落库，工具部分失败不影响审计轨迹；
// 在产出回复之前失败的轮次整体不落库，不留半写状态
func (s *Service) Submit(ctx context.Context, user *model.UserContext, req *Request) (*Result, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, apperr.New(apperr.CategoryValidation, apperr.CodeInvalidMessage,
			"message must not be empty")
	}
	if n := len([]rune(message)); n > s.opts.MaxMessageLen {
		return nil, apperr.Newf(apperr.CategoryValidation, apperr.CodeMessageTooLong,
			"message length %d exceeds limit %d", n, s.opts.MaxMessageLen)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Deadline)
	defer cancel()

	traceID := audit.TraceIDFrom(ctx)
	turnID := uuid.New().String()

	resolution, err := s.resolver.Resolve(ctx, user, req.ConversationID, message)
	if err != nil {
		return nil, err
	}
	conv := resolution.Conversation

	agentCtx, err := s.assembler.Assemble(ctx, user, conv.ID)
	if err != nil {
		return nil, err
	}

	// 本轮用户消息追加到上下文尾部，落库放在轮次末尾统一完成
	msgs := append(agentCtx.Messages, &schema.Message{Role: schema.User, Content: message})

	plan, err := s.reasoner.Plan(ctx, msgs, s.registry.EinoInfos())
	if err != nil {
		return nil, err
	}

	outcome := s.executor.Execute(ctx, user, turnID, plan.Calls)
	response := s.respond(ctx, msgs, plan, outcome)

	userMsg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         user.UserID,
		Role:           model.RoleUser,
		Content:        message,
	}
	assistantMsg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         user.UserID,
		Role:           model.RoleAssistant,
		Content:        response,
	}

	// 落库不被请求取消打断：部分失败的轮次同样要留下完整审计轨迹
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SaveTimeout)
	defer cancelSave()
	if err := s.store.SaveTurn(saveCtx, &repository.Turn{
		Conversation:     conv,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Records:          outcome.Records,
	}); err != nil {
		return nil, err
	}

	status := StatusSuccess
	switch outcome.OverallStatus {
	case dispatch.StatusPartial:
		status = StatusPartial
	case dispatch.StatusError:
		status = StatusError
	}

	s.logger.Info("turn completed",
		zap.String("turn_id", turnID),
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", user.UserID),
		zap.String("conversation_state", string(resolution.State)),
		zap.String("status", status),
		zap.Int("tool_calls", len(outcome.Calls)),
		zap.Int("dropped_context", agentCtx.DroppedCount))

	return &Result{
		ConversationID:    conv.ID,
		ConversationState: string(resolution.State),
		Response:          response,
		Status:            status,
		ToolCalls:         summaries(outcome),
		DroppedContext:    agentCtx.DroppedCount,
		TraceID:           traceID,
		Timestamp:         s.now(),
	}, nil
}

// respond 产出助手回复：规划直答 → 推理方总结 → 模板兜底
func (s *Service) respond(ctx context.Context, msgs []*schema.Message, plan *reasoner.Plan, outcome *dispatch.ChainResult) string {
	if len(plan.Calls) == 0 && plan.Reply != "" {
		return plan.Reply
	}
	text, err := s.reasoner.Respond(ctx, msgs, outcome)
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	if err != nil {
		s.logger.Warn("response generation failed, using fallback reply", zap.Error(err))
	}
	return fallbackReply(outcome)
}

// fallbackReply 推理方不可用时的模板回复，不透出任何内部细节
func fallbackReply(outcome *dispatch.ChainResult) string {
	if outcome == nil || outcome.OverallStatus == dispatch.StatusSuccess {
		return "Done! Let me know if you need anything else."
	}
	return "I couldn't complete everything you asked for. Please try again in a moment."
}

func summaries(outcome *dispatch.ChainResult) []ToolCallSummary {
	if outcome == nil || len(outcome.Calls) == 0 {
		return nil
	}
	out := make([]ToolCallSummary, 0, len(outcome.Calls))
	for _, c := range outcome.Calls {
		summary := ToolCallSummary{Name: c.Name, Status: c.Status}
		if c.Err != nil {
			summary.Error = apperr.PublicMessage(c.Err)
		} else {
			summary.Result = c.Result
		}
		out = append(out, summary)
	}
	return out
}
