// Package conversation 解析请求携带的会话标识并执行归属检查
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/repository"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
)

// State 会话解析状态
type State string

const (
	StateNew      State = "new"      // 新建会话（包括找不到旧会话后的恢复）
	StateResumed  State = "resumed"  // 继续既有会话
	StateStale    State = "stale"    // 会话过久未活跃，仍可继续但状态外显
	StateRejected State = "rejected" // 归属校验失败，仅出现在审计记录中
)

const (
	defaultTitle  = "New conversation"
	maxTitleRunes = 50
)

// ConversationStore 解析器依赖的会话读写能力
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	FindConversationByID(ctx context.Context, id string) (*model.Conversation, error)
}

// Resolution 解析结果
type Resolution struct {
	Conversation *model.Conversation
	State        State
}

// Resolver 会话解析器
type Resolver struct {
	store      ConversationStore
	sink       audit.Sink
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewResolver 创建会话解析器
func NewResolver(store ConversationStore, sink audit.Sink, staleAfter time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:      store,
		sink:       sink,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Resolve 把请求里的会话 ID 解析为一个属于该用户的会话
// 空 ID 或查无此会话都会落到新建路径，归属不符则拒绝且不透出任何数据
// firstMessage 仅在新建时用于派生标题
func (r *Resolver) Resolve(ctx context.Context, user *model.UserContext, conversationID, firstMessage string) (*Resolution, error) {
	if strings.TrimSpace(conversationID) == "" {
		return r.create(ctx, user, firstMessage)
	}

	conv, err := r.store.FindConversationByID(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		// 客户端持有过期或伪造的 ID：新建而不是让整轮请求失败
		r.logger.Info("conversation not found, creating new one",
			zap.String("requested_id", conversationID),
			zap.String("user_id", user.UserID))
		return r.create(ctx, user, firstMessage)
	}
	if err != nil {
		return nil, err
	}

	if conv.UserID != user.UserID {
		r.sink.Record(ctx, audit.Event{
			UserID:       user.UserID,
			TargetUserID: conv.UserID,
			Code:         apperr.CodeConversationNotOwned,
			Detail:       "conversation " + conv.ID + " resolution " + string(StateRejected),
		})
		return nil, apperr.New(apperr.CategoryAuthorization, apperr.CodeConversationNotOwned,
			"conversation owned by another user")
	}

	state := StateResumed
	if r.staleAfter > 0 && r.now().Sub(conv.UpdatedAt) > r.staleAfter {
		state = StateStale
	}
	return &Resolution{Conversation: conv, State: state}, nil
}

func (r *Resolver) create(ctx context.Context, user *model.UserContext, firstMessage string) (*Resolution, error) {
	now := r.now()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		UserID:    user.UserID,
		Title:     deriveTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return &Resolution{Conversation: conv, State: StateNew}, nil
}

// deriveTitle 从首条消息派生会话标题，超长时按字符截断
func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return defaultTitle
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "..."
	}
	return title
}
