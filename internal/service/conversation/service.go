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

const (
	listLimit    = 10
	previewRunes = 50
)

// QueryStore 查询服务依赖的会话读写能力
type QueryStore interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	FindConversationByID(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*model.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]*model.Message, error)
	CountMessages(ctx context.Context, userID, conversationID string) (int64, error)
	LastMessage(ctx context.Context, userID, conversationID string) (*model.Message, error)
}

// Preview 会话列表项
type Preview struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int64     `json:"message_count"`
	LastMessage  string    `json:"last_message,omitempty"`
	LastRole     string    `json:"last_role,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Service 会话查询服务，服务于会话列表与历史读取端点
type Service struct {
	store  QueryStore
	sink   audit.Sink
	logger *zap.Logger
}

// NewService 创建会话查询服务
func NewService(store QueryStore, sink audit.Sink, logger *zap.Logger) *Service {
	return &Service{store: store, sink: sink, logger: logger}
}

// Create 创建空会话，标题缺省时使用内置默认
func (s *Service) Create(ctx context.Context, user *model.UserContext, title string) (*model.Conversation, error) {
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		UserID:    user.UserID,
		Title:     deriveTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// List 返回用户最近更新的会话及消息预览
func (s *Service) List(ctx context.Context, user *model.UserContext) ([]*Preview, error) {
	convs, err := s.store.ListConversations(ctx, user.UserID, listLimit)
	if err != nil {
		return nil, err
	}

	previews := make([]*Preview, 0, len(convs))
	for _, conv := range convs {
		count, err := s.store.CountMessages(ctx, user.UserID, conv.ID)
		if err != nil {
			return nil, err
		}
		p := &Preview{
			ID:           conv.ID,
			Title:        conv.Title,
			MessageCount: count,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		}
		last, err := s.store.LastMessage(ctx, user.UserID, conv.ID)
		switch {
		case err == nil:
			p.LastMessage = previewText(last.Content, previewRunes)
			p.LastRole = last.Role
		case errors.Is(err, repository.ErrNotFound):
			// 空会话没有预览
		default:
			return nil, err
		}
		previews = append(previews, p)
	}
	return previews, nil
}

// Messages 返回会话的完整历史，归属校验挡在任何数据读取之前
func (s *Service) Messages(ctx context.Context, user *model.UserContext, conversationID string) ([]*model.Message, error) {
	conv, err := s.store.FindConversationByID(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.CategoryResource, apperr.CodeConversationNotFound,
			"conversation not found")
	}
	if err != nil {
		return nil, err
	}
	if conv.UserID != user.UserID {
		s.sink.Record(ctx, audit.Event{
			UserID:       user.UserID,
			TargetUserID: conv.UserID,
			Code:         apperr.CodeConversationNotOwned,
			Detail:       "message history access denied for conversation " + conv.ID,
		})
		return nil, apperr.New(apperr.CategoryAuthorization, apperr.CodeConversationNotOwned,
			"conversation owned by another user")
	}
	return s.store.ListMessages(ctx, user.UserID, conversationID, 0)
}

// previewText 折叠空白并按字符数截断
func previewText(s string, max int) string {
	text := strings.Join(strings.Fields(s), " ")
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}
