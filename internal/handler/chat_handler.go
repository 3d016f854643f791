package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/middleware"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/conversation"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/turn"
)

// TurnSubmitter 轮次编排能力
type TurnSubmitter interface {
	Submit(ctx context.Context, user *model.UserContext, req *turn.Request) (*turn.Result, error)
}

// ConversationReader 会话读路径能力
type ConversationReader interface {
	Create(ctx context.Context, user *model.UserContext, title string) (*model.Conversation, error)
	List(ctx context.Context, user *model.UserContext) ([]*conversation.Preview, error)
	Messages(ctx context.Context, user *model.UserContext, conversationID string) ([]*model.Message, error)
}

// ChatHandler 对话处理器
type ChatHandler struct {
	turns TurnSubmitter
	convs ConversationReader
}

// NewChatHandler 创建对话处理器
func NewChatHandler(turns TurnSubmitter, convs ConversationReader) *ChatHandler {
	return &ChatHandler{turns: turns, convs: convs}
}

// ChatRequest 一轮对话请求体
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// CreateConversationRequest 创建会话请求体
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// requireUser 取出认证中间件注入的身份
// 拿不到说明路由少挂了认证，按认证缺失处理而不是 panic
func requireUser(c *gin.Context) (*model.UserContext, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		Fail(c, apperr.New(apperr.CategoryAuthentication, apperr.CodeMissingToken,
			"request reached handler without identity"))
		return nil, false
	}
	return user, true
}

// Chat 处理一轮对话
func (h *ChatHandler) Chat(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, apperr.Wrap(apperr.CategoryValidation, apperr.CodeInvalidMessage,
			"request body must be valid JSON", err))
		return
	}

	res, err := h.turns.Submit(c.Request.Context(), user, &turn.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}

// CreateConversation 创建空会话
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Fail(c, apperr.Wrap(apperr.CategoryValidation, apperr.CodeInvalidMessage,
				"request body must be valid JSON", err))
			return
		}
	}

	conv, err := h.convs.Create(c.Request.Context(), user, req.Title)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, conv)
}

// ListConversations 列出最近会话
func (h *ChatHandler) ListConversations(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	previews, err := h.convs.List(c.Request.Context(), user)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{
		"conversations": previews,
		"total":         len(previews),
	})
}

// ListMessages 返回会话完整历史
func (h *ChatHandler) ListMessages(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	conversationID := c.Param("conversation_id")
	msgs, err := h.convs.Messages(c.Request.Context(), user, conversationID)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{
		"conversation_id": conversationID,
		"messages":        msgs,
		"total":           len(msgs),
	})
}
