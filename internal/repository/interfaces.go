// Package repository 定义数据访问接口
// 接口抽象使依赖注入和单元测试成为可能
// 所有触及会话、消息、任务行的方法都以认证用户 ID 为查询条件（用户隔离约束）
package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// ErrNotFound 查询目标不存在
var ErrNotFound = gorm.ErrRecordNotFound

// ========== ConversationStore 接口 ==========

// ConversationStore 会话数据访问接口
// 接口定义使 Service 层可以轻松 mock 进行单元测试
type ConversationStore interface {
	// 会话操作
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	// FindConversationByID 按 ID 查找会话，不过滤归属方
	// 仅供 Resolver 做归属判定使用，除 ID 与归属元数据外不携带任何消息内容
	FindConversationByID(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*model.Conversation, error)

	// 消息操作
	ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]*model.Message, error)
	ListRecentMessages(ctx context.Context, userID, conversationID string, limit int) ([]*model.Message, error)
	CountMessages(ctx context.Context, userID, conversationID string) (int64, error)
	LastMessage(ctx context.Context, userID, conversationID string) (*model.Message, error)

	// SaveTurn 原子提交一个完整轮次（用户消息 + 助手消息 + 工具审计记录 + 会话时间戳）
	SaveTurn(ctx context.Context, turn *Turn) error
}

// 确保 ChatRepository 实现了接口
var _ ConversationStore = (*ChatRepository)(nil)

// ========== TaskStore 接口 ==========

// TaskStore 任务存储访问接口
// 工具层消费的任务 CRUD 面，等价于外部任务存储的透传适配
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	// CreateTaskIdempotent 以幂等键保证副作用至多发生一次
	// 命中既有记录时回放存量结果并报告 replayed=true
	CreateTaskIdempotent(ctx context.Context, key string, task *model.Task) (*model.Task, bool, error)
	ListTasks(ctx context.Context, userID string, filter model.TaskFilter) ([]*model.Task, error)
	// FindTasksByIdentifier 按精确 ID、精确标题或标题部分匹配查找任务
	FindTasksByIdentifier(ctx context.Context, userID, identifier string) ([]*model.Task, error)
	UpdateTask(ctx context.Context, userID string, task *model.Task) error
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// 确保 TaskRepository 实现了接口
var _ TaskStore = (*TaskRepository)(nil)
