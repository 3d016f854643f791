package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// ChatRepository 会话数据访问
type ChatRepository struct {
	db *gorm.DB
}

// NewChatRepository 创建会话仓库
func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// Turn 一个完整轮次的持久化载荷
// 工具执行对任务存储的副作用不在本事务内，它们在调用时已独立提交；
// 这里的原子性只覆盖对话审计轨迹本身
type Turn struct {
	Conversation     *model.Conversation
	UserMessage      *model.Message
	AssistantMessage *model.Message
	Records          []*model.ToolInvocationRecord
}

// CreateConversation 创建会话骨架行
func (r *ChatRepository) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return classifyWriteError("create conversation", err)
	}
	return nil
}

// FindConversationByID 按 ID 查找会话，归属判定由调用方完成
func (r *ChatRepository) FindConversationByID(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, classifyWriteError("find conversation", err)
	}
	return &conv, nil
}

// ListConversations 列出用户最近更新的会话
func (r *ChatRepository) ListConversations(ctx context.Context, userID string, limit int) ([]*model.Conversation, error) {
	var convs []*model.Conversation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&convs).Error
	if err != nil {
		return nil, classifyWriteError("list conversations", err)
	}
	return convs, nil
}

// ListMessages 按时间升序获取会话消息，limit <= 0 时不设上限
// conversation_id 和 user_id 同时过滤，绝不单独信任 conversation_id
func (r *ChatRepository) ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	q := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Order("created_at ASC, seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, classifyWriteError("list messages", err)
	}
	return messages, nil
}

// ListRecentMessages 获取会话最近的 N 条消息，返回时仍按时间升序
func (r *ChatRepository) ListRecentMessages(ctx context.Context, userID, conversationID string, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Order("created_at DESC, seq DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, classifyWriteError("list recent messages", err)
	}
	// 反转为时间升序
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages 统计会话内属于该用户的消息总数
func (r *ChatRepository) CountMessages(ctx context.Context, userID, conversationID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return 0, classifyWriteError("count messages", err)
	}
	return count, nil
}

// LastMessage 获取会话最新一条消息
func (r *ChatRepository) LastMessage(ctx context.Context, userID, conversationID string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Order("created_at DESC, seq DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, classifyWriteError("last message", err)
	}
	return &msg, nil
}

// SaveTurn 在单个事务内提交整个轮次
// 任何一步失败则整体回滚，绝不留下只有用户消息没有助手消息的半写状态
func (r *ChatRepository) SaveTurn(ctx context.Context, turn *Turn) error {
	if turn.Conversation == nil || turn.UserMessage == nil || turn.AssistantMessage == nil {
		return apperr.New(apperr.CategoryPersistence, apperr.CodeTransactionFailed, "incomplete turn payload")
	}

	return withWriteRetry(ctx, writeAttempts, writeBackoff, func() error {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			conv := turn.Conversation

			// 会话内序号从当前最大值向后分配，唯一索引兜底并发冲突
			var maxSeq int64
			err := tx.Model(&model.Message{}).
				Where("conversation_id = ? AND user_id = ?", conv.ID, conv.UserID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&maxSeq).Error
			if err != nil {
				return err
			}

			now := time.Now()
			user := turn.UserMessage
			assistant := turn.AssistantMessage
			user.Seq = maxSeq + 1
			assistant.Seq = maxSeq + 2
			if user.CreatedAt.IsZero() {
				user.CreatedAt = now
			}
			if assistant.CreatedAt.IsZero() || !assistant.CreatedAt.After(user.CreatedAt) {
				assistant.CreatedAt = user.CreatedAt.Add(time.Millisecond)
			}

			if err := tx.Create(user).Error; err != nil {
				return err
			}
			if err := tx.Create(assistant).Error; err != nil {
				return err
			}

			if len(turn.Records) > 0 {
				for _, rec := range turn.Records {
					rec.MessageID = assistant.ID
					rec.ConversationID = conv.ID
				}
				if err := tx.Create(turn.Records).Error; err != nil {
					return err
				}
			}

			// updated_at 单调不减，且不早于最新消息的 created_at
			res := tx.Model(&model.Conversation{}).
				Where("id = ? AND user_id = ?", conv.ID, conv.UserID).
				Update("updated_at", gorm.Expr("GREATEST(updated_at, ?)", assistant.CreatedAt))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
			return nil
		})
		return classifyWriteError("save turn", err)
	})
}
