package model

import "time"

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation 会话
// 归属用户在整个生命周期内不变；updated_at 单调不减
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"index;size:36;not null" json:"user_id"`
	Title     string    `gorm:"size:255" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Message 会话消息
// user_id 冗余存储会话归属方，作为查询层之外的二次过滤条件
// seq 在会话内严格递增，避免 created_at 相同导致排序键冲突
type Message struct {
	ID             string                 `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string                 `gorm:"size:36;not null;index:idx_messages_conv_created,priority:1;uniqueIndex:ux_messages_conv_seq,priority:1" json:"conversation_id"`
	UserID         string                 `gorm:"index;size:36;not null" json:"user_id"`
	Role           string                 `gorm:"size:20;not null" json:"role"`
	Content        string                 `gorm:"type:text" json:"content"`
	Seq            int64                  `gorm:"not null;uniqueIndex:ux_messages_conv_seq,priority:2" json:"seq"`
	ToolCalls      []ToolInvocationRecord `gorm:"foreignKey:MessageID" json:"tool_calls,omitempty"`
	CreatedAt      time.Time              `gorm:"autoCreateTime;index:idx_messages_conv_created,priority:2" json:"created_at"`
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}

func (Message) TableName() string {
	return "messages"
}
