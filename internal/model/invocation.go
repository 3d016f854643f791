package model

import (
	"time"

	"gorm.io/datatypes"
)

// 工具调用状态
const (
	InvocationSuccess = "success"
	InvocationError   = "error"
	InvocationTimeout = "timeout"
	InvocationSkipped = "skipped"
)

// ToolInvocationRecord 工具调用审计记录
// 只追加：每次尝试产生一条新记录，重试不覆盖已有记录
type ToolInvocationRecord struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	MessageID      string         `gorm:"index;size:36" json:"message_id"`
	ConversationID string         `gorm:"index;size:36" json:"conversation_id"`
	UserID         string         `gorm:"index;size:36;not null" json:"user_id"`
	ToolName       string         `gorm:"size:128;not null" json:"tool_name"`
	Parameters     datatypes.JSON `gorm:"type:jsonb" json:"parameters"`
	CallIndex      int            `gorm:"not null" json:"call_index"`
	AttemptNumber  int            `gorm:"not null" json:"attempt_number"`
	Status         string         `gorm:"size:20;not null" json:"status"`
	Result         datatypes.JSON `gorm:"type:jsonb" json:"result,omitempty"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (ToolInvocationRecord) TableName() string {
	return "tool_invocation_records"
}
