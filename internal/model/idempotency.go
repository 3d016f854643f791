package model

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord 幂等记录
// 以 (user_id, key) 唯一标识一次已执行的副作用
// 重试的工具调用命中记录时直接回放存量结果，不再二次执行
type IdempotencyRecord struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	UserID    string         `gorm:"size:36;not null;uniqueIndex:ux_idempotency_user_key,priority:1" json:"user_id"`
	Key       string         `gorm:"size:64;not null;uniqueIndex:ux_idempotency_user_key,priority:2" json:"key"`
	ToolName  string         `gorm:"size:128;not null" json:"tool_name"`
	TaskID    string         `gorm:"size:36" json:"task_id"`
	Result    datatypes.JSON `gorm:"type:jsonb" json:"result"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt time.Time      `gorm:"index" json:"expires_at"`
}

// TableName 指定表名
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
