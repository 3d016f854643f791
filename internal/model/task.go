package model

import (
	"time"

	"gorm.io/datatypes"
)

// 任务状态
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// 任务优先级
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
	PriorityNone   = "none"
)

// Task 待办任务
// 任务存储的透传模型，工具层只读写属于认证用户的行
type Task struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	UserID            string         `gorm:"index;size:36;not null" json:"user_id"`
	Title             string         `gorm:"size:255;not null" json:"title"`
	Description       string         `gorm:"type:text" json:"description,omitempty"`
	Status            string         `gorm:"size:20;index;default:pending" json:"status"`
	Priority          string         `gorm:"size:10;default:none" json:"priority"`
	DueDate           *time.Time     `json:"due_date,omitempty"`
	Tags              datatypes.JSON `gorm:"type:jsonb" json:"tags,omitempty"`
	RecurrencePattern string         `gorm:"size:20;default:none" json:"recurrence_pattern"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TaskFilter 任务列表过滤条件
// DueWithin 接受 today/tomorrow/this_week/this_month 或 YYYY-MM-DD 具体日期
type TaskFilter struct {
	Status    string
	Priority  string
	DueWithin string
}

// TableName 指定表名
func (Task) TableName() string {
	return "tasks"
}
