package model

import "time"

// UserContext 请求级认证身份
// 仅存活于单个请求内，通过参数显式传递，绝不写入任何全局状态或数据库
type UserContext struct {
	UserID          string
	Email           string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	AuthenticatedAt time.Time
}
