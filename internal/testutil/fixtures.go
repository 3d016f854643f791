// Package testutil 提供跨包共享的测试夹具
package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/config"
)

// 测试环境的签发约定
const (
	TestSecret = "testutil-signing-secret"
	TestIssuer = "todo-chat-engine-test"
)

// TokenSpec 描述一枚待签发的测试令牌
// 零值字段取默认：主体 user-123、邮箱由主体派生、一小时有效期
type TokenSpec struct {
	Secret    string
	Subject   string
	Email     string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// MintToken 用 HS256 签发测试令牌
// 系统自身从不签发令牌，测试里模拟外部签发方
func MintToken(t *testing.T, spec TokenSpec) string {
	t.Helper()

	now := time.Now()
	if spec.Secret == "" {
		spec.Secret = TestSecret
	}
	if spec.Subject == "" {
		spec.Subject = "user-123"
	}
	if spec.Email == "" {
		spec.Email = spec.Subject + "@example.com"
	}
	if spec.IssuedAt.IsZero() {
		spec.IssuedAt = now.Add(-time.Minute)
	}
	if spec.ExpiresAt.IsZero() {
		spec.ExpiresAt = now.Add(time.Hour)
	}

	claims := jwt.MapClaims{
		"sub":   spec.Subject,
		"email": spec.Email,
		"iat":   spec.IssuedAt.Unix(),
		"exp":   spec.ExpiresAt.Unix(),
	}
	if spec.Issuer != "" {
		claims["iss"] = spec.Issuer
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(spec.Secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

// NewConfig 返回面向单元测试的配置
// 限流关闭、超时收紧，避免测试之间互相干扰
func NewConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name:        "todo-chat-engine",
			Environment: "test",
			Version:     "0.0.0-test",
		},
		Server: config.ServerConfig{Host: "127.0.0.1", Mode: "test"},
		Auth:   config.AuthConfig{JWTSecret: TestSecret, Issuer: TestIssuer},
		Chat: config.ChatConfig{
			MaxMessages:      50,
			ModelTokenLimit:  8192,
			ResponseReserve:  20,
			SummaryThreshold: 10,
			StaleAfterDays:   30,
			MaxMessageLen:    4000,
			RequestTimeout:   30,
		},
		Dispatcher: config.DispatcherConfig{
			CallTimeoutSeconds: 1,
			MaxAttempts:        2,
			BackoffBaseMillis:  1,
			BackoffMaxMillis:   5,
			MaxParallel:        4,
		},
		RateLimit: config.RateLimitConfig{Enabled: false},
		AI:        config.AIConfig{Provider: "scripted"},
	}
}
