// Package auth 提供认证服务单元测试
package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
)

const (
	testSecret = "test-secret-key-for-unit-tests"
	testIssuer = "todo-chat-engine-test"
)

// mintToken 用指定密钥签发测试令牌
func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func baseClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"email": "alice@example.com",
		"iss":   testIssuer,
		"iat":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestVerify(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		token    func(t *testing.T) string
		wantCode apperr.Code
	}{
		{
			name: "valid token",
			token: func(t *testing.T) string {
				return mintToken(t, testSecret, baseClaims(now))
			},
		},
		{
			name: "empty token",
			token: func(t *testing.T) string {
				return ""
			},
			wantCode: apperr.CodeMissingToken,
		},
		{
			name: "expired token",
			token: func(t *testing.T) string {
				claims := baseClaims(now)
				claims["exp"] = now.Add(-time.Hour).Unix()
				return mintToken(t, testSecret, claims)
			},
			wantCode: apperr.CodeExpiredToken,
		},
		{
			name: "wrong signing key",
			token: func(t *testing.T) string {
				return mintToken(t, "another-secret", baseClaims(now))
			},
			wantCode: apperr.CodeInvalidSignature,
		},
		{
			name: "missing sub claim",
			token: func(t *testing.T) string {
				claims := baseClaims(now)
				delete(claims, "sub")
				return mintToken(t, testSecret, claims)
			},
			wantCode: apperr.CodeInvalidToken,
		},
		{
			name: "missing email claim",
			token: func(t *testing.T) string {
				claims := baseClaims(now)
				delete(claims, "email")
				return mintToken(t, testSecret, claims)
			},
			wantCode: apperr.CodeInvalidToken,
		},
		{
			name: "missing exp claim",
			token: func(t *testing.T) string {
				claims := baseClaims(now)
				delete(claims, "exp")
				return mintToken(t, testSecret, claims)
			},
			wantCode: apperr.CodeInvalidToken,
		},
		{
			name: "issued in the future",
			token: func(t *testing.T) string {
				claims := baseClaims(now)
				claims["iat"] = now.Add(time.Hour).Unix()
				return mintToken(t, testSecret, claims)
			},
			wantCode: apperr.CodeInvalidToken,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				claims := baseClaims(now)
				claims["iss"] = "someone-else"
				return mintToken(t, testSecret, claims)
			},
			wantCode: apperr.CodeInvalidToken,
		},
		{
			name: "garbage token",
			token: func(t *testing.T) string {
				return "not.a.token"
			},
			wantCode: apperr.CodeInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(testSecret, testIssuer)
			svc.now = func() time.Time { return now }

			user, err := svc.Verify(tt.token(t))
			if tt.wantCode != "" {
				if err == nil {
					t.Fatalf("Verify() error = nil, want code %s", tt.wantCode)
				}
				if got := apperr.CodeOf(err); got != tt.wantCode {
					t.Errorf("Verify() code = %s, want %s", got, tt.wantCode)
				}
				if apperr.CategoryOf(err) != apperr.CategoryAuthentication {
					t.Errorf("Verify() category = %s, want authentication", apperr.CategoryOf(err))
				}
				if user != nil {
					t.Errorf("Verify() returned user context on failure")
				}
				return
			}

			if err != nil {
				t.Fatalf("Verify() unexpected error: %v", err)
			}
			if user.UserID != "user-123" {
				t.Errorf("UserID = %q, want user-123", user.UserID)
			}
			if user.Email != "alice@example.com" {
				t.Errorf("Email = %q, want alice@example.com", user.Email)
			}
			if !user.AuthenticatedAt.Equal(now) {
				t.Errorf("AuthenticatedAt = %v, want %v", user.AuthenticatedAt, now)
			}
			if !user.ExpiresAt.After(now) {
				t.Errorf("ExpiresAt = %v, want after %v", user.ExpiresAt, now)
			}
		})
	}
}

func TestVerifyWithoutIssuerCheck(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	svc := NewService(testSecret, "")
	svc.now = func() time.Time { return now }

	claims := baseClaims(now)
	delete(claims, "iss")

	user, err := svc.Verify(mintToken(t, testSecret, claims))
	if err != nil {
		t.Fatalf("Verify() unexpected error: %v", err)
	}
	if user.UserID != "user-123" {
		t.Errorf("UserID = %q, want user-123", user.UserID)
	}
}
