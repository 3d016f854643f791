// Package middleware 提供 gin 中间件：认证、日志、恢复、限流
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
)

const userContextKey = "user_context"

// TokenVerifier 认证中间件依赖的验签能力
type TokenVerifier interface {
	Verify(tokenString string) (*model.UserContext, error)
}

// RequireAuth 校验 Bearer 令牌并核对路径身份
// 令牌 sub 与 :user_id 不一致按越权处理：403 + 审计，绝不静默改写身份
func RequireAuth(verifier TokenVerifier, sink audit.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		user, err := verifier.Verify(token)
		if err != nil {
			abortWithError(c, err)
			return
		}

		if pathUser := c.Param("user_id"); pathUser != "" && pathUser != user.UserID {
			sink.Record(c.Request.Context(), audit.Event{
				UserID:       user.UserID,
				TargetUserID: pathUser,
				Code:         apperr.CodeUserMismatch,
				Detail:       "path user does not match token subject",
			})
			abortWithError(c, apperr.New(apperr.CategoryAuthorization, apperr.CodeUserMismatch,
				"authenticated user does not match requested path"))
			return
		}

		SetUser(c, user)
		c.Next()
	}
}

// SetUser 把认证用户写入 gin 上下文，供认证中间件和测试装配使用
func SetUser(c *gin.Context, user *model.UserContext) {
	c.Set(userContextKey, user)
}

// bearerToken 从 Authorization 头提取令牌
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", apperr.New(apperr.CategoryAuthentication, apperr.CodeMissingToken,
			"missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apperr.New(apperr.CategoryAuthentication, apperr.CodeInvalidToken,
			"Authorization header is not a bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}

// CurrentUser 从 gin 上下文取出认证用户
func CurrentUser(c *gin.Context) (*model.UserContext, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*model.UserContext)
	return user, ok
}

// abortWithError 输出结构化错误响应并终止后续处理
func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{
		"code":     string(apperr.CodeOf(err)),
		"msg":      apperr.PublicMessage(err),
		"trace_id": audit.TraceIDFrom(c.Request.Context()),
	})
}
