// Package auth 校验请求携带的 Bearer 令牌并还原用户身份
// 引擎只做验签，令牌签发由外部身份服务负责
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// Claims 引擎要求的令牌声明
// sub/email/iat/exp 缺一不可
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Service 认证服务
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewService 创建认证服务
func NewService(secret, issuer string) *Service {
	return &Service{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Verify 校验令牌并返回请求级用户上下文
// 任何失败都映射为 401 级别错误，永不重试
func (s *Service) Verify(tokenString string) (*model.UserContext, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, apperr.New(apperr.CategoryAuthentication, apperr.CodeMissingToken, "empty bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, apperr.New(apperr.CategoryAuthentication, apperr.CodeInvalidToken, "token marked invalid after parse")
	}

	if claims.Subject == "" {
		return nil, apperr.New(apperr.CategoryAuthentication, apperr.CodeInvalidToken, "missing sub claim")
	}
	if claims.Email == "" {
		return nil, apperr.New(apperr.CategoryAuthentication, apperr.CodeInvalidToken, "missing email claim")
	}
	if claims.IssuedAt == nil {
		return nil, apperr.New(apperr.CategoryAuthentication, apperr.CodeInvalidToken, "missing iat claim")
	}
	if claims.ExpiresAt == nil {
		return nil, apperr.New(apperr.CategoryAuthentication, apperr.CodeInvalidToken, "missing exp claim")
	}

	return &model.UserContext{
		UserID:          claims.Subject,
		Email:           claims.Email,
		IssuedAt:        claims.IssuedAt.Time,
		ExpiresAt:       claims.ExpiresAt.Time,
		AuthenticatedAt: s.now(),
	}, nil
}

// classifyParseError 把 jwt 库错误映射到错误码
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(apperr.CategoryAuthentication, apperr.CodeExpiredToken, "token expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Wrap(apperr.CategoryAuthentication, apperr.CodeInvalidSignature, "token signature verification failed", err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperr.Wrap(apperr.CategoryAuthentication, apperr.CodeInvalidToken, "token not valid yet", err)
	default:
		return apperr.Wrap(apperr.CategoryAuthentication, apperr.CodeInvalidToken, "token parse failed", err)
	}
}
