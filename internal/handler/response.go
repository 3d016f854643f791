package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
)

// SuccessResponse 成功响应
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorResponse 错误响应
// msg 是脱敏后的对外文案，内部细节只进日志
type ErrorResponse struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	TraceID string `json:"trace_id,omitempty"`
}

// Success 成功响应 (200)
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// Created 创建成功响应 (201)
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: data})
}

// Fail 按错误分类返回结构化错误响应
func Fail(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), ErrorResponse{
		Code:    string(apperr.CodeOf(err)),
		Msg:     apperr.PublicMessage(err),
		TraceID: audit.TraceIDFrom(c.Request.Context()),
	})
}
