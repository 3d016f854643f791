// Package reasoner 定义外部推理协作方的接口
// 引擎从不自行决定调用哪些工具：工具链由推理方给出，引擎只负责校验、执行与落库
package reasoner

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/dispatch"
)

// Plan 推理方对一轮对话的决策
// Calls 为空时表示无需工具，Reply 即为最终回复
type Plan struct {
	Calls []dispatch.Call
	Reply string
}

// Reasoner 外部推理协作方
type Reasoner interface {
	// Plan 基于会话上下文与可用工具决定本轮的工具调用序列
	Plan(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (*Plan, error)
	// Respond 在工具链执行完成后生成面向用户的回复文本
	Respond(ctx context.Context, messages []*schema.Message, outcome *dispatch.ChainResult) (string, error)
}
