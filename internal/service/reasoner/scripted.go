package reasoner

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/dispatch"
)

// ScriptedReasoner 函数字段可注入的确定性推理器
// 供测试与没有配置模型端点的本地环境使用
type ScriptedReasoner struct {
	PlanFunc    func(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (*Plan, error)
	RespondFunc func(ctx context.Context, messages []*schema.Message, outcome *dispatch.ChainResult) (string, error)
}

func (s *ScriptedReasoner) Plan(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (*Plan, error) {
	if s.PlanFunc != nil {
		return s.PlanFunc(ctx, messages, tools)
	}
	return &Plan{Reply: "No reasoning backend is configured, so I can't act on task requests right now."}, nil
}

func (s *ScriptedReasoner) Respond(ctx context.Context, messages []*schema.Message, outcome *dispatch.ChainResult) (string, error) {
	if s.RespondFunc != nil {
		return s.RespondFunc(ctx, messages, outcome)
	}
	if outcome != nil && outcome.OverallStatus == dispatch.StatusSuccess {
		return "Done! Anything else I can help you with?", nil
	}
	return "Some of that didn't go through, please try again.", nil
}

var _ Reasoner = (*ScriptedReasoner)(nil)
