package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/config"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/dispatch"
)

// planSystemPrompt 规划阶段的系统提示词
const planSystemPrompt = `You are a helpful assistant that manages the user's todo list.
You can add, list, complete, update and delete tasks using the available tools.
Call tools only when the request involves task data; otherwise answer directly.
Never ask the user for an identifier such as user_id; identity is handled outside the conversation.
Dates may arrive in natural language such as "tomorrow" or "today at 3:00 PM"; pass them to the tools as given.`

// respondSystemPrompt 总结阶段的系统提示词
const respondSystemPrompt = `You are a helpful assistant that manages the user's todo list.
Write a short, friendly reply describing what just happened based on the tool results provided.
If something failed, say so plainly and suggest trying again; never mention internal systems, error codes or stack traces.`

// ChatModelReasoner 基于 eino ChatModel 的推理器实现
type ChatModelReasoner struct {
	model  model.ToolCallingChatModel
	logger *zap.Logger
}

// NewChatModelReasoner 用现成的 ChatModel 创建推理器
func NewChatModelReasoner(m model.ToolCallingChatModel, logger *zap.Logger) *ChatModelReasoner {
	return &ChatModelReasoner{model: m, logger: logger}
}

// NewOpenAIReasoner 按配置创建 OpenAI 兼容端点的推理器
// DashScope、DeepSeek 等兼容端点通过 BaseURL 直接复用同一实现
func NewOpenAIReasoner(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*ChatModelReasoner, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for provider: %s", cfg.Provider)
	}

	modelName := cfg.OpenAI.Model
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	temperature := float32(0.7)

	m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       modelName,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return NewChatModelReasoner(m, logger), nil
}

// Plan 让模型在可用工具里决定本轮的调用序列
// 模型产出的参数 JSON 先经修复再解码，仍不可解码时以空参数下发，由调度器的校验兜底
func (r *ChatModelReasoner) Plan(ctx context.Context, messages []*schema.Message, infos []*schema.ToolInfo) (*Plan, error) {
	var m model.BaseChatModel = r.model
	if len(infos) > 0 {
		bound, err := r.model.WithTools(infos)
		if err != nil {
			return nil, apperr.Wrap(apperr.CategoryTool, apperr.CodeUpstreamFailed,
				"failed to bind tools to chat model", err)
		}
		m = bound
	}

	input := make([]*schema.Message, 0, len(messages)+1)
	input = append(input, &schema.Message{Role: schema.System, Content: planSystemPrompt})
	input = append(input, messages...)

	resp, err := m.Generate(ctx, input)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTool, apperr.CodeUpstreamFailed,
			"chat model planning failed", err)
	}

	plan := &Plan{Reply: strings.TrimSpace(resp.Content)}
	// 同一条响应携带多个调用时，按模型语义视为相互独立
	parallel := len(resp.ToolCalls) > 1
	for _, tc := range resp.ToolCalls {
		args, derr := decodeToolArgs(tc.Function.Arguments)
		if derr != nil {
			r.logger.Warn("tool call arguments not decodable after repair",
				zap.String("tool", tc.Function.Name),
				zap.Error(derr))
			args = map[string]any{}
		}
		plan.Calls = append(plan.Calls, dispatch.Call{
			Name:     tc.Function.Name,
			Args:     args,
			Parallel: parallel,
		})
	}
	return plan, nil
}

// Respond 基于工具执行结果生成面向用户的回复
func (r *ChatModelReasoner) Respond(ctx context.Context, messages []*schema.Message, outcome *dispatch.ChainResult) (string, error) {
	input := make([]*schema.Message, 0, len(messages)+2)
	input = append(input, &schema.Message{Role: schema.System, Content: respondSystemPrompt})
	input = append(input, messages...)
	input = append(input, &schema.Message{Role: schema.System, Content: outcomeDigest(outcome)})

	resp, err := r.model.Generate(ctx, input)
	if err != nil {
		return "", apperr.Wrap(apperr.CategoryTool, apperr.CodeUpstreamFailed,
			"chat model response generation failed", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// outcomeDigest 把链路执行结果压成一段供模型总结的文本
// 错误只带对外安全文案，内部诊断信息不进入提示词
func outcomeDigest(outcome *dispatch.ChainResult) string {
	if outcome == nil || len(outcome.Calls) == 0 {
		return "No tools were executed this turn."
	}
	entries := make([]map[string]any, 0, len(outcome.Calls))
	for _, c := range outcome.Calls {
		entry := map[string]any{"tool": c.Name, "status": c.Status}
		if c.Result != nil {
			entry["result"] = c.Result
		}
		if c.Err != nil {
			entry["error"] = apperr.PublicMessage(c.Err)
		}
		entries = append(entries, entry)
	}
	raw, err := json.Marshal(map[string]any{
		"overall_status": outcome.OverallStatus,
		"tool_results":   entries,
	})
	if err != nil {
		return "Tool execution finished with status " + outcome.OverallStatus + "."
	}
	return "Tool execution results for this turn:\n" + string(raw)
}

var _ Reasoner = (*ChatModelReasoner)(nil)
