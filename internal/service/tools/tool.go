// Package tools 定义引擎可调度的工具及其参数模式
// 每个工具自带校验模式、重试与链路策略标记，并可适配成 eino 工具供外部规划器使用
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// ReservedIdentityParam 工具参数里的保留键
// 身份只能来自认证上下文，调用方携带该键按越权处理
const ReservedIdentityParam = "user_id"

// Request 单次工具调用的输入
type Request struct {
	User *model.UserContext
	Args map[string]any
	// IdempotencyKey 由调度器按调用身份派生，同一次重试序列内保持不变
	IdempotencyKey string
}

// Tool 可调度工具
type Tool interface {
	Name() string
	Description() string
	Params() map[string]*ParamSpec
	// Critical 为真时本工具失败将中止链路剩余调用
	Critical() bool
	// Idempotent 为真时工具承诺按 IdempotencyKey 去重副作用
	Idempotent() bool
	// ReadOnly 为真时工具无副作用，可参与并行执行
	ReadOnly() bool
	Invoke(ctx context.Context, req *Request) (any, error)
}

// ParamSpec 单个参数的校验模式
type ParamSpec struct {
	Type     schema.DataType
	Desc     string
	Required bool
	Enum     []string   // 仅字符串参数
	MaxLen   int        // 字符串最大字符数，0 表示不限
	Minimum  *float64   // 仅数值参数
	Maximum  *float64   // 仅数值参数
	Elem     *ParamSpec // 仅数组参数
}

// ValidateArgs 在执行前按模式校验参数
// 保留键 user_id 不在此处裁决，由调度器单独做越权检查
func ValidateArgs(params map[string]*ParamSpec, args map[string]any) error {
	verr := apperr.New(apperr.CategoryValidation, apperr.CodeInvalidParameters, "invalid tool parameters")
	valid := true

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == ReservedIdentityParam {
			continue
		}
		if _, ok := params[name]; !ok {
			verr.WithField(name, "unknown parameter")
			valid = false
		}
	}

	specNames := make([]string, 0, len(params))
	for name := range params {
		specNames = append(specNames, name)
	}
	sort.Strings(specNames)
	for _, name := range specNames {
		spec := params[name]
		value, present := args[name]
		if !present || value == nil {
			if spec.Required {
				verr.WithField(name, "required parameter missing")
				valid = false
			}
			continue
		}
		if detail := checkValue(spec, value); detail != "" {
			verr.WithField(name, detail)
			valid = false
		}
	}

	if !valid {
		return verr
	}
	return nil
}

// checkValue 校验单个值，返回空串表示通过
func checkValue(spec *ParamSpec, value any) string {
	switch spec.Type {
	case schema.String:
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
		if spec.MaxLen > 0 && len([]rune(s)) > spec.MaxLen {
			return fmt.Sprintf("exceeds %d characters", spec.MaxLen)
		}
		if len(spec.Enum) > 0 && !containsString(spec.Enum, s) {
			return fmt.Sprintf("must be one of %v", spec.Enum)
		}
	case schema.Integer:
		f, ok := asNumber(value)
		if !ok || f != float64(int64(f)) {
			return fmt.Sprintf("expected integer, got %T", value)
		}
		return checkRange(spec, f)
	case schema.Number:
		f, ok := asNumber(value)
		if !ok {
			return fmt.Sprintf("expected number, got %T", value)
		}
		return checkRange(spec, f)
	case schema.Boolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", value)
		}
	case schema.Array:
		items, ok := value.([]any)
		if !ok {
			return fmt.Sprintf("expected array, got %T", value)
		}
		if spec.Elem != nil {
			for i, item := range items {
				if detail := checkValue(spec.Elem, item); detail != "" {
					return fmt.Sprintf("element %d: %s", i, detail)
				}
			}
		}
	case schema.Object:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("expected object, got %T", value)
		}
	}
	return ""
}

func checkRange(spec *ParamSpec, f float64) string {
	if spec.Minimum != nil && f < *spec.Minimum {
		return fmt.Sprintf("must be >= %v", *spec.Minimum)
	}
	if spec.Maximum != nil && f > *spec.Maximum {
		return fmt.Sprintf("must be <= %v", *spec.Maximum)
	}
	return ""
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Registry 按名字解析工具
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry 创建工具注册表，保持注册顺序
func NewRegistry(list ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(list))}
	for _, t := range list {
		if _, ok := r.tools[t.Name()]; ok {
			continue
		}
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r
}

// Get 按名字解析工具
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List 按注册顺序返回全部工具
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// EinoInfos 返回全部工具的 eino 模式，供规划器声明可用工具
func (r *Registry) EinoInfos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(r.order))
	for _, t := range r.List() {
		out = append(out, EinoInfo(t))
	}
	return out
}

// EinoInfo 把工具模式转换成 eino 的 ToolInfo
func EinoInfo(t Tool) *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(t.Params()))
	for name, spec := range t.Params() {
		params[name] = einoParam(spec)
	}
	return &schema.ToolInfo{
		Name:        t.Name(),
		Desc:        t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

func einoParam(spec *ParamSpec) *schema.ParameterInfo {
	info := &schema.ParameterInfo{
		Type:     spec.Type,
		Desc:     spec.Desc,
		Required: spec.Required,
		Enum:     spec.Enum,
	}
	if spec.Elem != nil {
		info.ElemInfo = einoParam(spec.Elem)
	}
	return info
}

// einoTool 把注册的工具适配成 eino 的 InvokableTool
// 身份在适配时绑定，外部规划器无法替换
type einoTool struct {
	impl Tool
	user *model.UserContext
}

// AsEinoTool 返回绑定了调用者身份的 eino 工具
func AsEinoTool(impl Tool, user *model.UserContext) tool.InvokableTool {
	return &einoTool{impl: impl, user: user}
}

func (e *einoTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return EinoInfo(e.impl), nil
}

func (e *einoTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("decode tool arguments: %w", err)
	}
	if _, ok := args[ReservedIdentityParam]; ok {
		return "", apperr.New(apperr.CategoryAuthorization, apperr.CodeCrossUserAccess,
			"caller-supplied user_id rejected")
	}
	if err := ValidateArgs(e.impl.Params(), args); err != nil {
		return "", err
	}
	result, err := e.impl.Invoke(ctx, &Request{User: e.user, Args: args})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(out), nil
}
