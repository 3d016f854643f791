package reasoner

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// 模型输出中常见的包裹物，修复前先剥掉
var (
	artifactPrefixes = []string{"<|FunctionCallBegin|>", "```json", "```"}
	artifactSuffixes = []string{"<|FunctionCallEnd|>", "```"}
)

// repairJSON 尽力把模型产出的参数串修成有效 JSON
// 顺序：快速路径 → 截取对象区域 → 剥离包裹物 → 补全大括号 → jsonrepair 兜底
func repairJSON(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return s
	}

	// 快速路径：已经是有效的 JSON 对象
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && json.Valid([]byte(s)) {
		return s
	}

	// 尝试截取最外层的对象区域，丢掉对象前后的说明文字
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j >= i {
		sub := s[i : j+1]
		if json.Valid([]byte(sub)) {
			return sub
		}
		s = sub
	}

	for _, prefix := range artifactPrefixes {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, suffix := range artifactSuffixes {
		s = strings.TrimSuffix(s, suffix)
	}
	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return s
	}

	// 启发式补全缺失的大括号
	switch {
	case !strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		s = "{" + s
	case strings.HasPrefix(s, "{") && !strings.HasSuffix(s, "}"):
		s = s + "}"
	}

	out, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return s // 修复失败，返回当前值交给上层报错
	}
	return out
}

// decodeToolArgs 修复并解码工具调用参数，空串视为无参数
func decodeToolArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(repairJSON(raw)), &args); err != nil {
		return nil, err
	}
	return args, nil
}
