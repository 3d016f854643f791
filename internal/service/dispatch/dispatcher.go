// Package dispatch 按外部规划器给定的顺序执行工具调用链
// 负责参数校验、越权拦截、单次超时与分类重试，并为每次尝试留下只追加的审计记录
package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/tools"
)

// slotPrefix 槽引用参数的前缀，完整形式为 $slot.<名字>[.字段...]
const slotPrefix = "$slot."

// 链路整体状态
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Call 规划器决定的单次工具调用
type Call struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	// SaveAs 非空时把成功结果绑定到命名槽，供链路中后续调用引用
	SaveAs string `json:"save_as,omitempty"`
	// Parallel 标记本调用可与相邻同标记的只读调用并行执行
	Parallel bool `json:"parallel,omitempty"`
}

// CallResult 单次调用折叠后的最终结果
type CallResult struct {
	Name      string
	CallIndex int
	// Status 取 model.InvocationSuccess/Error/Timeout/Skipped 之一
	Status string
	// Attempts 实际执行次数，校验被拒或被跳过的调用为 0
	Attempts int
	// Result 成功时为 JSON 解码后的工具结果
	Result any
	// Err 失败时为归类后的结构化错误
	Err error
}

// ChainResult 整条调用链的执行结果
type ChainResult struct {
	Calls         []CallResult
	Records       []*model.ToolInvocationRecord
	OverallStatus string // success|partial|error
	FailedTools   []string
}

// Options 调度器运行参数，零值字段取默认
type Options struct {
	CallTimeout time.Duration // 单次调用超时，默认 10s
	MaxAttempts int           // 单次调用总尝试次数（含首次），默认 3
	BackoffBase time.Duration // 重试退避起点，默认 100ms，逐次翻倍
	BackoffMax  time.Duration // 退避上限，默认 1s
	MaxParallel int           // 并行组最大并发度，默认 4
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 100 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Second
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	return o
}

// Dispatcher 工具调用链执行器
type Dispatcher struct {
	registry *tools.Registry
	sink     audit.Sink
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewDispatcher 创建调度器
func NewDispatcher(registry *tools.Registry, sink audit.Sink, logger *zap.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sink:     sink,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// outcome 单次调用的内部执行产物
type outcome struct {
	result  CallResult
	records []*model.ToolInvocationRecord
	decoded any // 成功时用于槽绑定
}

// Execute 依序执行调用链
// 所有失败都折叠进返回值：链路层没有向上传播的错误，调用方按 OverallStatus 分支
// 请求截止后未开始的调用记为 skipped，已在途的调用由单次超时自行兜底
func (d *Dispatcher) Execute(ctx context.Context, user *model.UserContext, turnID string, calls []Call) *ChainResult {
	res := &ChainResult{
		Calls:   make([]CallResult, 0, len(calls)),
		Records: make([]*model.ToolInvocationRecord, 0, len(calls)),
	}
	slots := make(map[string]any)
	aborted := false
	abortedBy := ""

	for idx := 0; idx < len(calls); {
		if !aborted && ctx.Err() == nil {
			if end := d.parallelEnd(calls, idx); end-idx >= 2 {
				for off, oc := range d.runParallel(ctx, user, turnID, calls, idx, end) {
					d.fold(res, calls[idx+off], oc, slots, &aborted, &abortedBy)
				}
				idx = end
				continue
			}
		}

		var oc outcome
		switch {
		case aborted:
			oc = d.skipped(user, idx, calls[idx],
				fmt.Sprintf("skipped: critical tool %s failed", abortedBy))
		case ctx.Err() != nil:
			oc = d.skipped(user, idx, calls[idx],
				"skipped: request deadline reached before call started")
		default:
			oc = d.executeCall(ctx, user, turnID, idx, calls[idx], slots)
		}
		d.fold(res, calls[idx], oc, slots, &aborted, &abortedBy)
		idx++
	}

	res.OverallStatus = overallStatus(res.Calls, aborted)
	d.logger.Info("tool chain executed",
		zap.String("turn_id", turnID),
		zap.String("user_id", user.UserID),
		zap.Int("calls", len(calls)),
		zap.String("status", res.OverallStatus),
		zap.Strings("failed_tools", res.FailedTools))
	return res
}

// fold 把单次调用的产物并入链路结果，并推进槽绑定与中止策略
func (d *Dispatcher) fold(res *ChainResult, call Call, oc outcome, slots map[string]any, aborted *bool, abortedBy *string) {
	res.Calls = append(res.Calls, oc.result)
	res.Records = append(res.Records, oc.records...)

	switch oc.result.Status {
	case model.InvocationSuccess:
		if call.SaveAs != "" {
			slots[call.SaveAs] = oc.decoded
		}
	case model.InvocationSkipped:
		// 未执行不计入失败工具
	default:
		res.FailedTools = appendUnique(res.FailedTools, call.Name)
		// 未注册的工具没有关键性标记可查，按继续部分执行处理
		if impl, ok := d.registry.Get(call.Name); ok && impl.Critical() {
			*aborted = true
			*abortedBy = call.Name
		}
	}
}

// executeCall 执行单次调用：越权拦截 → 槽解析 → 参数校验 → 带重试的执行
// 越权检查放在最前：冒充企图必须进审计，不允许被校验错误掩盖
func (d *Dispatcher) executeCall(ctx context.Context, user *model.UserContext, turnID string, idx int, call Call, slots map[string]any) outcome {
	impl, ok := d.registry.Get(call.Name)
	if !ok {
		err := apperr.Newf(apperr.CategoryValidation, apperr.CodeInvalidParameters,
			"unknown tool %q", call.Name)
		return d.rejected(user, idx, call, call.Args, err)
	}

	if raw, found := call.Args[tools.ReservedIdentityParam]; found {
		target, _ := raw.(string)
		d.sink.Record(ctx, audit.Event{
			UserID:       user.UserID,
			TargetUserID: target,
			Code:         apperr.CodeCrossUserAccess,
			Detail:       fmt.Sprintf("tool %s call %d carried a caller-supplied user_id", call.Name, idx),
			At:           d.now(),
		})
		err := apperr.Newf(apperr.CategoryAuthorization, apperr.CodeCrossUserAccess,
			"tool %s rejected caller-supplied user_id", call.Name)
		return d.rejected(user, idx, call, call.Args, err)
	}

	args, err := resolveArgs(call.Args, slots)
	if err != nil {
		return d.rejected(user, idx, call, call.Args, err)
	}

	if verr := tools.ValidateArgs(impl.Params(), args); verr != nil {
		return d.rejected(user, idx, call, args, verr)
	}

	return d.attempt(ctx, user, turnID, idx, call, impl, args)
}

// attempt 带分类重试地执行调用，每次尝试各留一条记录
func (d *Dispatcher) attempt(ctx context.Context, user *model.UserContext, turnID string, idx int, call Call, impl tools.Tool, args map[string]any) outcome {
	req := &tools.Request{User: user, Args: args}
	if impl.Idempotent() {
		// 同一调用的所有重试共享同一个键，幂等工具据此对副作用去重
		req.IdempotencyKey = idempotencyKey(turnID, idx, call.Name, args)
	}

	var records []*model.ToolInvocationRecord
	var lastErr error
	lastStatus := model.InvocationError

	for n := 1; n <= d.opts.MaxAttempts; n++ {
		rec := d.newRecord(user, idx, call.Name, args, n)
		rec.StartedAt = d.now()
		result, err := d.invokeOnce(ctx, impl, req)
		rec.CompletedAt = d.now()

		if err == nil {
			decoded, raw, jerr := normalizeResult(result)
			if jerr == nil {
				rec.Status = model.InvocationSuccess
				rec.Result = datatypes.JSON(raw)
				records = append(records, rec)
				return outcome{
					result: CallResult{
						Name:      call.Name,
						CallIndex: idx,
						Status:    model.InvocationSuccess,
						Attempts:  n,
						Result:    decoded,
					},
					records: records,
					decoded: decoded,
				}
			}
			err = apperr.Wrap(apperr.CategoryTool, apperr.CodeToolError,
				fmt.Sprintf("tool %s returned an unencodable result", call.Name), jerr)
		}

		classified, status := classifyCallError(err, call.Name, d.opts.CallTimeout)
		rec.Status = status
		rec.ErrorMessage = classified.Error()
		records = append(records, rec)
		lastErr, lastStatus = classified, status

		if !apperr.Retryable(classified) || n == d.opts.MaxAttempts {
			break
		}
		if !d.backoff(ctx, n) {
			d.logger.Warn("retry abandoned, request deadline reached",
				zap.String("tool", call.Name),
				zap.Int("attempt", n))
			break
		}
		d.logger.Info("retrying tool call",
			zap.String("tool", call.Name),
			zap.Int("next_attempt", n+1),
			zap.String("code", string(apperr.CodeOf(classified))))
	}

	return outcome{
		result: CallResult{
			Name:      call.Name,
			CallIndex: idx,
			Status:    lastStatus,
			Attempts:  len(records),
			Err:       lastErr,
		},
		records: records,
	}
}

// invokeOnce 在独立派生的超时上下文里执行一次工具调用
// 基于 WithoutCancel 派生：请求到期不打断已在途的调用，由单次超时自行兜底
func (d *Dispatcher) invokeOnce(ctx context.Context, impl tools.Tool, req *tools.Request) (any, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CallTimeout)
	defer cancel()

	type reply struct {
		result any
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		result, err := impl.Invoke(callCtx, req)
		done <- reply{result: result, err: err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

// backoff 在两次尝试之间等待，父级请求一旦到期立即放弃后续重试
func (d *Dispatcher) backoff(ctx context.Context, attempt int) bool {
	delay := d.opts.BackoffBase << (attempt - 1)
	if delay > d.opts.BackoffMax {
		delay = d.opts.BackoffMax
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// rejected 构造未进入执行阶段即被拒绝的调用产物
func (d *Dispatcher) rejected(user *model.UserContext, idx int, call Call, args map[string]any, err error) outcome {
	at := d.now()
	rec := d.newRecord(user, idx, call.Name, args, 1)
	rec.Status = model.InvocationError
	rec.ErrorMessage = err.Error()
	rec.StartedAt = at
	rec.CompletedAt = at
	return outcome{
		result: CallResult{
			Name:      call.Name,
			CallIndex: idx,
			Status:    model.InvocationError,
			Attempts:  0,
			Err:       err,
		},
		records: []*model.ToolInvocationRecord{rec},
	}
}

// skipped 构造因链路中止或请求到期而未执行的调用产物
func (d *Dispatcher) skipped(user *model.UserContext, idx int, call Call, reason string) outcome {
	at := d.now()
	rec := d.newRecord(user, idx, call.Name, call.Args, 1)
	rec.Status = model.InvocationSkipped
	rec.ErrorMessage = reason
	rec.StartedAt = at
	rec.CompletedAt = at
	return outcome{
		result: CallResult{
			Name:      call.Name,
			CallIndex: idx,
			Status:    model.InvocationSkipped,
			Attempts:  0,
		},
		records: []*model.ToolInvocationRecord{rec},
	}
}

func (d *Dispatcher) newRecord(user *model.UserContext, idx int, name string, args map[string]any, attempt int) *model.ToolInvocationRecord {
	return &model.ToolInvocationRecord{
		ID:            uuid.New().String(),
		UserID:        user.UserID,
		ToolName:      name,
		Parameters:    mustJSON(args),
		CallIndex:     idx,
		AttemptNumber: attempt,
	}
}

// parallelEnd 返回从 start 起可并行执行的连续调用的终点（开区间）
// 只有显式标记并行、工具只读且不引用任何槽的调用才进组，其余退回顺序执行
func (d *Dispatcher) parallelEnd(calls []Call, start int) int {
	end := start
	for end < len(calls) {
		call := calls[end]
		if !call.Parallel || hasSlotRefs(call.Args) {
			break
		}
		impl, ok := d.registry.Get(call.Name)
		if !ok || !impl.ReadOnly() {
			break
		}
		end++
	}
	return end
}

// runParallel 并行执行一组只读调用，产物按原始调用顺序返回
func (d *Dispatcher) runParallel(ctx context.Context, user *model.UserContext, turnID string, calls []Call, start, end int) []outcome {
	outcomes := make([]outcome, end-start)
	var g errgroup.Group
	g.SetLimit(d.opts.MaxParallel)
	for i := start; i < end; i++ {
		g.Go(func() error {
			// 进组前已排除槽引用，无需传入槽表
			outcomes[i-start] = d.executeCall(ctx, user, turnID, i, calls[i], nil)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// classifyCallError 把底层错误折算成结构化错误与记录状态
// 已归类的错误原样保留，未归类的超时记 TOOL_TIMEOUT，其余记 TOOL_ERROR
func classifyCallError(err error, name string, timeout time.Duration) (error, string) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := model.InvocationError
		if ae.Code == apperr.CodeToolTimeout {
			status = model.InvocationTimeout
		}
		return ae, status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CategoryTool, apperr.CodeToolTimeout,
			fmt.Sprintf("tool %s timed out after %s", name, timeout), err), model.InvocationTimeout
	}
	return apperr.Wrap(apperr.CategoryTool, apperr.CodeToolError,
		fmt.Sprintf("tool %s failed", name), err), model.InvocationError
}

func overallStatus(calls []CallResult, aborted bool) string {
	if aborted {
		return StatusError
	}
	for _, c := range calls {
		if c.Status != model.InvocationSuccess {
			return StatusPartial
		}
	}
	return StatusSuccess
}

// idempotencyKey 由回合、调用位置与规范化参数派生
// encoding/json 对 map 键排序，同参数的序列化结果稳定
func idempotencyKey(turnID string, idx int, name string, args map[string]any) string {
	payload := fmt.Sprintf("%s|%d|%s|%s", turnID, idx, name, mustJSON(args))
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// normalizeResult 把工具结果经 JSON 往返规范化为通用结构，供槽引用按字段取值
func normalizeResult(result any) (any, []byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, err
	}
	return decoded, raw, nil
}

// resolveArgs 把参数里的 $slot 引用替换成先前调用绑定的结果
func resolveArgs(args map[string]any, slots map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for name, value := range args {
		resolved, err := resolveValue(value, slots)
		if err != nil {
			return nil, err
		}
		out[name] = resolved
	}
	return out, nil
}

func resolveValue(value any, slots map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, slotPrefix) {
			return lookupSlot(v, slots)
		}
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := resolveValue(item, slots)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveValue(item, slots)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// lookupSlot 按 $slot.<名字>[.字段...] 逐段下钻取值
func lookupSlot(ref string, slots map[string]any) (any, error) {
	path := strings.Split(strings.TrimPrefix(ref, slotPrefix), ".")
	if len(path) == 0 || path[0] == "" {
		return nil, apperr.Newf(apperr.CategoryValidation, apperr.CodeInvalidParameters,
			"malformed slot reference %q", ref)
	}
	current, ok := slots[path[0]]
	if !ok {
		return nil, apperr.Newf(apperr.CategoryValidation, apperr.CodeInvalidParameters,
			"slot %q is not bound", path[0])
	}
	for _, field := range path[1:] {
		obj, isObj := current.(map[string]any)
		if !isObj {
			return nil, apperr.Newf(apperr.CategoryValidation, apperr.CodeInvalidParameters,
				"slot reference %q: segment before %q is not an object", ref, field)
		}
		next, found := obj[field]
		if !found {
			return nil, apperr.Newf(apperr.CategoryValidation, apperr.CodeInvalidParameters,
				"slot reference %q: field %q not found", ref, field)
		}
		current = next
	}
	return current, nil
}

func hasSlotRefs(value any) bool {
	switch v := value.(type) {
	case string:
		return strings.HasPrefix(v, slotPrefix)
	case map[string]any:
		for _, item := range v {
			if hasSlotRefs(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if hasSlotRefs(item) {
				return true
			}
		}
	}
	return false
}

func appendUnique(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return datatypes.JSON(raw)
}
