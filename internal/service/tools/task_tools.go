package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/repository"
)

// 工具名
const (
	ToolAddTask      = "add_task"
	ToolListTasks    = "list_tasks"
	ToolCompleteTask = "complete_task"
	ToolUpdateTask   = "update_task"
	ToolDeleteTask   = "delete_task"
)

var (
	priorityEnum   = []string{model.PriorityHigh, model.PriorityMedium, model.PriorityLow, model.PriorityNone}
	statusEnum     = []string{"all", model.TaskPending, model.TaskCompleted}
	recurrenceEnum = []string{"none", "daily", "weekly", "monthly", "yearly"}
)

// taskToolBase 任务工具共享的依赖
type taskToolBase struct {
	store  repository.TaskStore
	logger *zap.Logger
	now    func() time.Time
}

// NewTaskTools 创建全部任务工具，顺序即注册顺序
func NewTaskTools(store repository.TaskStore, logger *zap.Logger) []Tool {
	base := taskToolBase{store: store, logger: logger, now: time.Now}
	return []Tool{
		&addTaskTool{base},
		&listTasksTool{base},
		&completeTaskTool{base},
		&updateTaskTool{base},
		&deleteTaskTool{base},
	}
}

// taskPayload 工具结果里的任务表示
func taskPayload(t *model.Task) map[string]any {
	payload := map[string]any{
		"id":           t.ID,
		"title":        t.Title,
		"description":  t.Description,
		"is_completed": t.Status == model.TaskCompleted,
		"priority":     t.Priority,
	}
	if t.DueDate != nil {
		payload["due_date"] = t.DueDate.Format(time.RFC3339)
	}
	if len(t.Tags) > 0 {
		var tags []string
		if err := json.Unmarshal([]byte(t.Tags), &tags); err == nil {
			payload["tags"] = tags
		}
	}
	if t.RecurrencePattern != "" && t.RecurrencePattern != "none" {
		payload["recurrence_pattern"] = t.RecurrencePattern
	}
	return payload
}

// ---------- add_task ----------

type addTaskTool struct {
	taskToolBase
}

func (t *addTaskTool) Name() string { return ToolAddTask }

func (t *addTaskTool) Description() string {
	return "Create a new todo task for the current user. " +
		"Accepts an optional due date (formats: 'today', 'tomorrow', 'today at 3:00 PM', YYYY-MM-DD, ISO 8601), " +
		"priority, tags and a recurrence pattern for repeating tasks."
}

func (t *addTaskTool) Params() map[string]*ParamSpec {
	return map[string]*ParamSpec{
		"title": {
			Type:     schema.String,
			Desc:     "Short task title",
			Required: true,
			MaxLen:   255,
		},
		"description": {
			Type:   schema.String,
			Desc:   "Longer free-form details",
			MaxLen: 2000,
		},
		"priority": {
			Type: schema.String,
			Desc: "Task priority",
			Enum: priorityEnum,
		},
		"due_date": {
			Type: schema.String,
			Desc: "When the task is due, e.g. 'tomorrow' or '2025-07-01'",
		},
		"tags": {
			Type: schema.Array,
			Desc: "Labels attached to the task",
			Elem: &ParamSpec{Type: schema.String, MaxLen: 50},
		},
		"recurrence_pattern": {
			Type: schema.String,
			Desc: "Repeat schedule for recurring tasks",
			Enum: recurrenceEnum,
		},
	}
}

func (t *addTaskTool) Critical() bool   { return true }
func (t *addTaskTool) Idempotent() bool { return true }
func (t *addTaskTool) ReadOnly() bool   { return false }

func (t *addTaskTool) Invoke(ctx context.Context, req *Request) (any, error) {
	title, _ := stringArg(req.Args, "title")
	description, _ := stringArg(req.Args, "description")
	priority, ok := stringArg(req.Args, "priority")
	if !ok || priority == "" {
		priority = model.PriorityNone
	}
	recurrence, ok := stringArg(req.Args, "recurrence_pattern")
	if !ok || recurrence == "" {
		recurrence = "none"
	}

	var dueDate *time.Time
	if raw, ok := stringArg(req.Args, "due_date"); ok && raw != "" {
		if dueDate = parseDueDate(raw, t.now()); dueDate == nil {
			t.logger.Warn("unparseable due_date ignored", zap.String("raw", raw))
		}
	}

	task := &model.Task{
		ID:                uuid.New().String(),
		UserID:            req.User.UserID,
		Title:             title,
		Description:       description,
		Status:            model.TaskPending,
		Priority:          priority,
		DueDate:           dueDate,
		Tags:              encodeTags(stringsArg(req.Args, "tags")),
		RecurrencePattern: recurrence,
	}

	created := task
	if req.IdempotencyKey != "" {
		stored, _, err := t.store.CreateTaskIdempotent(ctx, req.IdempotencyKey, task)
		if err != nil {
			return nil, err
		}
		created = stored
	} else if err := t.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Task '%s' created successfully.", created.Title),
		"task":    taskPayload(created),
	}, nil
}

// ---------- list_tasks ----------

type listTasksTool struct {
	taskToolBase
}

func (t *listTasksTool) Name() string { return ToolListTasks }

func (t *listTasksTool) Description() string {
	return "List the current user's todo tasks, optionally filtered by status, priority or due window " +
		"(today, tomorrow, this_week, this_month, or a YYYY-MM-DD date)."
}

func (t *listTasksTool) Params() map[string]*ParamSpec {
	return map[string]*ParamSpec{
		"status": {
			Type: schema.String,
			Desc: "Completion filter",
			Enum: statusEnum,
		},
		"priority": {
			Type: schema.String,
			Desc: "Priority filter",
			Enum: priorityEnum,
		},
		"due_date": {
			Type: schema.String,
			Desc: "Due window: today, tomorrow, this_week, this_month or YYYY-MM-DD",
		},
	}
}

func (t *listTasksTool) Critical() bool   { return false }
func (t *listTasksTool) Idempotent() bool { return false }
func (t *listTasksTool) ReadOnly() bool   { return true }

func (t *listTasksTool) Invoke(ctx context.Context, req *Request) (any, error) {
	status, _ := stringArg(req.Args, "status")
	priority, _ := stringArg(req.Args, "priority")
	dueWithin, _ := stringArg(req.Args, "due_date")

	tasks, err := t.store.ListTasks(ctx, req.User.UserID, model.TaskFilter{
		Status:    status,
		Priority:  priority,
		DueWithin: dueWithin,
	})
	if err != nil {
		return nil, err
	}

	list := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		list = append(list, taskPayload(task))
	}
	return map[string]any{
		"success": true,
		"count":   len(list),
		"tasks":   list,
	}, nil
}

// ---------- complete_task ----------

type completeTaskTool struct {
	taskToolBase
}

func (t *completeTaskTool) Name() string { return ToolCompleteTask }

func (t *completeTaskTool) Description() string {
	return "Mark a task as completed (or back to pending with completed=false). " +
		"The task is located by its ID or a unique title fragment. " +
		"Completing a recurring task schedules its next instance."
}

func (t *completeTaskTool) Params() map[string]*ParamSpec {
	return map[string]*ParamSpec{
		"task_identifier": {
			Type:     schema.String,
			Desc:     "Task ID or a fragment of the title",
			Required: true,
		},
		"completed": {
			Type: schema.Boolean,
			Desc: "true to complete (default), false to reopen",
		},
	}
}

func (t *completeTaskTool) Critical() bool   { return true }
func (t *completeTaskTool) Idempotent() bool { return false }
func (t *completeTaskTool) ReadOnly() bool   { return false }

func (t *completeTaskTool) Invoke(ctx context.Context, req *Request) (any, error) {
	identifier, _ := stringArg(req.Args, "task_identifier")
	matches, err := t.store.FindTasksByIdentifier(ctx, req.User.UserID, identifier)
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Task '%s' not found or ambiguous.", identifier),
		}, nil
	}

	task := matches[0]
	completed := boolArg(req.Args, "completed", true)
	now := t.now()
	if completed {
		task.Status = model.TaskCompleted
		task.CompletedAt = &now
	} else {
		task.Status = model.TaskPending
		task.CompletedAt = nil
	}
	if err := t.store.UpdateTask(ctx, req.User.UserID, task); err != nil {
		return nil, err
	}

	statusText := "completed"
	if !completed {
		statusText = "marked as incomplete"
	}
	message := fmt.Sprintf("Task '%s' %s.", task.Title, statusText)

	// 周期任务完成后排下一期
	newTaskCreated := false
	if completed && task.RecurrencePattern != "" && task.RecurrencePattern != "none" && task.DueDate != nil {
		next := nextDueDate(task.RecurrencePattern, *task.DueDate)
		replacement := &model.Task{
			ID:                uuid.New().String(),
			UserID:            task.UserID,
			Title:             task.Title,
			Description:       task.Description,
			Status:            model.TaskPending,
			Priority:          task.Priority,
			DueDate:           &next,
			Tags:              task.Tags,
			RecurrencePattern: task.RecurrencePattern,
		}
		if err := t.store.CreateTask(ctx, replacement); err != nil {
			return nil, err
		}
		newTaskCreated = true
		message += fmt.Sprintf(" A new recurring instance has been created with due date %s.", next.Format("2006-01-02"))
	}

	return map[string]any{
		"success":          true,
		"message":          message,
		"task":             map[string]any{"id": task.ID, "is_completed": completed},
		"new_task_created": newTaskCreated,
	}, nil
}

// ---------- update_task ----------

type updateTaskTool struct {
	taskToolBase
}

func (t *updateTaskTool) Name() string { return ToolUpdateTask }

func (t *updateTaskTool) Description() string {
	return "Update an existing task's title, description, priority, due date, tags or recurrence pattern. " +
		"The task is located by its ID or a unique title fragment. " +
		"Passing an empty due_date clears it."
}

func (t *updateTaskTool) Params() map[string]*ParamSpec {
	return map[string]*ParamSpec{
		"task_identifier": {
			Type:     schema.String,
			Desc:     "Task ID or a fragment of the title",
			Required: true,
		},
		"title": {
			Type:   schema.String,
			Desc:   "New title",
			MaxLen: 255,
		},
		"description": {
			Type:   schema.String,
			Desc:   "New description",
			MaxLen: 2000,
		},
		"priority": {
			Type: schema.String,
			Desc: "New priority",
			Enum: priorityEnum,
		},
		"due_date": {
			Type: schema.String,
			Desc: "New due date, empty string clears it",
		},
		"tags": {
			Type: schema.Array,
			Desc: "Replacement tag list",
			Elem: &ParamSpec{Type: schema.String, MaxLen: 50},
		},
		"recurrence_pattern": {
			Type: schema.String,
			Desc: "New repeat schedule",
			Enum: recurrenceEnum,
		},
	}
}

func (t *updateTaskTool) Critical() bool   { return true }
func (t *updateTaskTool) Idempotent() bool { return false }
func (t *updateTaskTool) ReadOnly() bool   { return false }

func (t *updateTaskTool) Invoke(ctx context.Context, req *Request) (any, error) {
	identifier, _ := stringArg(req.Args, "task_identifier")
	matches, err := t.store.FindTasksByIdentifier(ctx, req.User.UserID, identifier)
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Task '%s' not found or ambiguous.", identifier),
		}, nil
	}
	task := matches[0]

	if title, ok := stringArg(req.Args, "title"); ok && title != "" {
		task.Title = title
	}
	if description, ok := stringArg(req.Args, "description"); ok {
		task.Description = description
	}
	if priority, ok := stringArg(req.Args, "priority"); ok && priority != "" {
		task.Priority = priority
	}
	if raw, ok := stringArg(req.Args, "due_date"); ok {
		if raw == "" {
			task.DueDate = nil
		} else if parsed := parseDueDate(raw, t.now()); parsed != nil {
			task.DueDate = parsed
		} else {
			t.logger.Warn("unparseable due_date ignored", zap.String("raw", raw))
		}
	}
	if hasArg(req.Args, "tags") {
		task.Tags = encodeTags(stringsArg(req.Args, "tags"))
	}
	if recurrence, ok := stringArg(req.Args, "recurrence_pattern"); ok && recurrence != "" {
		task.RecurrencePattern = recurrence
	}

	if err := t.store.UpdateTask(ctx, req.User.UserID, task); err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Task '%s' updated.", task.Title),
		"task":    taskPayload(task),
	}, nil
}

// ---------- delete_task ----------

type deleteTaskTool struct {
	taskToolBase
}

func (t *deleteTaskTool) Name() string { return ToolDeleteTask }

func (t *deleteTaskTool) Description() string {
	return "Delete a task located by its ID or a title fragment. " +
		"Optional status/priority/due filters narrow the match when several tasks share similar titles. " +
		"If the identifier is still ambiguous the matching candidates are returned instead of deleting anything."
}

func (t *deleteTaskTool) Params() map[string]*ParamSpec {
	return map[string]*ParamSpec{
		"task_identifier": {
			Type:     schema.String,
			Desc:     "Task ID or a fragment of the title",
			Required: true,
		},
		"status": {
			Type: schema.String,
			Desc: "Completion filter for narrowing the match",
			Enum: []string{model.TaskPending, model.TaskCompleted},
		},
		"priority": {
			Type: schema.String,
			Desc: "Priority filter for narrowing the match",
			Enum: priorityEnum,
		},
		"due_date": {
			Type: schema.String,
			Desc: "Due window filter: today, tomorrow, this_week, this_month or YYYY-MM-DD",
		},
	}
}

func (t *deleteTaskTool) Critical() bool   { return true }
func (t *deleteTaskTool) Idempotent() bool { return false }
func (t *deleteTaskTool) ReadOnly() bool   { return false }

func (t *deleteTaskTool) Invoke(ctx context.Context, req *Request) (any, error) {
	identifier, _ := stringArg(req.Args, "task_identifier")
	matches, err := t.store.FindTasksByIdentifier(ctx, req.User.UserID, identifier)
	if err != nil {
		return nil, err
	}

	status, _ := stringArg(req.Args, "status")
	priority, _ := stringArg(req.Args, "priority")
	dueWithin, _ := stringArg(req.Args, "due_date")
	if len(matches) > 1 && (status != "" || priority != "" || dueWithin != "") {
		matches, err = t.narrow(ctx, req.User.UserID, matches, model.TaskFilter{
			Status:    status,
			Priority:  priority,
			DueWithin: dueWithin,
		})
		if err != nil {
			return nil, err
		}
	}

	switch len(matches) {
	case 0:
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Task '%s' not found with the specified filters.", identifier),
		}, nil
	case 1:
		task := matches[0]
		if err := t.store.DeleteTask(ctx, req.User.UserID, task.ID); err != nil {
			return nil, err
		}
		return map[string]any{
			"success": true,
			"message": fmt.Sprintf("Task '%s' deleted.", task.Title),
		}, nil
	default:
		candidates := make([]map[string]any, 0, len(matches))
		for i, task := range matches {
			entry := map[string]any{
				"index":    i + 1,
				"id":       task.ID,
				"title":    task.Title,
				"priority": task.Priority,
				"status":   task.Status,
			}
			if task.DueDate != nil {
				entry["due_date"] = task.DueDate.Format(time.RFC3339)
			}
			candidates = append(candidates, entry)
		}
		return map[string]any{
			"success":         false,
			"message":         fmt.Sprintf("Multiple tasks found for '%s' with the specified filters. Please specify which one to delete.", identifier),
			"tasks":           candidates,
			"task_identifier": identifier,
		}, nil
	}
}

// narrow 用列表过滤器在候选集里做交集
func (t *deleteTaskTool) narrow(ctx context.Context, userID string, matches []*model.Task, filter model.TaskFilter) ([]*model.Task, error) {
	filtered, err := t.store.ListTasks(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(filtered))
	for _, task := range filtered {
		allowed[task.ID] = true
	}
	out := matches[:0]
	for _, task := range matches {
		if allowed[task.ID] {
			out = append(out, task)
		}
	}
	return out, nil
}

// ---------- 参数读取辅助 ----------

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func stringsArg(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func hasArg(args map[string]any, key string) bool {
	v, ok := args[key]
	return ok && v != nil
}

func encodeTags(tags []string) datatypes.JSON {
	if len(tags) == 0 {
		return nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
