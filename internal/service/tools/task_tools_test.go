package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// fakeTaskStore 任务存储 Mock
type fakeTaskStore struct {
	tasks       map[string]*model.Task
	idempotency map[string]*model.Task
	createErr   error
	listErr     error
	updateErr   error
	deleteErr   error
	createCalls int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		tasks:       make(map[string]*model.Task),
		idempotency: make(map[string]*model.Task),
	}
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, task *model.Task) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.createCalls++
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeTaskStore) CreateTaskIdempotent(ctx context.Context, key string, task *model.Task) (*model.Task, bool, error) {
	if stored, ok := f.idempotency[key]; ok {
		return stored, true, nil
	}
	if err := f.CreateTask(ctx, task); err != nil {
		return nil, false, err
	}
	f.idempotency[key] = f.tasks[task.ID]
	return f.tasks[task.ID], false, nil
}

func (f *fakeTaskStore) ListTasks(ctx context.Context, userID string, filter model.TaskFilter) ([]*model.Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*model.Task
	for _, t := range f.tasks {
		if t.UserID != userID {
			continue
		}
		if filter.Status != "" && filter.Status != "all" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeTaskStore) FindTasksByIdentifier(ctx context.Context, userID, identifier string) ([]*model.Task, error) {
	if t, ok := f.tasks[identifier]; ok && t.UserID == userID {
		return []*model.Task{t}, nil
	}
	lower := strings.ToLower(identifier)
	var matches []*model.Task
	for _, t := range f.tasks {
		if t.UserID == userID && strings.Contains(strings.ToLower(t.Title), lower) {
			matches = append(matches, t)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	var exact []*model.Task
	for _, t := range matches {
		if strings.EqualFold(t.Title, identifier) {
			exact = append(exact, t)
		}
	}
	if len(exact) == 1 {
		return exact, nil
	}
	return matches, nil
}

func (f *fakeTaskStore) UpdateTask(ctx context.Context, userID string, task *model.Task) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	existing, ok := f.tasks[task.ID]
	if !ok || existing.UserID != userID {
		return errors.New("task not found")
	}
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeTaskStore) DeleteTask(ctx context.Context, userID, taskID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	existing, ok := f.tasks[taskID]
	if !ok || existing.UserID != userID {
		return errors.New("task not found")
	}
	delete(f.tasks, taskID)
	return nil
}

func seedTask(store *fakeTaskStore, id, userID, title, status, priority string) *model.Task {
	task := &model.Task{
		ID:       id,
		UserID:   userID,
		Title:    title,
		Status:   status,
		Priority: priority,
	}
	store.tasks[id] = task
	return task
}

func toolByName(t *testing.T, store *fakeTaskStore, name string) Tool {
	t.Helper()
	registry := NewRegistry(NewTaskTools(store, zap.NewNop())...)
	tool, ok := registry.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return tool
}

func invoke(t *testing.T, tool Tool, args map[string]any, key string) map[string]any {
	t.Helper()
	if err := ValidateArgs(tool.Params(), args); err != nil {
		t.Fatalf("ValidateArgs() failed: %v", err)
	}
	result, err := tool.Invoke(context.Background(), &Request{
		User:           &model.UserContext{UserID: "user-a", Email: "a@example.com"},
		Args:           args,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("Invoke() unexpected error: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("Invoke() result type %T, want map", result)
	}
	return out
}

func TestAddTask(t *testing.T) {
	store := newFakeTaskStore()
	tool := toolByName(t, store, ToolAddTask)

	result := invoke(t, tool, map[string]any{
		"title":    "buy milk",
		"priority": "high",
		"due_date": "2025-07-01",
		"tags":     []any{"shopping", "errands"},
	}, "")

	if result["success"] != true {
		t.Fatalf("success = %v, want true", result["success"])
	}
	if msg := result["message"].(string); !strings.Contains(msg, "created successfully") {
		t.Errorf("message = %q", msg)
	}
	if len(store.tasks) != 1 {
		t.Fatalf("store holds %d tasks, want 1", len(store.tasks))
	}
	for _, task := range store.tasks {
		if task.Title != "buy milk" || task.Priority != model.PriorityHigh {
			t.Errorf("stored task = %+v", task)
		}
		if task.UserID != "user-a" {
			t.Errorf("task UserID = %q, want the authenticated identity", task.UserID)
		}
		if task.Status != model.TaskPending {
			t.Errorf("task Status = %q, want pending", task.Status)
		}
		if task.DueDate == nil || task.DueDate.Format("2006-01-02") != "2025-07-01" {
			t.Errorf("task DueDate = %v, want 2025-07-01", task.DueDate)
		}
		var tags []string
		if err := json.Unmarshal([]byte(task.Tags), &tags); err != nil || len(tags) != 2 {
			t.Errorf("task Tags = %s", string(task.Tags))
		}
	}
}

func TestAddTaskDefaults(t *testing.T) {
	store := newFakeTaskStore()
	tool := toolByName(t, store, ToolAddTask)

	invoke(t, tool, map[string]any{"title": "plain"}, "")

	for _, task := range store.tasks {
		if task.Priority != model.PriorityNone {
			t.Errorf("Priority = %q, want none", task.Priority)
		}
		if task.RecurrencePattern != "none" {
			t.Errorf("RecurrencePattern = %q, want none", task.RecurrencePattern)
		}
		if task.DueDate != nil {
			t.Errorf("DueDate = %v, want nil", task.DueDate)
		}
	}
}

// 同一幂等键重复执行只允许产生一次副作用
func TestAddTaskIdempotentReplay(t *testing.T) {
	store := newFakeTaskStore()
	tool := toolByName(t, store, ToolAddTask)
	args := map[string]any{"title": "pay rent"}

	first := invoke(t, tool, args, "key-1")
	second := invoke(t, tool, args, "key-1")

	if store.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", store.createCalls)
	}
	firstTask := first["task"].(map[string]any)
	secondTask := second["task"].(map[string]any)
	if firstTask["id"] != secondTask["id"] {
		t.Errorf("replay returned different task ids: %v vs %v", firstTask["id"], secondTask["id"])
	}
}

func TestListTasks(t *testing.T) {
	store := newFakeTaskStore()
	seedTask(store, "t1", "user-a", "buy milk", model.TaskPending, model.PriorityHigh)
	seedTask(store, "t2", "user-a", "walk dog", model.TaskCompleted, model.PriorityLow)
	seedTask(store, "t3", "user-b", "foreign task", model.TaskPending, model.PriorityHigh)
	tool := toolByName(t, store, ToolListTasks)

	result := invoke(t, tool, map[string]any{"status": "pending"}, "")

	if result["count"] != 1 {
		t.Fatalf("count = %v, want 1", result["count"])
	}
	tasks := result["tasks"].([]map[string]any)
	if tasks[0]["title"] != "buy milk" {
		t.Errorf("tasks[0] = %v", tasks[0])
	}
}

func TestCompleteTask(t *testing.T) {
	store := newFakeTaskStore()
	seedTask(store, "t1", "user-a", "buy milk", model.TaskPending, model.PriorityNone)
	tool := toolByName(t, store, ToolCompleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "buy milk"}, "")

	if result["success"] != true {
		t.Fatalf("success = %v, want true", result["success"])
	}
	stored := store.tasks["t1"]
	if stored.Status != model.TaskCompleted {
		t.Errorf("Status = %q, want completed", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if result["new_task_created"] != false {
		t.Errorf("new_task_created = %v, want false", result["new_task_created"])
	}
}

func TestCompleteTaskReopen(t *testing.T) {
	store := newFakeTaskStore()
	task := seedTask(store, "t1", "user-a", "buy milk", model.TaskCompleted, model.PriorityNone)
	completedAt := time.Now()
	task.CompletedAt = &completedAt
	tool := toolByName(t, store, ToolCompleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "t1", "completed": false}, "")

	if !strings.Contains(result["message"].(string), "marked as incomplete") {
		t.Errorf("message = %v", result["message"])
	}
	stored := store.tasks["t1"]
	if stored.Status != model.TaskPending || stored.CompletedAt != nil {
		t.Errorf("stored = %+v, want reopened pending task", stored)
	}
}

// 完成周期任务要自动排下一期
func TestCompleteTaskRecurring(t *testing.T) {
	store := newFakeTaskStore()
	due := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	task := seedTask(store, "t1", "user-a", "water plants", model.TaskPending, model.PriorityNone)
	task.RecurrencePattern = "weekly"
	task.DueDate = &due
	tool := toolByName(t, store, ToolCompleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "water plants"}, "")

	if result["new_task_created"] != true {
		t.Fatalf("new_task_created = %v, want true", result["new_task_created"])
	}
	if !strings.Contains(result["message"].(string), "2025-06-22") {
		t.Errorf("message = %v, want next due date", result["message"])
	}
	if len(store.tasks) != 2 {
		t.Fatalf("store holds %d tasks, want original + recurring instance", len(store.tasks))
	}
	for id, stored := range store.tasks {
		if id == "t1" {
			continue
		}
		if stored.Status != model.TaskPending || stored.DueDate == nil || !stored.DueDate.Equal(due.AddDate(0, 0, 7)) {
			t.Errorf("recurring instance = %+v", stored)
		}
	}
}

func TestCompleteTaskAmbiguous(t *testing.T) {
	store := newFakeTaskStore()
	seedTask(store, "t1", "user-a", "buy milk today", model.TaskPending, model.PriorityNone)
	seedTask(store, "t2", "user-a", "buy milk tomorrow", model.TaskPending, model.PriorityNone)
	tool := toolByName(t, store, ToolCompleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "buy"}, "")

	if result["success"] != false {
		t.Fatalf("success = %v, want false for ambiguous identifier", result["success"])
	}
	if !strings.Contains(result["message"].(string), "not found or ambiguous") {
		t.Errorf("message = %v", result["message"])
	}
	// 两个任务都不能被动过
	if store.tasks["t1"].Status != model.TaskPending || store.tasks["t2"].Status != model.TaskPending {
		t.Error("ambiguous match mutated a task")
	}
}

func TestUpdateTask(t *testing.T) {
	store := newFakeTaskStore()
	due := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	task := seedTask(store, "t1", "user-a", "buy milk", model.TaskPending, model.PriorityNone)
	task.DueDate = &due
	tool := toolByName(t, store, ToolUpdateTask)

	result := invoke(t, tool, map[string]any{
		"task_identifier": "buy milk",
		"priority":        "high",
		"due_date":        "",
		"tags":            []any{"groceries"},
	}, "")

	if result["success"] != true {
		t.Fatalf("success = %v, want true", result["success"])
	}
	stored := store.tasks["t1"]
	if stored.Priority != model.PriorityHigh {
		t.Errorf("Priority = %q, want high", stored.Priority)
	}
	if stored.DueDate != nil {
		t.Errorf("DueDate = %v, want cleared", stored.DueDate)
	}
	var tags []string
	if err := json.Unmarshal([]byte(stored.Tags), &tags); err != nil || len(tags) != 1 || tags[0] != "groceries" {
		t.Errorf("Tags = %s", string(stored.Tags))
	}
}

func TestDeleteTask(t *testing.T) {
	store := newFakeTaskStore()
	seedTask(store, "t1", "user-a", "buy milk", model.TaskPending, model.PriorityNone)
	tool := toolByName(t, store, ToolDeleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "milk"}, "")

	if result["success"] != true {
		t.Fatalf("success = %v, want true", result["success"])
	}
	if len(store.tasks) != 0 {
		t.Error("task not deleted")
	}
}

func TestDeleteTaskAmbiguousReturnsCandidates(t *testing.T) {
	store := newFakeTaskStore()
	seedTask(store, "t1", "user-a", "buy milk today", model.TaskPending, model.PriorityNone)
	seedTask(store, "t2", "user-a", "buy milk tomorrow", model.TaskPending, model.PriorityNone)
	tool := toolByName(t, store, ToolDeleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "buy milk"}, "")

	if result["success"] != false {
		t.Fatalf("success = %v, want false", result["success"])
	}
	candidates := result["tasks"].([]map[string]any)
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	if len(store.tasks) != 2 {
		t.Error("ambiguous delete removed a task")
	}
}

func TestDeleteTaskNarrowedByFilter(t *testing.T) {
	store := newFakeTaskStore()
	seedTask(store, "t1", "user-a", "buy milk today", model.TaskPending, model.PriorityNone)
	seedTask(store, "t2", "user-a", "buy milk tomorrow", model.TaskCompleted, model.PriorityNone)
	tool := toolByName(t, store, ToolDeleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "buy milk", "status": "completed"}, "")

	if result["success"] != true {
		t.Fatalf("success = %v, want true after narrowing", result["success"])
	}
	if _, ok := store.tasks["t2"]; ok {
		t.Error("completed duplicate not deleted")
	}
	if _, ok := store.tasks["t1"]; !ok {
		t.Error("wrong task deleted")
	}
}

func TestDeleteTaskNotFound(t *testing.T) {
	store := newFakeTaskStore()
	tool := toolByName(t, store, ToolDeleteTask)

	result := invoke(t, tool, map[string]any{"task_identifier": "ghost"}, "")

	if result["success"] != false {
		t.Fatalf("success = %v, want false", result["success"])
	}
	if !strings.Contains(result["message"].(string), "not found") {
		t.Errorf("message = %v", result["message"])
	}
}

func TestTaskToolFlags(t *testing.T) {
	store := newFakeTaskStore()
	registry := NewRegistry(NewTaskTools(store, zap.NewNop())...)

	tests := []struct {
		name       string
		critical   bool
		idempotent bool
		readOnly   bool
	}{
		{ToolAddTask, true, true, false},
		{ToolListTasks, false, false, true},
		{ToolCompleteTask, true, false, false},
		{ToolUpdateTask, true, false, false},
		{ToolDeleteTask, true, false, false},
	}
	for _, tt := range tests {
		tool, ok := registry.Get(tt.name)
		if !ok {
			t.Fatalf("tool %s missing", tt.name)
		}
		if tool.Critical() != tt.critical || tool.Idempotent() != tt.idempotent || tool.ReadOnly() != tt.readOnly {
			t.Errorf("%s flags = (%v,%v,%v), want (%v,%v,%v)", tt.name,
				tool.Critical(), tool.Idempotent(), tool.ReadOnly(),
				tt.critical, tt.idempotent, tt.readOnly)
		}
	}
}
