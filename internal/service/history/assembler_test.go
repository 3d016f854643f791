// Package history 提供上下文组装器单元测试
package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
)

// mockStore 消息存储 Mock，messages 按时间升序持有
type mockStore struct {
	total    int64
	messages []*model.Message
	listErr  error
	countErr error
}

func (m *mockStore) ListRecentMessages(ctx context.Context, userID, conversationID string, limit int) ([]*model.Message, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if len(m.messages) > limit {
		return m.messages[len(m.messages)-limit:], nil
	}
	return m.messages, nil
}

func (m *mockStore) CountMessages(ctx context.Context, userID, conversationID string) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.total, nil
}

func seedMessages(userID, conversationID string, n int, content string) []*model.Message {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	msgs := make([]*model.Message, n)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs[i] = &model.Message{
			ID:             fmt.Sprintf("msg-%03d", i+1),
			ConversationID: conversationID,
			UserID:         userID,
			Role:           role,
			Content:        fmt.Sprintf("%s %d", content, i+1),
			Seq:            int64(i + 1),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
	}
	return msgs
}

func caller() *model.UserContext {
	return &model.UserContext{UserID: "user-a", Email: "a@example.com"}
}

func TestAssembleSmallConversation(t *testing.T) {
	store := &mockStore{
		total:    5,
		messages: seedMessages("user-a", "conv-1", 5, "hello"),
	}
	a := NewAssembler(store, Options{}, zap.NewNop())

	got, err := a.Assemble(context.Background(), caller(), "conv-1")
	if err != nil {
		t.Fatalf("Assemble() unexpected error: %v", err)
	}
	if got.DroppedCount != 0 {
		t.Errorf("DroppedCount = %d, want 0", got.DroppedCount)
	}
	if len(got.Messages) != 5 {
		t.Fatalf("len(Messages) = %d, want 5", len(got.Messages))
	}
	for i, msg := range got.Messages {
		want := fmt.Sprintf("hello %d", i+1)
		if msg.Content != want {
			t.Errorf("Messages[%d].Content = %q, want %q", i, msg.Content, want)
		}
	}
	if got.Messages[0].Role != schema.User || got.Messages[1].Role != schema.Assistant {
		t.Error("role mapping lost during assembly")
	}
}

// 120 条历史只取最近一窗，窗口内保持时间升序
func TestAssembleLongConversationWindow(t *testing.T) {
	store := &mockStore{
		total:    120,
		messages: seedMessages("user-a", "conv-1", 120, "note"),
	}
	a := NewAssembler(store, Options{}, zap.NewNop())

	got, err := a.Assemble(context.Background(), caller(), "conv-1")
	if err != nil {
		t.Fatalf("Assemble() unexpected error: %v", err)
	}
	if len(got.Messages) > 50 {
		t.Errorf("len(Messages) = %d, want at most 50", len(got.Messages))
	}
	if got.Messages[0].Role != schema.System {
		t.Fatal("expected a summary message at the head of a heavily truncated context")
	}
	if !strings.Contains(got.Messages[0].Content, "earlier messages omitted") {
		t.Errorf("summary content = %q, want omission notice", got.Messages[0].Content)
	}
	if got.DroppedCount != 120-(len(got.Messages)-1) {
		t.Errorf("DroppedCount = %d, want %d", got.DroppedCount, 120-(len(got.Messages)-1))
	}

	// 摘要之后的历史必须升序且是最近的区段
	history := got.Messages[1:]
	for i := 1; i < len(history); i++ {
		prev := extractIndex(t, history[i-1].Content)
		curr := extractIndex(t, history[i].Content)
		if curr != prev+1 {
			t.Fatalf("history out of order at %d: %q then %q", i, history[i-1].Content, history[i].Content)
		}
	}
	if last := extractIndex(t, history[len(history)-1].Content); last != 120 {
		t.Errorf("newest message index = %d, want 120", last)
	}
}

func TestAssembleTokenBudgetDropsOldest(t *testing.T) {
	// 每条约 50 token，预算 80 token：只留得下最新一条
	long := strings.Repeat("x", 200)
	store := &mockStore{
		total:    5,
		messages: seedMessages("user-a", "conv-1", 5, long),
	}
	a := NewAssembler(store, Options{ModelTokenLimit: 100, ReservePercent: 20}, zap.NewNop())

	got, err := a.Assemble(context.Background(), caller(), "conv-1")
	if err != nil {
		t.Fatalf("Assemble() unexpected error: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(got.Messages))
	}
	if got.DroppedCount != 4 {
		t.Errorf("DroppedCount = %d, want 4", got.DroppedCount)
	}
	if !strings.HasSuffix(got.Messages[0].Content, " 5") {
		t.Errorf("kept message = %q, want the newest one", got.Messages[0].Content)
	}
}

func TestAssembleSummaryBelowThresholdSilent(t *testing.T) {
	long := strings.Repeat("y", 400)
	store := &mockStore{
		total:    10,
		messages: seedMessages("user-a", "conv-1", 10, long),
	}
	// 预算留 8 条，丢 2 条：低于阈值，不插摘要
	a := NewAssembler(store, Options{ModelTokenLimit: 1000, ReservePercent: 20, SummaryThreshold: 5}, zap.NewNop())

	got, err := a.Assemble(context.Background(), caller(), "conv-1")
	if err != nil {
		t.Fatalf("Assemble() unexpected error: %v", err)
	}
	if got.DroppedCount != 2 {
		t.Errorf("DroppedCount = %d, want 2", got.DroppedCount)
	}
	for _, msg := range got.Messages {
		if msg.Role == schema.System {
			t.Error("summary inserted below threshold")
		}
	}
}

func TestAssembleSummaryAboveThreshold(t *testing.T) {
	long := strings.Repeat("z", 400)
	store := &mockStore{
		total:    30,
		messages: seedMessages("user-a", "conv-1", 30, long),
	}
	// 每条 100 token，预算 800：留 8 条，丢 22 条
	a := NewAssembler(store, Options{ModelTokenLimit: 1000, ReservePercent: 20}, zap.NewNop())

	got, err := a.Assemble(context.Background(), caller(), "conv-1")
	if err != nil {
		t.Fatalf("Assemble() unexpected error: %v", err)
	}
	if got.DroppedCount != 22 {
		t.Errorf("DroppedCount = %d, want 22", got.DroppedCount)
	}
	if len(got.Messages) != 9 {
		t.Fatalf("len(Messages) = %d, want 9 (summary + 8)", len(got.Messages))
	}
	head := got.Messages[0]
	if head.Role != schema.System {
		t.Fatalf("head role = %s, want system", head.Role)
	}
	if !strings.Contains(head.Content, "[... 22 earlier messages omitted ...]") {
		t.Errorf("summary = %q, want omission count 22", head.Content)
	}
	if !strings.Contains(head.Content, "Most recent omitted message:") {
		t.Errorf("summary = %q, want digest line", head.Content)
	}
}

// 查询层即使泄漏了他人的行，组装器也要在内存里再过滤一次
func TestAssembleFiltersForeignRows(t *testing.T) {
	msgs := seedMessages("user-a", "conv-1", 4, "mine")
	foreign := &model.Message{
		ID:             "msg-foreign",
		ConversationID: "conv-1",
		UserID:         "user-b",
		Role:           model.RoleUser,
		Content:        "user b secret",
		Seq:            3,
		CreatedAt:      msgs[2].CreatedAt,
	}
	store := &mockStore{
		total:    4,
		messages: append(msgs[:2:2], append([]*model.Message{foreign}, msgs[2:]...)...),
	}
	a := NewAssembler(store, Options{}, zap.NewNop())

	got, err := a.Assemble(context.Background(), caller(), "conv-1")
	if err != nil {
		t.Fatalf("Assemble() unexpected error: %v", err)
	}
	for _, msg := range got.Messages {
		if strings.Contains(msg.Content, "secret") {
			t.Fatal("foreign user content leaked into assembled context")
		}
	}
	if len(got.Messages) != 4 {
		t.Errorf("len(Messages) = %d, want 4", len(got.Messages))
	}
}

func TestAssembleOversizedNewestStillKept(t *testing.T) {
	huge := strings.Repeat("w", 10000)
	store := &mockStore{
		total:    1,
		messages: seedMessages("user-a", "conv-1", 1, huge),
	}
	a := NewAssembler(store, Options{ModelTokenLimit: 100, ReservePercent: 20}, zap.NewNop())

	got, err := a.Assemble(context.Background(), caller(), "conv-1")
	if err != nil {
		t.Fatalf("Assemble() unexpected error: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want the newest message kept unconditionally", len(got.Messages))
	}
}

func extractIndex(t *testing.T, content string) int {
	t.Helper()
	var idx int
	if _, err := fmt.Sscanf(content[strings.LastIndex(content, " ")+1:], "%d", &idx); err != nil {
		t.Fatalf("content %q carries no index: %v", content, err)
	}
	return idx
}
