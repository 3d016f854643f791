package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/apperr"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/model"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/repository"
)

// mockQueryStore 查询服务 Mock，消息按会话 ID 分桶
type mockQueryStore struct {
	conversations []*model.Conversation
	messages      map[string][]*model.Message
	createErr     error
	listErr       error
	countErr      error
	created       []*model.Conversation
}

func newMockQueryStore() *mockQueryStore {
	return &mockQueryStore{messages: make(map[string][]*model.Message)}
}

func (m *mockQueryStore) CreateConversation(_ context.Context, conv *model.Conversation) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.conversations = append(m.conversations, conv)
	m.created = append(m.created, conv)
	return nil
}

func (m *mockQueryStore) FindConversationByID(_ context.Context, id string) (*model.Conversation, error) {
	for _, c := range m.conversations {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockQueryStore) ListConversations(_ context.Context, userID string, limit int) ([]*model.Conversation, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*model.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockQueryStore) ListMessages(_ context.Context, userID, conversationID string, limit int) ([]*model.Message, error) {
	out := make([]*model.Message, 0)
	for _, msg := range m.messages[conversationID] {
		if msg.UserID != userID {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *mockQueryStore) CountMessages(_ context.Context, userID, conversationID string) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *mockQueryStore) LastMessage(_ context.Context, userID, conversationID string) (*model.Message, error) {
	msgs := m.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].UserID == userID {
			return msgs[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

// ========== 用例 ==========

func TestServiceCreate(t *testing.T) {
	tests := []struct {
		name      string
		title     string
		wantTitle string
	}{
		{name: "empty title uses default", title: "", wantTitle: defaultTitle},
		{name: "provided title kept", title: "Groceries", wantTitle: "Groceries"},
		{
			name:      "long title truncated",
			title:     strings.Repeat("task planning ", 10),
			wantTitle: "task planning task planning task planning task pla...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockQueryStore()
			svc := NewService(store, &recordingSink{}, zap.NewNop())

			conv, err := svc.Create(context.Background(), testUser(), tt.title)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if conv.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", conv.Title, tt.wantTitle)
			}
			if conv.ID == "" || conv.UserID != "user-a" {
				t.Errorf("conversation = %q/%q", conv.ID, conv.UserID)
			}
			if len(store.created) != 1 {
				t.Errorf("created %d rows, want 1", len(store.created))
			}
		})
	}
}

func TestServiceCreateStoreError(t *testing.T) {
	store := newMockQueryStore()
	store.createErr = errors.New("insert failed")
	svc := NewService(store, &recordingSink{}, zap.NewNop())

	if _, err := svc.Create(context.Background(), testUser(), "x"); err == nil {
		t.Fatal("Create() error = nil, want store error")
	}
}

func TestServiceList(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store := newMockQueryStore()
	store.conversations = []*model.Conversation{
		{ID: "conv-1", UserID: "user-a", Title: "Groceries", CreatedAt: now, UpdatedAt: now},
		{ID: "conv-2", UserID: "user-a", Title: "Empty", CreatedAt: now, UpdatedAt: now},
		{ID: "conv-x", UserID: "user-b", Title: "Someone else"},
	}
	store.messages["conv-1"] = []*model.Message{
		{ID: "m1", ConversationID: "conv-1", UserID: "user-a", Role: model.RoleUser, Content: "add milk"},
		{ID: "m2", ConversationID: "conv-1", UserID: "user-a", Role: model.RoleAssistant,
			Content: "Added \"milk\" to your list. It is due " + strings.Repeat("very ", 20) + "soon."},
	}

	svc := NewService(store, &recordingSink{}, zap.NewNop())
	previews, err := svc.List(context.Background(), testUser())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("List() = %d previews, want 2", len(previews))
	}

	p := previews[0]
	if p.ID != "conv-1" || p.Title != "Groceries" {
		t.Errorf("previews[0] = %s/%s", p.ID, p.Title)
	}
	if p.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", p.MessageCount)
	}
	if p.LastRole != model.RoleAssistant {
		t.Errorf("LastRole = %q, want assistant", p.LastRole)
	}
	if !strings.HasSuffix(p.LastMessage, "...") {
		t.Errorf("LastMessage = %q, want truncated preview", p.LastMessage)
	}
	if got := len([]rune(p.LastMessage)); got != previewRunes+3 {
		t.Errorf("LastMessage length = %d runes, want %d", got, previewRunes+3)
	}

	empty := previews[1]
	if empty.MessageCount != 0 || empty.LastMessage != "" || empty.LastRole != "" {
		t.Errorf("empty conversation preview = %+v", empty)
	}
}

func TestServiceListNoConversations(t *testing.T) {
	svc := NewService(newMockQueryStore(), &recordingSink{}, zap.NewNop())
	previews, err := svc.List(context.Background(), testUser())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(previews) != 0 {
		t.Errorf("List() = %d previews, want 0", len(previews))
	}
}

func TestServiceMessagesOwned(t *testing.T) {
	store := newMockQueryStore()
	store.conversations = []*model.Conversation{{ID: "conv-1", UserID: "user-a"}}
	store.messages["conv-1"] = []*model.Message{
		{ID: "m1", ConversationID: "conv-1", UserID: "user-a", Role: model.RoleUser, Content: "hello", Seq: 1},
		{ID: "m2", ConversationID: "conv-1", UserID: "user-a", Role: model.RoleAssistant, Content: "hi!", Seq: 2},
	}
	svc := NewService(store, &recordingSink{}, zap.NewNop())

	msgs, err := svc.Messages(context.Background(), testUser(), "conv-1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Messages() = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("message order = %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestServiceMessagesNotFound(t *testing.T) {
	svc := NewService(newMockQueryStore(), &recordingSink{}, zap.NewNop())

	_, err := svc.Messages(context.Background(), testUser(), "no-such")
	if err == nil {
		t.Fatal("Messages() error = nil, want not found")
	}
	if apperr.CodeOf(err) != apperr.CodeConversationNotFound {
		t.Errorf("code = %s", apperr.CodeOf(err))
	}
	if apperr.HTTPStatus(err) != 404 {
		t.Errorf("status = %d, want 404", apperr.HTTPStatus(err))
	}
}

func TestServiceMessagesForeignAudited(t *testing.T) {
	store := newMockQueryStore()
	store.conversations = []*model.Conversation{{ID: "conv-b", UserID: "user-b"}}
	store.messages["conv-b"] = []*model.Message{
		{ID: "m1", ConversationID: "conv-b", UserID: "user-b", Role: model.RoleUser, Content: "secret"},
	}
	sink := &recordingSink{}
	svc := NewService(store, sink, zap.NewNop())

	msgs, err := svc.Messages(context.Background(), testUser(), "conv-b")
	if err == nil {
		t.Fatal("Messages() error = nil, want ownership rejection")
	}
	if msgs != nil {
		t.Error("Messages() leaked data on rejection")
	}
	if apperr.CodeOf(err) != apperr.CodeConversationNotOwned {
		t.Errorf("code = %s", apperr.CodeOf(err))
	}
	if len(sink.events) != 1 {
		t.Fatalf("recorded %d audit events, want 1", len(sink.events))
	}
	if sink.events[0].UserID != "user-a" || sink.events[0].TargetUserID != "user-b" {
		t.Errorf("audit principals = (%s, %s)", sink.events[0].UserID, sink.events[0].TargetUserID)
	}
}

func TestPreviewText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "short text unchanged", in: "buy milk", want: "buy milk"},
		{name: "whitespace collapsed", in: "  buy \n milk ", want: "buy milk"},
		{name: "empty stays empty", in: "   ", want: ""},
		{
			name: "long text truncated with ellipsis",
			in:   strings.Repeat("a", 60),
			want: strings.Repeat("a", 50) + "...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := previewText(tt.in, previewRunes); got != tt.want {
				t.Errorf("previewText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
