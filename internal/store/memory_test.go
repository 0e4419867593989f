package store

import (
	"context"
	"errors"
	"testing"
)

func TestAppendMessageOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conversationID := "conv-1"
	for i := 0; i < 5; i++ {
		msg := &Message{
			AgentID:        "agent-1",
			Type:           MessageHuman,
			Content:        "hello",
			ConversationID: conversationID,
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
		if msg.ID == "" {
			t.Fatalf("message %d missing id", i)
		}
	}

	messages, err := s.ListConversation(ctx, conversationID, 0)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Fatalf("created_at not monotonic at index %d", i)
		}
	}
}

func TestAppendMessageIsolatesMetadata(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	metadata := map[string]any{"strategy": "trading"}
	msg := &Message{
		AgentID:        "agent-1",
		Type:           MessageAI,
		Content:        "done",
		Metadata:       metadata,
		ConversationID: "conv-1",
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}

	// 外部修改不应影响已落库的记录。
	metadata["strategy"] = "creative"

	messages, err := s.ListConversation(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if got := messages[0].Metadata["strategy"]; got != "trading" {
		t.Fatalf("stored metadata mutated: %v", got)
	}
}

func TestActionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record := &ActionRecord{
		AgentID:    "agent-1",
		ActionType: "chat_message",
		Parameters: map[string]any{"message": "hi"},
	}
	if err := s.CreateAction(ctx, record); err != nil {
		t.Fatalf("create action: %v", err)
	}
	if record.Status != ActionPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}

	if err := s.CompleteAction(ctx, record.ID, map[string]any{"response": "hello"}); err != nil {
		t.Fatalf("complete action: %v", err)
	}

	// 终态迁移只允许发生一次。
	if err := s.FailAction(ctx, record.ID, "boom"); !errors.Is(err, ErrActionFinalized) {
		t.Fatalf("expected ErrActionFinalized, got %v", err)
	}

	stored, err := s.GetAction(ctx, record.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if stored.Status != ActionCompleted {
		t.Fatalf("expected completed status, got %s", stored.Status)
	}
	if stored.Result["response"] != "hello" {
		t.Fatalf("unexpected result: %+v", stored.Result)
	}
}

func TestFailActionRecordsMessage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record := &ActionRecord{AgentID: "agent-1", ActionType: "trade"}
	if err := s.CreateAction(ctx, record); err != nil {
		t.Fatalf("create action: %v", err)
	}
	if err := s.FailAction(ctx, record.ID, "insufficient funds"); err != nil {
		t.Fatalf("fail action: %v", err)
	}

	stored, err := s.GetAction(ctx, record.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if stored.Status != ActionError || stored.ErrorMessage != "insufficient funds" {
		t.Fatalf("unexpected record: %+v", stored)
	}
}

func TestWalletSaveIsLastWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetWallet(ctx, "agent-1"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}

	first := &WalletRecord{AgentID: "agent-1", WalletID: "w1", NetworkID: "base-sepolia", Address: "0x01", Configuration: []byte(`{"v":1}`)}
	if err := s.SaveWallet(ctx, first); err != nil {
		t.Fatalf("save wallet: %v", err)
	}
	second := &WalletRecord{AgentID: "agent-1", WalletID: "w1", NetworkID: "base-sepolia", Address: "0x01", Configuration: []byte(`{"v":2}`)}
	if err := s.SaveWallet(ctx, second); err != nil {
		t.Fatalf("save wallet again: %v", err)
	}

	stored, err := s.GetWallet(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if string(stored.Configuration) != `{"v":2}` {
		t.Fatalf("expected last write to win, got %s", stored.Configuration)
	}
}
