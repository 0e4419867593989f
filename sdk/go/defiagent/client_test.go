package defiagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/chat", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		if req["message"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "message 不能为空"})
			return
		}
		json.NewEncoder(w).Encode(ChatResult{
			Response:       "hello",
			MessageID:      "msg-1",
			ConversationID: "conv-1",
			Steps:          1,
		})
	})
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/actions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "completed",
			"result": map[string]any{"address": "0xabc"},
		})
	})
	mux.HandleFunc("GET /api/v1/agents/{agent_id}/available-actions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"actions": []ActionDescription{{Name: "get_wallet_details"}, {Name: "trade"}},
		})
	})
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		encoder := json.NewEncoder(w)
		encoder.Encode(Chunk{Type: "tool", Content: `{"success":true}`, ToolName: "get_balance", ConversationID: "conv-1"})
		encoder.Encode(Chunk{Type: "ai", Content: "done", ConversationID: "conv-1"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return server, client
}

func TestChat(t *testing.T) {
	_, client := newTestServer(t)

	result, err := client.Chat(context.Background(), "agent-1", "hi", "")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if result.Response != "hello" || result.ConversationID != "conv-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestChatReturnsAPIError(t *testing.T) {
	_, client := newTestServer(t)

	_, err := client.Chat(context.Background(), "agent-1", "", "")
	if err == nil {
		t.Fatal("expected error for empty message")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Message == "" {
		t.Fatal("expected error message from server payload")
	}
}

func TestExecuteAction(t *testing.T) {
	_, client := newTestServer(t)

	result, err := client.ExecuteAction(context.Background(), "agent-1", "get_wallet_details", nil)
	if err != nil {
		t.Fatalf("execute action: %v", err)
	}
	if result["address"] != "0xabc" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestAvailableActions(t *testing.T) {
	_, client := newTestServer(t)

	actions, err := client.AvailableActions(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("available actions: %v", err)
	}
	if len(actions) != 2 || actions[1].Name != "trade" {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestChatStream(t *testing.T) {
	_, client := newTestServer(t)

	var chunks []Chunk
	err := client.ChatStream(context.Background(), "agent-1", "hi", "", func(chunk Chunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Type != "tool" || chunks[0].ToolName != "get_balance" {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Type != "ai" || chunks[1].Content != "done" {
		t.Fatalf("unexpected final chunk: %+v", chunks[1])
	}
}

func TestChatStreamStopsOnCallbackError(t *testing.T) {
	_, client := newTestServer(t)

	sentinel := errors.New("stop")
	var seen int
	err := client.ChatStream(context.Background(), "agent-1", "hi", "", func(Chunk) error {
		seen++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if seen != 1 {
		t.Fatalf("callback should run once, ran %d times", seen)
	}
}
