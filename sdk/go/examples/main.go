package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"DeFiAgent-Chain/sdk/go/defiagent"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(defiagent.ChatResult{
			Response:       "I checked your wallet: balance is 0.42 ETH.",
			MessageID:      "msg-demo",
			ConversationID: "conv-demo",
			Steps:          2,
		})
	})
	mux.HandleFunc("GET /api/v1/agents/{agent_id}/available-actions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"actions": []defiagent.ActionDescription{
				{Name: "get_wallet_details", Description: "Inspect the agent wallet."},
				{Name: "get_token_price", Description: "Fetch token prices."},
			},
		})
	})
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		encoder := json.NewEncoder(w)
		_ = encoder.Encode(defiagent.Chunk{Type: "tool", ToolName: "get_balance", Content: `{"success":true,"data":{"balance_wei":"420000000000000000"}}`, ConversationID: "conv-demo"})
		_ = encoder.Encode(defiagent.Chunk{Type: "ai", Content: "Your balance is 0.42 ETH.", ConversationID: "conv-demo"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := defiagent.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	actions, err := client.AvailableActions(ctx, "demo-agent")
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent exposes %d actions\n", len(actions))

	result, err := client.Chat(ctx, "demo-agent", "how much ETH do I have?", "")
	if err != nil {
		panic(err)
	}
	fmt.Printf("chat reply: %s (conversation=%s)\n", result.Response, result.ConversationID)

	err = client.ChatStream(ctx, "demo-agent", "stream it this time", result.ConversationID, func(chunk defiagent.Chunk) error {
		fmt.Printf("stream chunk [%s] %s\n", chunk.Type, chunk.Content)
		return nil
	})
	if err != nil {
		panic(err)
	}
}
