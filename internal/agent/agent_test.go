package agent

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	"DeFiAgent-Chain/internal/autochat"
	"DeFiAgent-Chain/internal/chat"
	"DeFiAgent-Chain/internal/llm"
	"DeFiAgent-Chain/internal/store"
	"DeFiAgent-Chain/internal/toolkit"
	"DeFiAgent-Chain/internal/wallet"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []llm.Response
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: "ok"}}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return &resp, nil
}

type failingClient struct{}

func (failingClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return nil, stdErrors.New("model unavailable")
}

func newTestManager(t *testing.T, client llm.Client) (*Manager, *store.MemoryStore) {
	t.Helper()
	memory := store.NewMemoryStore()
	wallets, err := wallet.NewProvider("test-passphrase",
		wallet.WithScrypt(keystore.LightScryptN, keystore.LightScryptP))
	if err != nil {
		t.Fatalf("new wallet provider: %v", err)
	}
	manager, err := NewManager(ManagerConfig{
		Store:            memory,
		Client:           client,
		Wallets:          wallets,
		NetworkID:        "base-sepolia",
		AutoChatInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager, memory
}

func TestServiceIsPerAgentSingleton(t *testing.T) {
	manager, memory := newTestManager(t, &scriptedClient{})
	ctx := context.Background()

	first, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	second, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if first != second {
		t.Fatal("expected the same service instance per agent")
	}

	record, err := memory.GetWallet(ctx, "agent-1")
	if err != nil {
		t.Fatalf("wallet must be persisted during initialization: %v", err)
	}
	if record.Address != first.Wallet().Address() {
		t.Fatalf("persisted address %s does not match wallet %s", record.Address, first.Wallet().Address())
	}
}

func TestResourceCacheSingleFlight(t *testing.T) {
	var calls int
	var mu sync.Mutex
	factory := func(ctx context.Context, agentID string) (*ResourceBundle, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return &ResourceBundle{Tools: toolkit.NewRegistry()}, nil
	}
	cache := NewResourceCache(factory)

	const workers = 16
	bundles := make([]*ResourceBundle, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			bundle, err := cache.GetOrCreate(context.Background(), "agent-1", nil)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			bundles[idx] = bundle
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("factory invoked %d times, want 1", calls)
	}
	for _, bundle := range bundles {
		if bundle != bundles[0] {
			t.Fatal("concurrent callers received different bundles")
		}
	}
}

func TestResourceCacheFailureIsNotCached(t *testing.T) {
	attempts := 0
	factory := func(ctx context.Context, agentID string) (*ResourceBundle, error) {
		attempts++
		if attempts == 1 {
			return nil, stdErrors.New("boot failure")
		}
		return &ResourceBundle{Tools: toolkit.NewRegistry()}, nil
	}
	cache := NewResourceCache(factory)

	if _, err := cache.GetOrCreate(context.Background(), "agent-1", nil); err == nil {
		t.Fatal("expected first initialization to fail")
	}
	bundle, err := cache.GetOrCreate(context.Background(), "agent-1", nil)
	if err != nil {
		t.Fatalf("second initialization should succeed: %v", err)
	}
	if bundle == nil || attempts != 2 {
		t.Fatalf("expected retry after failure, attempts=%d", attempts)
	}
}

func TestGetOrCreateIgnoresSecondFactory(t *testing.T) {
	cache := NewResourceCache(nil)
	firstTools := toolkit.NewRegistry()

	first, err := cache.GetOrCreate(context.Background(), "agent-1",
		func(ctx context.Context, agentID string) (*ResourceBundle, error) {
			return &ResourceBundle{Tools: firstTools}, nil
		})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	secondInvoked := false
	second, err := cache.GetOrCreate(context.Background(), "agent-1",
		func(ctx context.Context, agentID string) (*ResourceBundle, error) {
			secondInvoked = true
			return &ResourceBundle{Tools: toolkit.NewRegistry()}, nil
		})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if secondInvoked {
		t.Fatal("second factory must not run for an existing bundle")
	}
	if second != first || second.Tools != firstTools {
		t.Fatal("existing bundle must be returned unchanged")
	}

	// Field-level override is explicit, never implicit.
	override := toolkit.NewRegistry()
	if !cache.ApplyOverride("agent-1", BundleOverride{Tools: override}) {
		t.Fatal("apply override should succeed for an existing bundle")
	}
	if got, _ := cache.Get("agent-1"); got.Tools != override {
		t.Fatal("override was not applied")
	}
}

func TestExecuteActionRecordsErrorAndReRaises(t *testing.T) {
	manager, memory := newTestManager(t, &scriptedClient{})
	ctx := context.Background()

	service, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	// deploy_token rejects empty name/symbol.
	_, err = service.ExecuteAction(ctx, "deploy_token", map[string]any{})
	if err == nil {
		t.Fatal("expected execution error to be re-raised")
	}

	records, listErr := memory.ListActions(ctx, "agent-1", 10)
	if listErr != nil {
		t.Fatalf("list actions: %v", listErr)
	}
	if len(records) != 1 {
		t.Fatalf("expected one action record, got %d", len(records))
	}
	record := records[0]
	if record.Status != store.ActionError {
		t.Fatalf("expected error status, got %s", record.Status)
	}
	if record.ErrorMessage != err.Error() {
		t.Fatalf("error message %q does not match raised error %q", record.ErrorMessage, err.Error())
	}
}

func TestExecuteActionCompletesRecord(t *testing.T) {
	manager, memory := newTestManager(t, &scriptedClient{})
	ctx := context.Background()

	service, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	result, err := service.ExecuteAction(ctx, "get_wallet_details", map[string]any{})
	if err != nil {
		t.Fatalf("execute action: %v", err)
	}
	if result["address"] != service.Wallet().Address() {
		t.Fatalf("unexpected result: %v", result)
	}

	records, err := memory.ListActions(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(records) != 1 || records[0].Status != store.ActionCompleted {
		t.Fatalf("expected one completed record, got %+v", records)
	}
	if records[0].ActionType != "get_wallet_details" {
		t.Fatalf("unexpected action type %s", records[0].ActionType)
	}
}

func TestChatSyncPersistsMessagesInOrder(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "first reply"}},
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "second reply"}},
	}}
	manager, memory := newTestManager(t, client)
	ctx := context.Background()

	service, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	first, err := service.ChatSync(ctx, "hello", "conv-1")
	if err != nil {
		t.Fatalf("chat sync: %v", err)
	}
	if first.Response != "first reply" {
		t.Fatalf("unexpected response %q", first.Response)
	}
	if _, err := service.ChatSync(ctx, "and again", "conv-1"); err != nil {
		t.Fatalf("chat sync: %v", err)
	}

	messages, err := memory.ListConversation(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Fatal("created_at must be non-decreasing within a conversation")
		}
	}
	if messages[0].Type != store.MessageHuman || messages[1].Type != store.MessageAI {
		t.Fatal("human message must precede its AI reply")
	}

	records, err := memory.ListActions(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected an action record per chat turn, got %d", len(records))
	}
	for _, record := range records {
		if record.Status != store.ActionCompleted {
			t.Fatalf("expected completed chat record, got %s", record.Status)
		}
	}
}

func TestStreamChatSyncYieldsSingleErrorElement(t *testing.T) {
	manager, memory := newTestManager(t, failingClient{})
	ctx := context.Background()

	service, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	var chunks []chat.Chunk
	for chunk := range service.StreamChatSync(ctx, "hi", "conv-err") {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 1 || chunks[0].Type != chat.ChunkError {
		t.Fatalf("expected a single error element, got %v", chunks)
	}

	records, err := memory.ListActions(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(records) != 1 || records[0].Status != store.ActionError {
		t.Fatalf("expected an errored action record, got %+v", records)
	}
}

// oneShotStrategy continues for exactly one iteration.
type oneShotStrategy struct{}

func (oneShotStrategy) Name() string { return "one-shot" }

func (oneShotStrategy) NewContext(conversationID, seed string) *autochat.Context {
	return &autochat.Context{ConversationID: conversationID, OriginalMessage: seed}
}

func (oneShotStrategy) GenerateMessage(ctx *autochat.Context) string {
	return ctx.OriginalMessage
}

func (oneShotStrategy) ProcessResponse(ctx *autochat.Context, turns []autochat.Turn) {}

func (oneShotStrategy) ShouldContinue(ctx *autochat.Context) bool {
	return ctx.IterationCount < 1
}

func (oneShotStrategy) Stop(ctx *autochat.Context) { ctx.Stopped = true }

func TestStreamAutoChatStopsWhenStrategySaysSo(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "iteration one"}},
	}}
	manager, memory := newTestManager(t, client)
	ctx := context.Background()

	service, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	var events []AutoChatEvent
	for event := range service.streamAutoChat(ctx, oneShotStrategy{}, "go", time.Millisecond, "conv-auto") {
		events = append(events, event)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d: %v", len(events), events)
	}
	if events[0].Response != "iteration one" || events[0].Iteration != 1 {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	records, err := memory.ListActions(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(records) != 1 || records[0].Status != store.ActionCompleted {
		t.Fatalf("expected completed auto_chat record, got %+v", records)
	}
	if records[0].ActionType != "auto_chat" {
		t.Fatalf("unexpected action type %s", records[0].ActionType)
	}
}

func TestStreamAutoChatYieldsErrorOnceThenExits(t *testing.T) {
	manager, memory := newTestManager(t, failingClient{})
	ctx := context.Background()

	service, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	var events []AutoChatEvent
	for event := range service.StreamAutoChat(ctx, "go", time.Millisecond, "default", "conv-auto-err") {
		events = append(events, event)
	}
	if len(events) != 1 || events[0].Error == "" {
		t.Fatalf("expected a single error event, got %v", events)
	}

	records, err := memory.ListActions(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(records) != 1 || records[0].Status != store.ActionError {
		t.Fatalf("expected errored auto_chat record, got %+v", records)
	}
}

func TestStreamAutoChatCancellation(t *testing.T) {
	client := &scriptedClient{}
	manager, _ := newTestManager(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := manager.Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	events := service.StreamAutoChat(ctx, "go", time.Hour, "default", "conv-cancel")
	if _, ok := <-events; !ok {
		t.Fatal("expected at least one event before cancellation")
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			// a second event may already be in flight; the channel must close after it
			if _, stillOpen := <-events; stillOpen {
				t.Fatal("channel did not close after cancellation")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("auto chat loop did not stop after cancellation")
	}
}

func TestWalletSurvivesManagerRestart(t *testing.T) {
	memory := store.NewMemoryStore()
	wallets, err := wallet.NewProvider("test-passphrase",
		wallet.WithScrypt(keystore.LightScryptN, keystore.LightScryptP))
	if err != nil {
		t.Fatalf("new wallet provider: %v", err)
	}
	build := func() *Manager {
		manager, err := NewManager(ManagerConfig{
			Store:   memory,
			Client:  &scriptedClient{},
			Wallets: wallets,
		})
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		return manager
	}

	ctx := context.Background()
	first, err := build().Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	second, err := build().Service(ctx, "agent-1")
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if first.Wallet().Address() != second.Wallet().Address() {
		t.Fatal("wallet must be restored from the durable record, not recreated")
	}
}
