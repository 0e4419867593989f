package dispatch

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/observability/alerting"
)

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	req := Request{
		AgentID:    "agent-1",
		ActionType: "get_token_price",
		Parameters: map[string]any{"token": "ethereum"},
	}
	payload, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeRequest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.AgentID != req.AgentID || decoded.ActionType != req.ActionType {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if decoded.Parameters["token"] != "ethereum" {
		t.Fatalf("parameters lost: %v", decoded.Parameters)
	}
}

func TestDecodeRequestRejectsInvalidPayloads(t *testing.T) {
	if _, err := DecodeRequest("not json"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := DecodeRequest(`{"agent_id":"","action_type":"x"}`); err == nil {
		t.Fatal("expected validation error for missing agent id")
	}
	if _, err := (Request{AgentID: "a"}).Encode(); err == nil {
		t.Fatal("expected validation error for missing action type")
	}
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []Request
	err   error
}

func (e *recordingExecutor) ExecuteAction(ctx context.Context, agentID, actionType string, params map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Request{AgentID: agentID, ActionType: actionType, Parameters: params})
	return map[string]any{"ok": true}, e.err
}

func (e *recordingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func TestWorkerExecutesQueuedActions(t *testing.T) {
	queue := NewMemoryQueue(8)
	executor := &recordingExecutor{}
	worker := NewWorker(executor, queue, WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	payload, err := Request{AgentID: "agent-1", ActionType: "get_wallet_details"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := queue.Publish(ctx, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(time.Second)
	for executor.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("queued action was not executed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	executor.mu.Lock()
	defer executor.mu.Unlock()
	if executor.calls[0].AgentID != "agent-1" || executor.calls[0].ActionType != "get_wallet_details" {
		t.Fatalf("unexpected call: %+v", executor.calls[0])
	}
}

func TestWorkerDiscardsMalformedPayloads(t *testing.T) {
	queue := NewMemoryQueue(8)
	executor := &recordingExecutor{}
	worker := NewWorker(executor, queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	if err := queue.Publish(ctx, "garbage"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if executor.callCount() != 0 {
		t.Fatal("malformed payload must not reach the executor")
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "x"); err == nil {
		t.Fatal("expected error publishing to a closed queue")
	}
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) eventCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func TestWorkerDispatchesAlertsForFlaggedFailures(t *testing.T) {
	queue := NewMemoryQueue(8)
	executor := &recordingExecutor{
		err: xerrors.New(xerrors.CodeExecution, "链上调用失败", xerrors.WithAlert(true)),
	}
	alerter := &recordingAlerter{}
	worker := NewWorker(executor, queue, WithAlertDispatcher(alerter))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	payload, err := Request{AgentID: "agent-1", ActionType: "trade"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := queue.Publish(ctx, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for alerter.eventCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("worker exited with %v", err)
	}

	if alerter.eventCount() != 1 {
		t.Fatalf("expected one alert, got %d", alerter.eventCount())
	}
	event := alerter.events[0]
	if event.AgentID != "agent-1" || event.ActionType != "trade" {
		t.Fatalf("unexpected alert event: %+v", event)
	}
	if event.Code != xerrors.CodeExecution {
		t.Fatalf("unexpected alert code: %s", event.Code)
	}
}

func TestWorkerSkipsAlertsForUnflaggedFailures(t *testing.T) {
	queue := NewMemoryQueue(8)
	executor := &recordingExecutor{
		err: xerrors.New(xerrors.CodeExecution, "临时失败", xerrors.WithAlert(false)),
	}
	alerter := &recordingAlerter{}
	worker := NewWorker(executor, queue, WithAlertDispatcher(alerter))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	payload, err := Request{AgentID: "agent-2", ActionType: "get_balance"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := queue.Publish(ctx, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for executor.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("worker exited with %v", err)
	}

	if alerter.eventCount() != 0 {
		t.Fatalf("expected no alerts, got %d", alerter.eventCount())
	}
}
