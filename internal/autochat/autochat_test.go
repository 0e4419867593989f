package autochat

import (
	"strings"
	"testing"
)

func TestNewFallsBackToDefault(t *testing.T) {
	if got := New("trading").Name(); got != "trading" {
		t.Fatalf("expected trading strategy, got %s", got)
	}
	if got := New("no-such-strategy").Name(); got != "default" {
		t.Fatalf("expected fallback to default, got %s", got)
	}
	if got := New("").Name(); got != "default" {
		t.Fatalf("expected default for empty name, got %s", got)
	}
}

func TestDefaultStrategySeedThenCannedPrompt(t *testing.T) {
	strategy := New("default")
	ctx := strategy.NewContext("conv-1", "hello agent")

	if got := strategy.GenerateMessage(ctx); got != "hello agent" {
		t.Fatalf("first message must be the seed, got %q", got)
	}
	ctx.IterationCount++
	if got := strategy.GenerateMessage(ctx); !strings.Contains(got, "Be creative") {
		t.Fatalf("expected canned prompt, got %q", got)
	}
	if !strategy.ShouldContinue(ctx) {
		t.Fatal("default strategy has no iteration cap")
	}
	strategy.Stop(ctx)
	if strategy.ShouldContinue(ctx) {
		t.Fatal("stopped strategy must not continue")
	}
}

func TestCreativeStrategyCompletesWithinCap(t *testing.T) {
	strategy := NewCreativeStrategy()
	ctx := strategy.NewContext("conv-2", "do interesting things")

	if got := strategy.GenerateMessage(ctx); got != "do interesting things" {
		t.Fatalf("first message must be the seed, got %q", got)
	}

	// Each scripted reply mentions one more tracked tool name.
	replies := []string{
		"I called get_token_price and ETH is at $2480",
		"Your wallet holds 0.5 ETH",
		"I used search_web to find the latest news",
		"Token deployed via deploy_token",
	}
	var summary string
	for _, reply := range replies {
		strategy.ProcessResponse(ctx, []Turn{{Type: TurnAI, Content: reply}})
		ctx.IterationCount++
		if !strategy.ShouldContinue(ctx) {
			break
		}
		summary = strategy.GenerateMessage(ctx)
	}

	if !ctx.Stopped {
		t.Fatal("strategy should stop once all actions are tracked")
	}
	if !strings.Contains(summary, "summarize") {
		t.Fatalf("expected a final summary message, got %q", summary)
	}
	if ctx.IterationCount > ctx.MaxIterations {
		t.Fatalf("iteration count %d exceeded cap %d", ctx.IterationCount, ctx.MaxIterations)
	}
	for _, action := range []string{"price_check", "wallet_check", "web_search", "token_deployment"} {
		if !ctx.CompletedActions[action] {
			t.Fatalf("action %s not tracked as completed", action)
		}
	}
}

func TestCreativeStrategyListsOnlyRemainingTasks(t *testing.T) {
	strategy := NewCreativeStrategy()
	ctx := strategy.NewContext("conv-3", "seed")

	strategy.ProcessResponse(ctx, []Turn{{Type: TurnAI, Content: "get_token_price returned data for your wallet"}})
	ctx.IterationCount++
	prompt := strategy.GenerateMessage(ctx)

	if strings.Contains(prompt, "get_token_price") && strings.Contains(prompt, "Get the latest price") {
		t.Fatalf("completed price check should not be listed again: %q", prompt)
	}
	if !strings.Contains(prompt, "search_web") {
		t.Fatalf("remaining web search task missing from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "deploy_token") {
		t.Fatalf("remaining deployment task missing from prompt: %q", prompt)
	}
}

func TestCreativeStrategyIterationCap(t *testing.T) {
	strategy := NewCreativeStrategy()
	ctx := strategy.NewContext("conv-4", "seed")

	for i := 0; i < creativeMaxIterations; i++ {
		strategy.ProcessResponse(ctx, []Turn{{Type: TurnAI, Content: "nothing tracked here"}})
		ctx.IterationCount++
	}
	if strategy.ShouldContinue(ctx) {
		t.Fatal("strategy must stop at the iteration cap")
	}
}

func TestTradingStrategyAccumulatesPrices(t *testing.T) {
	strategy := NewTradingStrategy()
	ctx := strategy.NewContext("conv-5", "Check prices")
	ctx.MonitoredTokens = []string{"ethereum"}

	toolContent := `{"success":true,"data":{"ethereum":{"usd":2000,"usd_24h_change":1.5}},"tool":"get_token_price"}`
	strategy.ProcessResponse(ctx, []Turn{
		{Type: TurnTool, Content: toolContent},
		{Type: TurnAI, Content: "ETH is at $2000"},
	})

	if ctx.MarketData == nil {
		t.Fatal("expected market data to be recorded")
	}
	quote, ok := ctx.MarketData.Prices["ethereum"]
	if !ok {
		t.Fatalf("expected ethereum quote, got %v", ctx.MarketData.Prices)
	}
	if quote["usd"] != 2000 || quote["usd_24h_change"] != 1.5 {
		t.Fatalf("unexpected quote: %v", quote)
	}
	if !strings.Contains(ctx.MarketData.Formatted, "Ethereum: $2000.00") {
		t.Fatalf("unexpected formatted prices: %q", ctx.MarketData.Formatted)
	}
}

func TestTradingStrategyTracksPosition(t *testing.T) {
	strategy := NewTradingStrategy()
	ctx := strategy.NewContext("conv-6", "Check prices")

	tradeContent := `{"success":true,"data":{"trade_id":"t-1","from_token":"ethereum","to_token":"usdc","amount":1}}`
	strategy.ProcessResponse(ctx, []Turn{{Type: TurnTool, Content: tradeContent}})

	if ctx.Position == nil {
		t.Fatal("expected a position update")
	}
	if ctx.Position.Action != "trade" {
		t.Fatalf("unexpected position action: %s", ctx.Position.Action)
	}
	if ctx.Position.Details["trade_id"] != "t-1" {
		t.Fatalf("unexpected position details: %v", ctx.Position.Details)
	}
	if ctx.LastTradeCheck.IsZero() {
		t.Fatal("expected last trade check timestamp")
	}
}

func TestTradingStrategyToleratesBadJSON(t *testing.T) {
	strategy := NewTradingStrategy()
	ctx := strategy.NewContext("conv-7", "Check prices")

	good := `{"success":true,"data":{"ethereum":{"usd":2000}},"tool":"get_token_price"}`
	strategy.ProcessResponse(ctx, []Turn{{Type: TurnTool, Content: good}})

	// Malformed payloads must neither panic nor wipe earlier state.
	strategy.ProcessResponse(ctx, []Turn{
		{Type: TurnTool, Content: `get_token_price: not json at all`},
		{Type: TurnTool, Content: `{"success":true,"data":"trade gone wrong`},
	})

	if ctx.MarketData == nil || ctx.MarketData.Prices["ethereum"]["usd"] != 2000 {
		t.Fatalf("previously accumulated prices lost: %+v", ctx.MarketData)
	}
	if ctx.Position != nil {
		t.Fatal("malformed trade payload must not create a position")
	}
}

func TestTradingStrategyPromptListsTokens(t *testing.T) {
	strategy := NewTradingStrategy()
	ctx := strategy.NewContext("conv-8", "")
	ctx.IterationCount = 1

	prompt := strategy.GenerateMessage(ctx)
	if !strings.Contains(prompt, "ethereum,bitcoin") {
		t.Fatalf("prompt missing monitored tokens: %q", prompt)
	}
	if !strings.Contains(prompt, "get_token_price") {
		t.Fatalf("prompt missing price action hint: %q", prompt)
	}
}
