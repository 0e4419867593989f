package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderQuery(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "uniswap", Content: "swap guide", Keywords: []string{"swap", "uniswap"}},
		{Title: "bridge", Content: "bridge guide", Keywords: []string{"bridge"}, Tags: []string{"l2"}},
		{Title: "balances", Content: "wei vs ether", Tags: []string{"get_balance"}},
		{Title: "general", Content: "always on"},
	}, 2)

	results := provider.Query("how do I swap tokens", "")
	if len(results) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(results))
	}
	if results[0].Title != "uniswap" {
		t.Fatalf("expected keyword match first, got %s", results[0].Title)
	}

	// Tags match when keywords do not.
	results = provider.Query("move funds to an l2", "")
	if len(results) != 2 || results[0].Title != "bridge" {
		t.Fatalf("expected tag match, got %+v", results)
	}

	// Tool-name tags match the action parameter.
	results = provider.Query("what do I hold", "get_balance")
	if len(results) != 2 || results[0].Title != "balances" {
		t.Fatalf("expected tool-name tag match first, got %+v", results)
	}

	// Keyword hits on the message outrank tag hits.
	results = provider.Query("swap on an l2", "")
	if len(results) != 2 || results[0].Title != "uniswap" || results[1].Title != "bridge" {
		t.Fatalf("expected keyword hit ranked above tag hit, got %+v", results)
	}

	// Untagged snippets always match as a fallback, respecting the cap.
	results = provider.Query("unrelated", "unrelated")
	if len(results) != 1 || results[0].Title != "general" {
		t.Fatalf("expected only the fallback snippet, got %+v", results)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.json")
	payload := `[{"title":"t","content":"c","keywords":["price"]}]`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	provider, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load provider: %v", err)
	}
	results := provider.Query("check the price", "")
	if len(results) != 1 || results[0].Title != "t" {
		t.Fatalf("unexpected results: %+v", results)
	}

	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatal("expected empty path to fail")
	}
	if _, err := LoadStaticProvider(filepath.Join(dir, "missing.json"), 1); err == nil {
		t.Fatal("expected missing file to fail")
	}
}
