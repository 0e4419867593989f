package toolkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	tool := &Tool{
		Name:    "echo",
		Handler: func(ctx context.Context, params map[string]any) (any, error) { return params, nil },
	}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(tool); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryInvokeUnknownTool(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Invoke(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		err := registry.Register(&Tool{
			Name:    name,
			Handler: func(ctx context.Context, params map[string]any) (any, error) { return nil, nil },
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	definitions := registry.Definitions()
	if len(definitions) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(definitions))
	}
	if definitions[0].Name != "alpha" || definitions[2].Name != "zeta" {
		t.Fatalf("definitions not sorted: %v", definitions)
	}
}

func TestPriceFeedClientParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "ethereum" {
			t.Errorf("unexpected ids param: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ethereum":{"usd":2480.5,"usd_24h_change":-1.2}}`))
	}))
	defer srv.Close()

	client, err := NewPriceFeedClient(PriceFeedConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	price, err := client.TokenPrice(context.Background(), "ethereum", "usd")
	if err != nil {
		t.Fatalf("token price: %v", err)
	}
	if price.Price != 2480.5 {
		t.Fatalf("expected price 2480.5, got %v", price.Price)
	}
	if price.Change24h != -1.2 {
		t.Fatalf("expected change -1.2, got %v", price.Change24h)
	}
}

func TestPriceFeedClientMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, err := NewPriceFeedClient(PriceFeedConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.TokenPrice(context.Background(), "dogecoin", "usd"); err == nil {
		t.Fatal("expected error for missing token quote")
	}
}

type mapCache struct {
	values map[string]string
	sets   int
}

func (c *mapCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok := c.values[key]
	return value, ok, nil
}

func (c *mapCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.values[key] = value
	c.sets++
	return nil
}

type countingSource struct {
	calls int
}

func (s *countingSource) TokenPrice(ctx context.Context, token, currency string) (*TokenPrice, error) {
	s.calls++
	return &TokenPrice{Token: token, Currency: currency, Price: 100}, nil
}

func TestCachedPriceSourceHitsCache(t *testing.T) {
	source := &countingSource{}
	cache := &mapCache{values: make(map[string]string)}
	cached := &CachedPriceSource{source: source, cache: cache, ttl: time.Minute}

	for i := 0; i < 3; i++ {
		price, err := cached.TokenPrice(context.Background(), "ethereum", "usd")
		if err != nil {
			t.Fatalf("token price: %v", err)
		}
		if price.Price != 100 {
			t.Fatalf("unexpected price %v", price.Price)
		}
	}
	if source.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", source.calls)
	}
	if cache.sets != 1 {
		t.Fatalf("expected one cache write, got %d", cache.sets)
	}
}

func TestSearchClientRanksResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["query"] != "base sepolia faucet" {
			t.Errorf("unexpected query: %v", req["query"])
		}
		_, _ = w.Write([]byte(`{"results":[` +
			`{"title":"First","url":"https://a.example","content":"top hit"},` +
			`{"title":"Second","url":"https://b.example","content":"next"}]}`))
	}))
	defer srv.Close()

	client, err := NewSearchClient(SearchConfig{BaseURL: srv.URL, APIKey: "key", MaxResults: 5})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	results, err := client.Search(context.Background(), "base sepolia faucet", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].Title != "First" {
		t.Fatalf("unexpected results: %v", results)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	encoded := EnvelopeJSON(map[string]any{"price": 42.0}, nil)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if decoded["success"] != true {
		t.Fatalf("expected success envelope, got %s", encoded)
	}

	failed := EnvelopeJSON(nil, context.DeadlineExceeded)
	if !strings.Contains(failed, `"success":false`) {
		t.Fatalf("expected failure envelope, got %s", failed)
	}
}
