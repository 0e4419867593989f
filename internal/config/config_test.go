package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Chat.MaxToolSteps != 8 || cfg.Chat.MemoryDepth != 20 {
		t.Fatalf("unexpected chat defaults %+v", cfg.Chat)
	}
	if cfg.Knowledge.MaxResults != 3 {
		t.Fatalf("unexpected knowledge max results %d", cfg.Knowledge.MaxResults)
	}
	if cfg.LLMTimeout() != 60*time.Second {
		t.Fatalf("unexpected llm timeout %v", cfg.LLMTimeout())
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir %q", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.json")
	content := `{
		"web3": {"networks_path": "networks.yaml"},
		"knowledge": {"source": "knowledge.json"},
		"plugins": {"config_path": "plugins.yaml"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web3.NetworksPath != filepath.Join(dir, "networks.yaml") {
		t.Fatalf("unexpected networks path %q", cfg.Web3.NetworksPath)
	}
	if cfg.Knowledge.Source != filepath.Join(dir, "knowledge.json") {
		t.Fatalf("unexpected knowledge source %q", cfg.Knowledge.Source)
	}
	if cfg.Plugins.ConfigPath != filepath.Join(dir, "plugins.yaml") {
		t.Fatalf("unexpected plugins path %q", cfg.Plugins.ConfigPath)
	}
}

func TestSecretsPreferEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.json")
	content := `{
		"llm": {"api_key": "inline", "api_key_env": "TEST_AGENTD_LLM_KEY"},
		"wallet": {"passphrase": "inline", "passphrase_env": "TEST_AGENTD_WALLET_PASS"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.LLMAPIKey(); got != "inline" {
		t.Fatalf("expected inline fallback, got %q", got)
	}

	t.Setenv("TEST_AGENTD_LLM_KEY", "from-env")
	t.Setenv("TEST_AGENTD_WALLET_PASS", "env-pass")
	if got := cfg.LLMAPIKey(); got != "from-env" {
		t.Fatalf("expected env value, got %q", got)
	}
	if got := cfg.WalletPassphrase(); got != "env-pass" {
		t.Fatalf("expected env passphrase, got %q", got)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
