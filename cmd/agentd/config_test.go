package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	content := "server:\n  stdio: true\nproviders:\n  anthropic:\n    api_key: test-key\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Fatalf("got default provider %q", cfg.Providers.Default)
	}
	if cfg.Session.Backend != "file" {
		t.Fatalf("got session backend %q", cfg.Session.Backend)
	}
	if cfg.Permission.RequestTTL != 5*time.Minute {
		t.Fatalf("got request ttl %v", cfg.Permission.RequestTTL)
	}
	if !cfg.Server.Stdio {
		t.Fatal("expected stdio to remain true")
	}
}

func TestLoadConfigJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.json5")
	content := `{
  // comments are valid JSON5
  providers: { default: "anthropic", anthropic: { api_key: "k" } },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers.Anthropic == nil || cfg.Providers.Anthropic.APIKey != "k" {
		t.Fatalf("got providers %+v", cfg.Providers)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	content := "providers:\n  anthropic:\n    api_key: \"${TEST_AGENTD_KEY}\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TEST_AGENTD_KEY", "expanded-key")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "expanded-key" {
		t.Fatalf("got api key %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  default: anthropic\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, func(cfg *Config, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})
	if err := w.Start(context.Background()); err != nil {
		t.Skipf("config watcher unavailable in this environment: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("providers:\n  default: anthropic\n  worker: anthropic\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Providers.Worker != "anthropic" {
			t.Fatalf("got worker %q", cfg.Providers.Worker)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
