package recipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileLoaderLoadResolvesPrompt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.yaml")
	content := "name: digest\nprompt: \"Summarize {{team}}.\"\nmodel: claude-3-5-sonnet\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loader := NewFileLoader(dir)
	loaded, err := loader.Load(context.Background(), "digest.yaml", map[string]any{"team": "platform"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Prompt != "Summarize platform." {
		t.Fatalf("got prompt %q", loaded.Prompt)
	}
	if loaded.Model != "claude-3-5-sonnet" {
		t.Fatalf("got model %q", loaded.Model)
	}
}

func TestFileLoaderLoadMissingFile(t *testing.T) {
	loader := NewFileLoader(t.TempDir())
	if _, err := loader.Load(context.Background(), "nope.yaml", nil); err == nil {
		t.Fatal("expected an error for a missing recipe file")
	}
}
