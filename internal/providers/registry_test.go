package providers

import "testing"

func TestCanonicalRegistryExactMatch(t *testing.T) {
	r := NewCanonicalRegistry()
	m, ok := r.Lookup("anthropic", "claude-sonnet-4")
	if !ok {
		t.Fatal("expected exact match")
	}
	if m.ContextLimit != 200000 {
		t.Fatalf("unexpected context limit: %d", m.ContextLimit)
	}
}

func TestCanonicalRegistryPrefixFallback(t *testing.T) {
	r := NewCanonicalRegistry()
	m, ok := r.Lookup("anthropic", "claude-sonnet-4-20250514")
	if !ok {
		t.Fatal("expected prefix fallback match")
	}
	if m.RawModel != "claude-sonnet-4-20250514" {
		t.Fatalf("expected RawModel to reflect the requested id, got %s", m.RawModel)
	}
}

func TestCanonicalRegistryUnknownModel(t *testing.T) {
	r := NewCanonicalRegistry()
	if _, ok := r.Lookup("anthropic", "some-future-model-nobody-has-seen"); ok {
		t.Fatal("expected no match for an unregistered model family")
	}
}
