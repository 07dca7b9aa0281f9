package main

import (
	"testing"

	"github.com/anthropics/agentd/internal/providers"
)

func TestBuildProviderRequiresDefault(t *testing.T) {
	_, err := buildProvider(ProvidersConfig{Default: "anthropic"})
	if err == nil {
		t.Fatal("expected an error when the default provider isn't configured")
	}
}

func TestBuildProviderReturnsAnthropicAlone(t *testing.T) {
	p, err := buildProvider(ProvidersConfig{
		Default:   "anthropic",
		Anthropic: &AnthropicConfig{APIKey: "test-key"},
	})
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("got provider name %q", p.Name())
	}
}

func TestBuildProviderComposesLeadWorker(t *testing.T) {
	p, err := buildProvider(ProvidersConfig{
		Default:   "anthropic",
		Worker:    "anthropic",
		Anthropic: &AnthropicConfig{APIKey: "test-key"},
	})
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	lw, ok := p.(*providers.LeadWorker)
	if !ok {
		t.Fatalf("expected a *providers.LeadWorker, got %T", p)
	}
	if lw.Role() != providers.Lead {
		t.Fatalf("got initial role %v", lw.Role())
	}
}

func TestBuildProviderRejectsUnknownWorker(t *testing.T) {
	_, err := buildProvider(ProvidersConfig{
		Default:   "anthropic",
		Worker:    "venice",
		Anthropic: &AnthropicConfig{APIKey: "test-key"},
	})
	if err == nil {
		t.Fatal("expected an error for an unconfigured worker provider")
	}
}

func TestDefaultModelForFallsBackWithoutAnthropic(t *testing.T) {
	if got := defaultModelFor(ProvidersConfig{}); got == "" {
		t.Fatal("expected a non-empty fallback model")
	}
}
