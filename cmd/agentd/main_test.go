package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "recipe"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPathDefaultsWhenEmpty(t *testing.T) {
	t.Setenv("AGENTD_CONFIG", "")
	if got := resolveConfigPath(""); got != "agentd.yaml" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveConfigPathPrefersExplicitFlag(t *testing.T) {
	t.Setenv("AGENTD_CONFIG", "/etc/agentd/env.yaml")
	if got := resolveConfigPath("/tmp/custom.yaml"); got != "/tmp/custom.yaml" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveConfigPathFallsBackToEnv(t *testing.T) {
	t.Setenv("AGENTD_CONFIG", "/etc/agentd/env.yaml")
	if got := resolveConfigPath(""); got != "/etc/agentd/env.yaml" {
		t.Fatalf("got %q", got)
	}
}
