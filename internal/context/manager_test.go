package context

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/agentd/internal/convo"
)

func TestNeedsCompactionCrossesThreshold(t *testing.T) {
	m := NewManager("claude-3-5-sonnet", nil) // 200000 token window
	m.Track(100000, 70000)                    // 170000/200000 = 0.85
	if !m.NeedsCompaction() {
		t.Fatal("expected compaction to be needed above the default 0.8 threshold")
	}
}

func TestNeedsCompactionBelowThreshold(t *testing.T) {
	m := NewManager("claude-3-5-sonnet", nil)
	m.Track(10000, 5000)
	if m.NeedsCompaction() {
		t.Fatal("did not expect compaction below threshold")
	}
}

func TestPruneToolResponsesHidesOldestFirst(t *testing.T) {
	messages := []*convo.Message{
		convo.NewMessage("s1", convo.RoleTool, convo.ToolResponse("call-1", "result one", false)),
		convo.NewMessage("s1", convo.RoleTool, convo.ToolResponse("call-2", "result two", false)),
	}
	// Ensure deterministic ordering regardless of creation-time resolution.
	messages[0].CreatedAt = messages[0].CreatedAt.Add(-time.Hour)

	pruned := pruneToolResponses(messages, 50)
	if pruned[0].Content[0].AgentVisible {
		t.Fatal("expected the oldest tool response to be pruned at 50%")
	}
	if !pruned[1].Content[0].AgentVisible {
		t.Fatal("expected the newer tool response to remain visible at 50%")
	}
	if !strings.Contains(pruned[0].Content[0].ToolResultText, "pruned") {
		t.Fatalf("expected placeholder text, got %q", pruned[0].Content[0].ToolResultText)
	}

	// Original messages must not be mutated.
	if !messages[0].Content[0].AgentVisible {
		t.Fatal("pruneToolResponses must not mutate its input")
	}
}

func TestCompactSummarizesWhenPruningIsNotEnough(t *testing.T) {
	called := false
	summarizer := FuncSummarizer(func(ctx context.Context, messages []*convo.Message, previous string) (string, error) {
		called = true
		return "summary of earlier turns", nil
	})

	m := NewManager("gpt-4", summarizer) // 8192 token window, easy to exceed
	m.SetThreshold(0.001)

	var messages []*convo.Message
	for i := 0; i < 20; i++ {
		messages = append(messages, convo.NewMessage("s1", convo.RoleUser, convo.Text(strings.Repeat("x", 5000))))
	}

	out, summary, err := m.Compact(context.Background(), messages, "")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !called {
		t.Fatal("expected summarizer to be invoked once pruning alone could not fit the transcript")
	}
	if summary == "" {
		t.Fatal("expected a non-empty summary")
	}
	if len(out) == 0 {
		t.Fatal("expected compacted output to be non-empty")
	}
}
