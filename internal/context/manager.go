package context

import (
	"context"
	"fmt"
	"sort"

	"github.com/anthropics/agentd/internal/compaction"
	"github.com/anthropics/agentd/internal/convo"
)

// DefaultCompactionThreshold is the fraction of the context window's used
// tokens at which the manager triggers compaction before the next turn.
const DefaultCompactionThreshold = 0.8

// PruningLadder is the sequence of tool-response-pruning percentages the
// manager walks through, in order, before resorting to summarization. Each
// rung hides that percentage of the OLDEST tool_response content from the
// provider (AgentVisible=false) while leaving it intact for a human-facing
// transcript (UserVisible stays true) — generalizing
// internal/context/truncation.go's pinned/keepFirst/keepLast mechanics
// from whole-message drops into partial, reversible visibility pruning.
var PruningLadder = []int{0, 10, 20, 50, 100}

// Summarizer produces a summary of convo messages, implemented by an
// adapter over a providers.Provider's CompleteFast call. Kept as an
// interface here (rather than importing internal/providers directly) so
// C6 has no dependency on C2 — the reply loop, which depends on both,
// supplies the adapter.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*convo.Message, previousSummary string) (string, error)
}

// FuncSummarizer adapts a plain function to the Summarizer interface, for
// callers that would rather close over a providers.Provider inline than
// declare a named adapter type.
type FuncSummarizer func(ctx context.Context, messages []*convo.Message, previousSummary string) (string, error)

func (f FuncSummarizer) Summarize(ctx context.Context, messages []*convo.Message, previousSummary string) (string, error) {
	return f(ctx, messages, previousSummary)
}

// Manager decides when and how to shrink a session's transcript so it
// keeps fitting the active model's context window.
type Manager struct {
	window     *Window
	summarizer Summarizer
	threshold  float64
}

// NewManager creates a context manager for a given model, defaulting the
// compaction threshold to DefaultCompactionThreshold.
func NewManager(modelID string, summarizer Summarizer) *Manager {
	return &Manager{
		window:     NewWindowForModel(modelID),
		summarizer: summarizer,
		threshold:  DefaultCompactionThreshold,
	}
}

// SetThreshold overrides the fraction of the window that triggers
// compaction.
func (m *Manager) SetThreshold(t float64) {
	if t > 0 && t <= 1 {
		m.threshold = t
	}
}

// Track records token usage from a completed turn against the window.
// Takes raw counts rather than a providers.Usage value so this package
// has no dependency on internal/providers — the reply loop, which
// depends on both C2 and C6, does the field access.
func (m *Manager) Track(inputTokens, outputTokens int) {
	m.window.SetUsed(inputTokens + outputTokens)
}

// NeedsCompaction reports whether the current usage has crossed the
// configured threshold of the window.
func (m *Manager) NeedsCompaction() bool {
	info := m.window.Info()
	if info.TotalTokens == 0 {
		return false
	}
	return float64(info.UsedTokens)/float64(info.TotalTokens) >= m.threshold
}

// Info exposes the current window state for status reporting.
func (m *Manager) Info() *WindowInfo { return m.window.Info() }

// Compact applies the pruning ladder first (cheap, reversible, no LLM
// call), and only summarizes once pruning alone cannot bring the estimated
// token count within the window's total size. It returns the transcript to use going forward —
// the input slice is never mutated in place, since UserVisible content
// must still be retrievable for a human-facing transcript view or export.
func (m *Manager) Compact(ctx context.Context, messages []*convo.Message, previousSummary string) ([]*convo.Message, string, error) {
	pruned := messages
	for _, pct := range PruningLadder {
		pruned = pruneToolResponses(messages, pct)
		if m.fits(pruned) {
			return pruned, previousSummary, nil
		}
	}

	if m.summarizer == nil {
		return pruned, previousSummary, fmt.Errorf("context: transcript exceeds window even at full pruning and no summarizer is configured")
	}

	cut := len(messages) * 2 / 3
	older, recent := messages[:cut], messages[cut:]

	summary, err := compaction.SummarizeInStages(ctx, toCompactionMessages(older), &summarizerAdapter{m.summarizer, previousSummary}, &compaction.SummarizationConfig{
		ContextWindow:   m.window.Info().TotalTokens,
		PreviousSummary: previousSummary,
	})
	if err != nil {
		return pruned, previousSummary, fmt.Errorf("context: summarize: %w", err)
	}

	summaryMsg := convo.NewMessage("", convo.RoleSystem, convo.MessageContent{
		Kind: convo.KindSystemNotification, Notification: summary,
		UserVisible: true, AgentVisible: true,
	})
	out := append([]*convo.Message{summaryMsg}, recent...)
	return out, summary, nil
}

// fits is a cheap heuristic check using the same char-per-token estimate
// as Window.EstimateTokens, not an exact count — exactness is the
// provider's job via reported Usage.
func (m *Manager) fits(messages []*convo.Message) bool {
	total := 0
	for _, msg := range messages {
		for _, c := range msg.Content {
			if !c.AgentVisible {
				continue
			}
			total += EstimateTokens(c.Text) + EstimateTokens(c.ToolResultText) + EstimateTokens(string(c.ToolInput))
		}
	}
	return total <= m.window.Info().TotalTokens
}

// toCompactionMessages flattens a convo transcript into the shape
// internal/compaction's chunking/splitting math operates on — text only,
// since chunk sizing cares about volume, not content structure.
func toCompactionMessages(messages []*convo.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(messages))
	for _, msg := range messages {
		var text string
		for _, c := range msg.Content {
			switch c.Kind {
			case convo.KindText:
				text += c.Text
			case convo.KindToolResponse:
				text += c.ToolResultText
			}
		}
		out = append(out, &compaction.Message{
			Role:      string(msg.Role),
			Content:   text,
			Timestamp: msg.CreatedAt.Unix(),
			ID:        msg.ID,
		})
	}
	return out
}

// summarizerAdapter bridges this package's Summarizer (which speaks
// convo.Message) onto compaction.Summarizer (which speaks
// compaction.Message), since the chunking/merging algorithms in
// internal/compaction only need role+text, not the tagged-union detail.
type summarizerAdapter struct {
	inner           Summarizer
	previousSummary string
}

func (a *summarizerAdapter) GenerateSummary(ctx context.Context, messages []*compaction.Message, cfg *compaction.SummarizationConfig) (string, error) {
	convoMessages := make([]*convo.Message, 0, len(messages))
	for _, m := range messages {
		convoMessages = append(convoMessages, convo.NewMessage("", convo.Role(m.Role), convo.Text(m.Content)))
	}
	prev := a.previousSummary
	if cfg != nil && cfg.PreviousSummary != "" {
		prev = cfg.PreviousSummary
	}
	return a.inner.Summarize(ctx, convoMessages, prev)
}

// pruneToolResponses hides pct percent of the OLDEST tool_response content
// elements from the agent (AgentVisible=false), replacing their text with
// a placeholder notice so the provider sees that a result once existed
// without its full payload. UserVisible is left untouched.
func pruneToolResponses(messages []*convo.Message, pct int) []*convo.Message {
	if pct <= 0 {
		return messages
	}

	type ref struct {
		msgIdx, contentIdx int
		createdAt          int64
	}
	var responses []ref
	for mi, msg := range messages {
		for ci, c := range msg.Content {
			if c.Kind == convo.KindToolResponse {
				responses = append(responses, ref{mi, ci, msg.CreatedAt.UnixNano()})
			}
		}
	}
	if len(responses) == 0 {
		return messages
	}

	sort.Slice(responses, func(i, j int) bool { return responses[i].createdAt < responses[j].createdAt })

	n := len(responses) * pct / 100
	if n <= 0 {
		return messages
	}
	if n > len(responses) {
		n = len(responses)
	}

	out := make([]*convo.Message, len(messages))
	for i, msg := range messages {
		cp := *msg
		cp.Content = append([]convo.MessageContent(nil), msg.Content...)
		out[i] = &cp
	}

	for i := 0; i < n; i++ {
		r := responses[i]
		content := &out[r.msgIdx].Content[r.contentIdx]
		content.AgentVisible = false
		content.ToolResultText = "[pruned: result hidden to save context]"
	}
	return out
}
