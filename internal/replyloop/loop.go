// Package replyloop implements the agent's per-session reply state machine:
// one user turn in, a stream of AgentEvents out, interleaving provider
// completions with tool dispatch under a permission gate and a context
// budget. It is the integration point for the provider adapters (C2), the
// extension manager (C4), the permission checker (C5), and the context
// manager (C6) — none of which know about each other directly.
package replyloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	agentcontext "github.com/anthropics/agentd/internal/context"
	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/extmanager"
	"github.com/anthropics/agentd/internal/mcp"
	"github.com/anthropics/agentd/internal/permission"
	"github.com/anthropics/agentd/internal/providers"
)

// ModelChange records a provider/mode switch, surfaced as its own event so
// a client can update its status bar without parsing message content.
type ModelChange struct {
	Model string
	Mode  string
}

// AgentEvent is the tagged union the loop emits, one field populated per
// event — the same "struct of optional fields" shape the teacher's
// ResponseChunk uses for its channel protocol, generalized to the four
// variants spec.md names instead of the teacher's flat text/thinking/tool
// fields.
type AgentEvent struct {
	Message         *convo.Message
	HistoryReplaced []*convo.Message
	McpNotification *mcp.JSONRPCNotification
	ModelChange     *ModelChange
}

// ConversationStore is the slice of the session store (C8) the reply loop
// needs: load history and append new messages. Declared locally, not
// imported from a sessionstore package, so C7 can be built and tested
// before C8 exists — any store that satisfies this interface works.
type ConversationStore interface {
	LoadConversation(ctx context.Context, sessionID string) ([]*convo.Message, error)
	AppendMessage(ctx context.Context, sessionID string, msg *convo.Message) error
}

// Config configures one Loop. Provider, Store and Permissions are
// required; Extensions may be nil for a session with no connected MCP
// servers, and a nil Context skips compaction.
type Config struct {
	Provider    providers.Provider
	Store       ConversationStore
	Extensions  *extmanager.Manager
	Permissions *permission.Checker
	Context     *agentcontext.Manager

	Model  string
	System string

	// MaxTurns bounds provider-call iterations per reply (default 50).
	MaxTurns int
	// RepetitionLimit is how many trailing identical tool calls trip the
	// loop guard (default 3, per spec.md's K=3).
	RepetitionLimit int
	// ApprovalTimeout bounds how long a suspended AskBefore decision waits
	// for an inbound tool/approve before it is treated as denied.
	ApprovalTimeout time.Duration
}

func (c *Config) sanitized() Config {
	cfg := *c
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.RepetitionLimit <= 0 {
		cfg.RepetitionLimit = 3
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	return cfg
}

// Loop runs the reply state machine for one session at a time; callers
// run one Loop per session, matching the "one task per session" scheduling
// model in spec.md §5.
type Loop struct {
	cfg Config

	mu      sync.Mutex
	waiting map[string]chan permission.Decision

	lastSummary string
}

// New creates a reply loop from cfg, filling in defaults for zero fields.
func New(cfg Config) *Loop {
	return &Loop{
		cfg:     cfg.sanitized(),
		waiting: make(map[string]chan permission.Decision),
	}
}

// Approve delivers an out-of-band decision for a pending confirmation_id
// (the `tool/approve` RPC in spec.md §6.1). Returns false if no call is
// currently suspended on that id — it may have already timed out or never
// existed.
func (l *Loop) Approve(requestID string, decision permission.Decision) bool {
	l.mu.Lock()
	ch, ok := l.waiting[requestID]
	if ok {
		delete(l.waiting, requestID)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

func (l *Loop) registerWait(requestID string) chan permission.Decision {
	ch := make(chan permission.Decision, 1)
	l.mu.Lock()
	l.waiting[requestID] = ch
	l.mu.Unlock()
	return ch
}

func (l *Loop) forgetWait(requestID string) {
	l.mu.Lock()
	delete(l.waiting, requestID)
	l.mu.Unlock()
}

// Reply runs one full turn: it loads history, appends msg, and streams
// AgentEvents until the turn completes, is cancelled, hits max turns, or
// trips the repetition guard. The returned channel is closed when the
// turn ends.
func (l *Loop) Reply(ctx context.Context, sessionID string, msg *convo.Message) (<-chan *AgentEvent, error) {
	if l.cfg.Provider == nil {
		return nil, fmt.Errorf("replyloop: no provider configured")
	}
	if l.cfg.Store == nil {
		return nil, fmt.Errorf("replyloop: no conversation store configured")
	}
	if l.cfg.Permissions == nil {
		return nil, fmt.Errorf("replyloop: no permission checker configured")
	}

	history, err := l.cfg.Store.LoadConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("replyloop: load conversation: %w", err)
	}
	history = convo.RepairTranscript(history)

	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if err := l.cfg.Store.AppendMessage(ctx, sessionID, msg); err != nil {
		return nil, fmt.Errorf("replyloop: persist inbound message: %w", err)
	}
	conv := append(history, msg)

	events := make(chan *AgentEvent, 256)
	go l.run(ctx, sessionID, conv, events)
	return events, nil
}

func (l *Loop) run(ctx context.Context, sessionID string, conv []*convo.Message, events chan<- *AgentEvent) {
	defer close(events)

	var recentToolKeys []string

	for turn := 0; turn < l.cfg.MaxTurns; turn++ {
		select {
		case <-ctx.Done():
			l.emitNotification(ctx, sessionID, events, "cancelled by user")
			return
		default:
		}

		if l.cfg.Context != nil && l.cfg.Context.NeedsCompaction() {
			compacted, summary, err := l.cfg.Context.Compact(ctx, conv, l.lastSummary)
			if err == nil {
				conv = compacted
				l.lastSummary = summary
				events <- &AgentEvent{HistoryReplaced: conv}
			}
			// A failed compaction is not fatal on its own — the provider
			// call below will surface ContextLengthExceeded if the
			// transcript genuinely can't fit, which is handled as a
			// terminal notification there.
		}

		visible := agentVisible(conv)
		req := &providers.CompletionRequest{
			Model:  l.cfg.Model,
			System: l.cfg.System,
			Messages: visible,
		}
		if l.cfg.Extensions != nil {
			req.Tools = toolDefinitions(l.cfg.Extensions)
		}

		assistantMsg, usage, err := l.cfg.Provider.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				l.emitNotification(ctx, sessionID, events, "cancelled by user")
				return
			}
			l.emitNotification(ctx, sessionID, events, fmt.Sprintf("provider error: %v", err))
			return
		}
		if usage != nil && l.cfg.Context != nil {
			l.cfg.Context.Track(usage.InputTokens, usage.OutputTokens)
		}

		assistantMsg.SessionID = sessionID
		_ = l.cfg.Store.AppendMessage(ctx, sessionID, assistantMsg)
		conv = append(conv, assistantMsg)
		events <- &AgentEvent{Message: assistantMsg}

		toolReqs := assistantMsg.ToolRequests()
		if len(toolReqs) == 0 {
			return
		}

		keys := canonicalKeys(toolReqs)
		recentToolKeys = append(recentToolKeys, keys...)
		if tripped(recentToolKeys, l.cfg.RepetitionLimit) {
			l.emitNotification(ctx, sessionID, events, "detected loop: repeated identical tool calls")
			return
		}

		for _, tr := range toolReqs {
			select {
			case <-ctx.Done():
				l.emitNotification(ctx, sessionID, events, "cancelled by user")
				return
			default:
			}

			respMsg := l.dispatchOne(ctx, sessionID, tr, events)
			_ = l.cfg.Store.AppendMessage(ctx, sessionID, respMsg)
			conv = append(conv, respMsg)
			events <- &AgentEvent{Message: respMsg}
		}
	}

	l.emitNotification(ctx, sessionID, events, fmt.Sprintf("reached max turns: %d", l.cfg.MaxTurns))
}

// dispatchOne resolves permission for one tool request, suspending on
// AskBefore until an inbound tool/approve decision (or timeout/cancel)
// arrives, then dispatches through the extension manager.
func (l *Loop) dispatchOne(ctx context.Context, sessionID string, tr convo.MessageContent, events chan<- *AgentEvent) *convo.Message {
	call := permission.ToolCall{
		ID:    tr.ToolCallID,
		Name:  extmanager.Namespace(tr.Extension, tr.ToolName),
		Input: tr.ToolInput,
	}
	decision, reason := l.cfg.Permissions.Check(ctx, sessionID, call)

	if decision == permission.AskBefore {
		req, err := l.cfg.Permissions.CreateRequest(ctx, sessionID, call, reason)
		if err != nil {
			return convo.NewMessage(sessionID, convo.RoleUser,
				convo.ToolResponse(tr.ToolCallID, "approval request failed: "+err.Error(), true))
		}
		events <- &AgentEvent{Message: convo.NewMessage(sessionID, convo.RoleAssistant, convo.MessageContent{
			Kind:           convo.KindToolConfirmationRequest,
			ConfirmationID: req.ID,
			ToolCallID:     tr.ToolCallID,
			ToolName:       call.Name,
			Reason:         reason,
			UserVisible:    true,
			AgentVisible:   true,
		})}

		decision = l.awaitApproval(ctx, req.ID)
		_ = l.cfg.Permissions.Resolve(ctx, req.ID, "", decision)
	}

	if !decision.Allowed() {
		return convo.NewMessage(sessionID, convo.RoleUser,
			convo.ToolResponse(tr.ToolCallID, "tool denied: "+reason, true))
	}

	if l.cfg.Extensions == nil {
		return convo.NewMessage(sessionID, convo.RoleUser,
			convo.ToolResponse(tr.ToolCallID, "no extension manager configured", true))
	}

	result, err := l.cfg.Extensions.Dispatch(ctx, call.Name, tr.ToolInput)
	if err != nil {
		return convo.NewMessage(sessionID, convo.RoleUser,
			convo.ToolResponse(tr.ToolCallID, err.Error(), true))
	}
	return convo.NewMessage(sessionID, convo.RoleUser,
		convo.ToolResponse(tr.ToolCallID, flattenResult(result), result.IsError))
}

func (l *Loop) awaitApproval(ctx context.Context, requestID string) permission.Decision {
	ch := l.registerWait(requestID)
	defer l.forgetWait(requestID)

	select {
	case d := <-ch:
		return d
	case <-time.After(l.cfg.ApprovalTimeout):
		return permission.DenyOnce
	case <-ctx.Done():
		return permission.DenyOnce
	}
}

func (l *Loop) emitNotification(ctx context.Context, sessionID string, events chan<- *AgentEvent, text string) {
	msg := convo.NewMessage(sessionID, convo.RoleSystem, convo.MessageContent{
		Kind:         convo.KindSystemNotification,
		Notification: text,
		UserVisible:  true,
		AgentVisible: true,
	})
	_ = l.cfg.Store.AppendMessage(ctx, sessionID, msg)
	events <- &AgentEvent{Message: msg}
}

func agentVisible(conv []*convo.Message) []*convo.Message {
	out := make([]*convo.Message, 0, len(conv))
	for _, m := range conv {
		cp := *m
		cp.Content = make([]convo.MessageContent, 0, len(m.Content))
		for _, c := range m.Content {
			if c.AgentVisible {
				cp.Content = append(cp.Content, c)
			}
		}
		if len(cp.Content) > 0 {
			out = append(out, &cp)
		}
	}
	return out
}

func toolDefinitions(ext *extmanager.Manager) []providers.ToolDefinition {
	tools := ext.Tools()
	out := make([]providers.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, providers.ToolDefinition{
			Name:        t.NamespacedName(),
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func flattenResult(r *mcp.ToolCallResult) string {
	if r == nil {
		return ""
	}
	var text string
	for _, c := range r.Content {
		if c.Text != "" {
			text += c.Text
		}
	}
	return text
}

// canonicalKeys builds the repetition-guard comparison key for each tool
// request: "<name>:<json with sorted keys>", per spec.md's "canonical args
// = JSON with sorted keys" definition.
func canonicalKeys(reqs []convo.MessageContent) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = extmanager.Namespace(r.Extension, r.ToolName) + ":" + canonicalJSON(r.ToolInput)
	}
	return out
}

func canonicalJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(sortKeys(v))
	if err != nil {
		return string(raw)
	}
	return string(b)
}

// sortKeys recursively converts maps into a form that encoding/json
// renders with sorted keys (it already sorts map[string]any keys on
// marshal), and walks slices so nested objects are sorted too.
func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// tripped reports whether the last `limit` entries of keys are all equal
// and there are at least `limit` of them.
func tripped(keys []string, limit int) bool {
	if len(keys) < limit {
		return false
	}
	last := keys[len(keys)-limit:]
	for _, k := range last[1:] {
		if k != last[0] {
			return false
		}
	}
	return true
}
