// Package permission implements the agent runtime's tool-confirmation
// gate: a five-way decision over allow/deny lists, profile/mode defaults,
// and tool annotations, with a pending-request store for decisions that
// need a human in the loop.
package permission

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of evaluating a tool call against a policy.
type Decision string

const (
	// AllowAlways lets this call, and every future call matching the same
	// tool_name pattern in this session, proceed without asking again.
	AllowAlways Decision = "allow_always"
	// AllowOnce lets this one call proceed.
	AllowOnce Decision = "allow_once"
	// AskBefore requires a confirmation round-trip before the call runs.
	AskBefore Decision = "ask_before"
	// DenyOnce blocks this one call.
	DenyOnce Decision = "deny_once"
	// DenyAlways blocks this call and every future call matching the same
	// tool_name pattern in this session.
	DenyAlways Decision = "deny_always"
)

// Terminal reports whether the decision resolves the call without a
// confirmation round-trip (everything except AskBefore).
func (d Decision) Terminal() bool { return d != AskBefore }

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool { return d == AllowAlways || d == AllowOnce }

// Mode selects the overall posture the agent operates under.
type Mode string

const (
	// ModeAuto never asks; every tool call is allowed unless explicitly
	// denylisted.
	ModeAuto Mode = "auto"
	// ModeApprove asks before every tool call that isn't allowlisted.
	ModeApprove Mode = "approve"
	// ModeSmartApprove asks only for calls a tool's annotations mark as
	// destructive or otherwise not read-only; read-only-hinted tools run
	// without confirmation.
	ModeSmartApprove Mode = "smart_approve"
	// ModeChat never executes tools at all; every call is denied. Useful
	// for a read-only "just talk to me" session.
	ModeChat Mode = "chat"
)

// ToolAnnotations is the capability-hint bundle a tool definition may
// carry, analogous to MCP tool annotations, used by ModeSmartApprove.
type ToolAnnotations struct {
	ReadOnlyHint    bool
	DestructiveHint bool
	IdempotentHint  bool
}

// ToolCall is the minimal shape a policy needs to evaluate — the caller
// normally derives this from a convo.MessageContent of KindToolRequest.
type ToolCall struct {
	ID          string
	Name        string // namespaced "<ext>__<tool>" or a bare built-in name
	Input       []byte
	Annotations ToolAnnotations
}

// Policy is the allow/deny configuration for one agent (or one session,
// layered over an agent default).
type Policy struct {
	Mode Mode

	Allow           []string
	Deny            []string
	RequireApproval []string
	SafeBins        []string

	// AskFallback queues a pending request instead of denying outright
	// when no UI is currently available to answer it.
	AskFallback bool

	DefaultDecision Decision
	RequestTTL      time.Duration
}

// DefaultPolicy mirrors the teacher's conservative defaults: common
// read-only shell utilities pre-allowed, everything else asks.
func DefaultPolicy() *Policy {
	return &Policy{
		Mode:            ModeApprove,
		SafeBins:        []string{"cat", "head", "tail", "wc", "sort", "uniq", "grep"},
		AskFallback:     true,
		DefaultDecision: AskBefore,
		RequestTTL:      5 * time.Minute,
	}
}

// Request is a tool call awaiting a human decision.
type Request struct {
	ID         string    `json:"id"`
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Input      []byte    `json:"input,omitempty"`
	SessionID  string    `json:"session_id"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Decision   Decision  `json:"decision"`
	DecidedAt  time.Time `json:"decided_at,omitempty"`
	DecidedBy  string    `json:"decided_by,omitempty"`
}

// Store persists pending/decided requests, and separately the set of
// AllowAlways/DenyAlways grants a session has accumulated. Grants are
// scoped per session (see DESIGN.md Open Question #1): a global store
// would otherwise accumulate AllowAlways entries with no eviction path
// once the session that requested them is gone.
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, req *Request) error
	ListPending(ctx context.Context, sessionID string) ([]*Request, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)

	AddGrant(ctx context.Context, sessionID string, decision Decision, toolPattern string) error
	Grants(ctx context.Context, sessionID string) (map[string]Decision, error)
}

// Checker evaluates tool calls against a policy plus session-scoped
// grants, and coordinates the pending-request lifecycle for AskBefore.
type Checker struct {
	mu             sync.RWMutex
	sessionPolicy  map[string]*Policy
	defaultPolicy  *Policy
	store          Store
	uiAvailable    func() bool
}

// NewChecker creates a checker with the given default policy (nil uses
// DefaultPolicy).
func NewChecker(defaultPolicy *Policy) *Checker {
	if defaultPolicy == nil {
		defaultPolicy = DefaultPolicy()
	}
	return &Checker{
		sessionPolicy: make(map[string]*Policy),
		defaultPolicy: defaultPolicy,
	}
}

// SetStore installs the pending-request / grant store.
func (c *Checker) SetStore(store Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// SetUIAvailableCheck installs the callback used to tell whether a
// confirmation prompt can currently be answered by anyone.
func (c *Checker) SetUIAvailableCheck(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uiAvailable = fn
}

// SetSessionPolicy overrides the policy for one session.
func (c *Checker) SetSessionPolicy(sessionID string, p *Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionPolicy[sessionID] = p
}

func (c *Checker) policyFor(sessionID string) *Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.sessionPolicy[sessionID]; ok && p != nil {
		return p
	}
	return c.defaultPolicy
}

func (c *Checker) uiOK() bool {
	c.mu.RLock()
	fn := c.uiAvailable
	c.mu.RUnlock()
	if fn == nil {
		return false
	}
	return fn()
}

// Check evaluates a tool call, returning a terminal decision where
// possible. A non-terminal AskBefore result means the caller must create
// a Request (via CreateRequest) and suspend the turn until it is decided.
func (c *Checker) Check(ctx context.Context, sessionID string, call ToolCall) (Decision, string) {
	p := c.policyFor(sessionID)

	if p.Mode == ModeChat {
		return DenyAlways, "chat mode never executes tools"
	}

	if grants, err := c.grantsFor(ctx, sessionID); err == nil {
		for pattern, decision := range grants {
			if matchesPattern([]string{pattern}, call.Name) {
				return decision, "session grant"
			}
		}
	}

	if matchesPattern(p.Deny, call.Name) {
		return DenyAlways, "tool in denylist"
	}

	if p.Mode == ModeAuto {
		return AllowOnce, "auto mode"
	}

	if matchesPattern(p.Allow, call.Name) {
		return AllowOnce, "tool in allowlist"
	}
	if matchesPattern(p.SafeBins, call.Name) {
		return AllowOnce, "tool is a safe bin"
	}

	if p.Mode == ModeSmartApprove {
		if call.Annotations.ReadOnlyHint && !call.Annotations.DestructiveHint {
			return AllowOnce, "read-only hinted tool"
		}
	}

	if matchesPattern(p.RequireApproval, call.Name) {
		return c.askOrDeny(p, "tool requires approval")
	}

	if p.DefaultDecision == "" {
		return c.askOrDeny(p, "default policy")
	}
	if p.DefaultDecision == AskBefore {
		return c.askOrDeny(p, "default policy")
	}
	return p.DefaultDecision, "default policy"
}

func (c *Checker) askOrDeny(p *Policy, reason string) (Decision, string) {
	if !p.AskFallback && !c.uiOK() {
		return DenyOnce, "approval unavailable: " + reason
	}
	return AskBefore, reason
}

func (c *Checker) grantsFor(ctx context.Context, sessionID string) (map[string]Decision, error) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return nil, nil
	}
	return store.Grants(ctx, sessionID)
}

// RecordGrant persists an AllowAlways/DenyAlways decision so future calls
// in the same session skip straight to it.
func (c *Checker) RecordGrant(ctx context.Context, sessionID string, decision Decision, toolPattern string) error {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil || (decision != AllowAlways && decision != DenyAlways) {
		return nil
	}
	return store.AddGrant(ctx, sessionID, decision, toolPattern)
}

// CreateRequest persists a pending confirmation request for an AskBefore
// decision.
func (c *Checker) CreateRequest(ctx context.Context, sessionID string, call ToolCall, reason string) (*Request, error) {
	p := c.policyFor(sessionID)
	ttl := p.RequestTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	req := &Request{
		ID:         call.ID + "-confirm",
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
		SessionID:  sessionID,
		Reason:     reason,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(ttl),
		Decision:   AskBefore,
	}

	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store != nil {
		if err := store.Create(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Resolve applies a human decision to a pending request, and — for
// AllowAlways/DenyAlways — records the session-scoped grant.
func (c *Checker) Resolve(ctx context.Context, requestID, decidedBy string, decision Decision) error {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return nil
	}

	req, err := store.Get(ctx, requestID)
	if err != nil || req == nil {
		return err
	}

	req.Decision = decision
	req.DecidedAt = time.Now()
	req.DecidedBy = decidedBy
	if err := store.Update(ctx, req); err != nil {
		return err
	}

	if decision == AllowAlways || decision == DenyAlways {
		return c.RecordGrant(ctx, req.SessionID, decision, req.ToolName)
	}
	return nil
}

// PendingRequests lists outstanding confirmation requests for a session.
func (c *Checker) PendingRequests(ctx context.Context, sessionID string) ([]*Request, error) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return nil, nil
	}
	return store.ListPending(ctx, sessionID)
}

// matchesPattern supports exact match, prefix*, *suffix, *, and mcp:*
// (matching any namespaced extension tool), normalizing case/whitespace.
func matchesPattern(patterns []string, name string) bool {
	normalized := normalize(name)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		np := normalize(pattern)
		switch {
		case np == "*":
			return true
		case np == name, np == normalized:
			return true
		case np == "mcp:*" && strings.Contains(normalized, "__"):
			return true
		case len(np) > 1 && np[len(np)-1] == '*':
			if strings.HasPrefix(normalized, np[:len(np)-1]) {
				return true
			}
		case len(np) > 1 && np[0] == '*':
			if strings.HasSuffix(normalized, np[1:]) {
				return true
			}
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
