package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/permission"
	"github.com/anthropics/agentd/internal/replyloop"
	"github.com/anthropics/agentd/internal/sessionstore"
)

// NewSessionParams is the payload of a session/new request.
type NewSessionParams struct {
	Name       string         `json:"name,omitempty"`
	WorkingDir string         `json:"working_dir,omitempty"`
	Recipe     string         `json:"recipe,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// ForkParams is the payload of a session/fork request.
type ForkParams struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp,omitempty"`
	Truncate  bool   `json:"truncate,omitempty"`
	Copy      bool   `json:"copy,omitempty"`
}

// ApproveParams is the payload of a tool/approve request.
type ApproveParams struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

// ServerInfo answers initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Handler is the transport-agnostic surface every wire encoding (stdio,
// HTTP+SSE, WebSocket) dispatches onto. A single AgentHandler instance is
// shared across all three transports and across every concurrent session.
type Handler interface {
	Initialize(ctx context.Context) (*ServerInfo, error)
	NewSession(ctx context.Context, params NewSessionParams) (*sessionstore.Session, error)
	Prompt(ctx context.Context, sessionID, text string) (<-chan *replyloop.AgentEvent, error)
	CancelPrompt(ctx context.Context, sessionID string) error
	ApproveTool(ctx context.Context, requestID string, decision permission.Decision) error
	ListSessions(ctx context.Context, opts sessionstore.ListOptions) ([]*sessionstore.Session, error)
	ResumeSession(ctx context.Context, sessionID string) (*sessionstore.Session, []*convo.Message, error)
	ForkSession(ctx context.Context, sessionID string, opts sessionstore.ForkOptions) (string, error)
}

// AgentHandler is the default Handler: it creates/loads sessions through
// a sessionstore.Store and drives turns through a single shared
// replyloop.Loop, tracking one cancellation function per session with an
// in-flight prompt so prompt/cancel can interrupt it.
type AgentHandler struct {
	Info  ServerInfo
	Store sessionstore.Store
	Loop  *replyloop.Loop

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewAgentHandler(info ServerInfo, store sessionstore.Store, loop *replyloop.Loop) *AgentHandler {
	return &AgentHandler{
		Info:    info,
		Store:   store,
		Loop:    loop,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (h *AgentHandler) Initialize(ctx context.Context) (*ServerInfo, error) {
	info := h.Info
	return &info, nil
}

func (h *AgentHandler) NewSession(ctx context.Context, params NewSessionParams) (*sessionstore.Session, error) {
	sess := &sessionstore.Session{
		Name:             params.Name,
		Type:             sessionstore.TypeUser,
		WorkingDir:       params.WorkingDir,
		Recipe:           params.Recipe,
		UserRecipeValues: params.Params,
	}
	if err := h.Store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("transport: create session: %w", err)
	}
	return sess, nil
}

func (h *AgentHandler) Prompt(parent context.Context, sessionID, text string) (<-chan *replyloop.AgentEvent, error) {
	if _, _, err := h.Store.GetSession(parent, sessionID, false); err != nil {
		return nil, fmt.Errorf("transport: unknown session %s: %w", sessionID, err)
	}

	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	if existing, ok := h.cancels[sessionID]; ok {
		existing()
	}
	h.cancels[sessionID] = cancel
	h.mu.Unlock()

	msg := convo.NewMessage(sessionID, convo.RoleUser, convo.Text(text))
	events, err := h.Loop.Reply(ctx, sessionID, msg)
	if err != nil {
		cancel()
		h.mu.Lock()
		delete(h.cancels, sessionID)
		h.mu.Unlock()
		return nil, err
	}

	// Wrap so the cancel-tracking entry is cleared once the loop finishes
	// naturally, not only when prompt/cancel fires.
	out := make(chan *replyloop.AgentEvent, 256)
	go func() {
		defer close(out)
		defer func() {
			h.mu.Lock()
			delete(h.cancels, sessionID)
			h.mu.Unlock()
			cancel()
		}()
		for ev := range events {
			out <- ev
		}
	}()
	return out, nil
}

func (h *AgentHandler) CancelPrompt(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	cancel, ok := h.cancels[sessionID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}

func (h *AgentHandler) ApproveTool(ctx context.Context, requestID string, decision permission.Decision) error {
	if !h.Loop.Approve(requestID, decision) {
		return fmt.Errorf("transport: no pending approval %s", requestID)
	}
	return nil
}

func (h *AgentHandler) ListSessions(ctx context.Context, opts sessionstore.ListOptions) ([]*sessionstore.Session, error) {
	return h.Store.ListSessions(ctx, opts)
}

func (h *AgentHandler) ResumeSession(ctx context.Context, sessionID string) (*sessionstore.Session, []*convo.Message, error) {
	return h.Store.GetSession(ctx, sessionID, true)
}

func (h *AgentHandler) ForkSession(ctx context.Context, sessionID string, opts sessionstore.ForkOptions) (string, error) {
	return h.Store.Fork(ctx, sessionID, opts)
}

var _ Handler = (*AgentHandler)(nil)
