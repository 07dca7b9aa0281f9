package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/permission"
	"github.com/anthropics/agentd/internal/replyloop"
	"github.com/anthropics/agentd/internal/sessionstore"
)

// fakeHandler is a hand-written Handler double: no provider, no store, no
// reply loop, just canned returns and a record of what was called, so the
// transport-framing tests below can exercise dispatch logic without
// standing up the whole agent stack.
type fakeHandler struct {
	mu sync.Mutex

	info         ServerInfo
	newSession   *sessionstore.Session
	promptEvents chan *replyloop.AgentEvent
	promptErr    error
	cancelCalled string
	approveErr   error
	sessions     []*sessionstore.Session
	resumeMsgs   []*convo.Message
	forkID       string
	forkErr      error

	lastApprove struct {
		requestID string
		decision  permission.Decision
	}
}

func (f *fakeHandler) Initialize(ctx context.Context) (*ServerInfo, error) {
	info := f.info
	return &info, nil
}

func (f *fakeHandler) NewSession(ctx context.Context, params NewSessionParams) (*sessionstore.Session, error) {
	if f.newSession == nil {
		return nil, errors.New("fakeHandler: no session configured")
	}
	return f.newSession, nil
}

func (f *fakeHandler) Prompt(ctx context.Context, sessionID, text string) (<-chan *replyloop.AgentEvent, error) {
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	return f.promptEvents, nil
}

func (f *fakeHandler) CancelPrompt(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.cancelCalled = sessionID
	f.mu.Unlock()
	return nil
}

func (f *fakeHandler) ApproveTool(ctx context.Context, requestID string, decision permission.Decision) error {
	if f.approveErr != nil {
		return f.approveErr
	}
	f.mu.Lock()
	f.lastApprove.requestID = requestID
	f.lastApprove.decision = decision
	f.mu.Unlock()
	return nil
}

func (f *fakeHandler) ListSessions(ctx context.Context, opts sessionstore.ListOptions) ([]*sessionstore.Session, error) {
	return f.sessions, nil
}

func (f *fakeHandler) ResumeSession(ctx context.Context, sessionID string) (*sessionstore.Session, []*convo.Message, error) {
	if f.newSession == nil {
		return nil, nil, errors.New("fakeHandler: unknown session")
	}
	return f.newSession, f.resumeMsgs, nil
}

func (f *fakeHandler) ForkSession(ctx context.Context, sessionID string, opts sessionstore.ForkOptions) (string, error) {
	if f.forkErr != nil {
		return "", f.forkErr
	}
	return f.forkID, nil
}

var _ Handler = (*fakeHandler)(nil)
