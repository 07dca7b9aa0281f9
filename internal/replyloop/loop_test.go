package replyloop

import (
	"context"
	"encoding/json"
	"testing"

	"golang.org/x/oauth2"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/permission"
	"github.com/anthropics/agentd/internal/providers"
)

type memConvoStore struct {
	byID map[string][]*convo.Message
}

func newMemConvoStore() *memConvoStore {
	return &memConvoStore{byID: make(map[string][]*convo.Message)}
}

func (s *memConvoStore) LoadConversation(ctx context.Context, sessionID string) ([]*convo.Message, error) {
	return append([]*convo.Message(nil), s.byID[sessionID]...), nil
}

func (s *memConvoStore) AppendMessage(ctx context.Context, sessionID string, msg *convo.Message) error {
	s.byID[sessionID] = append(s.byID[sessionID], msg)
	return nil
}

// scriptedProvider returns one reply per call from a fixed script, looping
// the final entry if Complete is called more times than the script has.
type scriptedProvider struct {
	script []*convo.Message
	calls  int
}

func (p *scriptedProvider) next() *convo.Message {
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++
	return p.script[i]
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Complete(ctx context.Context, req *providers.CompletionRequest) (*convo.Message, *providers.Usage, error) {
	return p.next(), &providers.Usage{InputTokens: 10, OutputTokens: 10}, nil
}
func (p *scriptedProvider) CompleteFast(ctx context.Context, req *providers.CompletionRequest) (*convo.Message, *providers.Usage, error) {
	return p.Complete(ctx, req)
}
func (p *scriptedProvider) Stream(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.Chunk, error) {
	ch := make(chan providers.Chunk)
	close(ch)
	return ch, nil
}
func (p *scriptedProvider) Models() []providers.Model                               { return nil }
func (p *scriptedProvider) FetchSupportedModels(ctx context.Context) error         { return nil }
func (p *scriptedProvider) MapToCanonicalModel(rawModel string) (providers.Model, bool) {
	return providers.Model{}, false
}
func (p *scriptedProvider) GetModelConfig(modelID string) (providers.Model, bool) {
	return providers.Model{}, false
}
func (p *scriptedProvider) SupportsStreaming() bool { return false }
func (p *scriptedProvider) SupportsTools() bool     { return true }
func (p *scriptedProvider) SupportsEmbeddings() bool { return false }
func (p *scriptedProvider) RetryConfig() providers.RetryConfig { return providers.RetryConfig{} }
func (p *scriptedProvider) ConfigureOAuth(ctx context.Context, ts oauth2.TokenSource) error {
	return nil
}

var _ providers.Provider = (*scriptedProvider)(nil)

func toolRequestMsg(sessionID, callID, name string, input map[string]any) *convo.Message {
	raw, _ := json.Marshal(input)
	return convo.NewMessage(sessionID, convo.RoleAssistant, convo.ToolRequest(callID, "", name, raw))
}

func TestReplyCompletesWithoutToolCalls(t *testing.T) {
	store := newMemConvoStore()
	provider := &scriptedProvider{script: []*convo.Message{
		convo.NewMessage("s1", convo.RoleAssistant, convo.Text("hello there")),
	}}

	loop := New(Config{
		Provider:    provider,
		Store:       store,
		Permissions: permission.NewChecker(nil),
	})

	events, err := loop.Reply(context.Background(), "s1", convo.NewMessage("s1", convo.RoleUser, convo.Text("hi")))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	var got []*AgentEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Message == nil || got[0].Message.Content[0].Text != "hello there" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestReplyAutoModeDispatchesTool(t *testing.T) {
	store := newMemConvoStore()
	provider := &scriptedProvider{script: []*convo.Message{
		toolRequestMsg("s1", "call-1", "echo", map[string]any{"msg": "hi"}),
		convo.NewMessage("s1", convo.RoleAssistant, convo.Text("done")),
	}}

	checker := permission.NewChecker(&permission.Policy{Mode: permission.ModeAuto})

	loop := New(Config{
		Provider:    provider,
		Store:       store,
		Permissions: checker,
	})

	events, err := loop.Reply(context.Background(), "s1", convo.NewMessage("s1", convo.RoleUser, convo.Text("run echo")))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	var msgs []*convo.Message
	for ev := range events {
		if ev.Message != nil {
			msgs = append(msgs, ev.Message)
		}
	}
	// assistant tool_request, tool_response (no extension manager => error), assistant "done"
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Content[0].Kind != convo.KindToolResponse {
		t.Fatalf("expected a tool_response message, got kind %s", msgs[1].Content[0].Kind)
	}
	if !msgs[1].Content[0].ToolIsError {
		t.Fatal("expected tool dispatch to error with no extension manager configured")
	}
}

func TestReplyRepetitionGuardTrips(t *testing.T) {
	store := newMemConvoStore()
	sameCall := toolRequestMsg("s1", "call-x", "loopy", map[string]any{"a": 1})
	provider := &scriptedProvider{script: []*convo.Message{sameCall}}

	loop := New(Config{
		Provider:        provider,
		Store:           store,
		Permissions:     permission.NewChecker(&permission.Policy{Mode: permission.ModeAuto}),
		RepetitionLimit: 3,
		MaxTurns:        10,
	})

	events, err := loop.Reply(context.Background(), "s1", convo.NewMessage("s1", convo.RoleUser, convo.Text("loop please")))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	var notifications []string
	for ev := range events {
		if ev.Message != nil && ev.Message.Content[0].Kind == convo.KindSystemNotification {
			notifications = append(notifications, ev.Message.Content[0].Notification)
		}
	}
	if len(notifications) != 1 || notifications[0] == "" {
		t.Fatalf("expected exactly one terminal notification, got %v", notifications)
	}
}

func TestReplyAskBeforeSuspendsUntilApprove(t *testing.T) {
	store := newMemConvoStore()
	provider := &scriptedProvider{script: []*convo.Message{
		toolRequestMsg("s1", "call-1", "danger", map[string]any{}),
		convo.NewMessage("s1", convo.RoleAssistant, convo.Text("done")),
	}}

	loop := New(Config{
		Provider:    provider,
		Store:       store,
		Permissions: permission.NewChecker(&permission.Policy{Mode: permission.ModeApprove, DefaultDecision: permission.AskBefore, AskFallback: true}),
	})

	events, err := loop.Reply(context.Background(), "s1", convo.NewMessage("s1", convo.RoleUser, convo.Text("do the dangerous thing")))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	confirmCh := make(chan string, 1)
	go func() {
		for ev := range events {
			if ev.Message != nil && ev.Message.Content[0].Kind == convo.KindToolConfirmationRequest {
				confirmCh <- ev.Message.Content[0].ConfirmationID
			}
		}
		close(confirmCh)
	}()

	id := <-confirmCh
	if id == "" {
		t.Fatal("expected a confirmation request id")
	}
	if !loop.Approve(id, permission.AllowOnce) {
		t.Fatal("expected Approve to find the waiting request")
	}
	for range confirmCh {
		// drain until goroutine closes it (Reply's channel being fully consumed)
	}
}
