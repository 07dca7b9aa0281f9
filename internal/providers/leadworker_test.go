package providers

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/oauth2"

	"github.com/anthropics/agentd/internal/convo"
)

type fakeProvider struct {
	name string
	err  error
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (*convo.Message, *Usage, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return convo.NewMessage("", convo.RoleAssistant, convo.Text("ok from "+f.name)), &Usage{}, nil
}
func (f *fakeProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error) {
	ch := make(chan Chunk, 1)
	close(ch)
	return ch, f.err
}
func (f *fakeProvider) CompleteFast(ctx context.Context, req *CompletionRequest) (*convo.Message, *Usage, error) {
	return f.Complete(ctx, req)
}
func (f *fakeProvider) Models() []Model                                    { return nil }
func (f *fakeProvider) FetchSupportedModels(ctx context.Context) error     { return nil }
func (f *fakeProvider) MapToCanonicalModel(rawModel string) (Model, bool)  { return Model{}, false }
func (f *fakeProvider) GetModelConfig(modelID string) (Model, bool)        { return Model{}, false }
func (f *fakeProvider) SupportsStreaming() bool                           { return true }
func (f *fakeProvider) SupportsTools() bool                               { return true }
func (f *fakeProvider) SupportsEmbeddings() bool                          { return false }
func (f *fakeProvider) RetryConfig() RetryConfig                          { return RetryConfig{} }
func (f *fakeProvider) ConfigureOAuth(ctx context.Context, ts oauth2.TokenSource) error {
	return nil
}

var _ Provider = (*fakeProvider)(nil)

func TestLeadWorkerFallsBackAfterConsecutiveFailures(t *testing.T) {
	// auth failures are permanent on the lead and always warrant trying
	// the worker mid-call (unlike a transient rate limit, which retries
	// the same provider instead — see ShouldRetryOtherProvider).
	lead := &fakeProvider{name: "lead", err: errors.New("authentication failed")}
	worker := &fakeProvider{name: "worker"}
	lw := NewLeadWorker(lead, worker, LeadWorkerConfig{ConsecutiveFailureLimit: 2})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, _, err := lw.Complete(ctx, &CompletionRequest{}); err != nil {
			t.Fatalf("call %d: expected lead failure to fail over to worker, got error: %v", i, err)
		}
	}

	if lw.Role() != FallbackFromLead {
		t.Fatalf("expected FallbackFromLead after %d consecutive lead failures, got %s", 2, lw.Role())
	}
}

func TestLeadWorkerNoWorkerPropagatesError(t *testing.T) {
	lead := &fakeProvider{name: "lead", err: errors.New("boom")}
	lw := NewLeadWorker(lead, nil, DefaultLeadWorkerConfig())

	_, _, err := lw.Complete(context.Background(), &CompletionRequest{})
	if err == nil {
		t.Fatal("expected error to propagate with no worker configured")
	}
}

func TestLeadWorkerStaysLeadOnSuccess(t *testing.T) {
	lead := &fakeProvider{name: "lead"}
	worker := &fakeProvider{name: "worker"}
	lw := NewLeadWorker(lead, worker, DefaultLeadWorkerConfig())

	for i := 0; i < 5; i++ {
		if _, _, err := lw.Complete(context.Background(), &CompletionRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if lw.Role() != Lead {
		t.Fatalf("expected to remain Lead on repeated success, got %s", lw.Role())
	}
}
