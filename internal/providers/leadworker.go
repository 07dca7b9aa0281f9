package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/anthropics/agentd/internal/convo"
)

// Role is the lead/worker state a meta-provider occupies for a given
// session. Transitions are driven by turn count and consecutive-failure
// count only, never by wall-clock elapsed time — a long-running session
// that has been stable for an hour should not be treated differently from
// one thirty seconds old, only one that has actually accumulated turns or
// failures should move.
type Role string

const (
	// Lead is the primary, normally-capable provider serving every turn.
	Lead Role = "lead"
	// Worker is a secondary provider taking turns from the lead to spread
	// load once the lead has served LeadWorkerConfig.HandoffAfterTurns
	// consecutive turns.
	Worker Role = "worker"
	// FallbackFromLead is entered when the lead has failed
	// ConsecutiveFailureLimit times in a row; the worker serves turns, the
	// lead is probed every RecoveryProbeEveryNTurns of them, and a
	// successful probe returns control to Lead.
	FallbackFromLead Role = "fallback_from_lead"
)

// LeadWorkerConfig tunes the turn/failure thresholds that drive Role
// transitions.
type LeadWorkerConfig struct {
	// HandoffAfterTurns is how many consecutive turns the lead serves
	// before control alternates to the worker, 0 disables handoff (lead
	// serves every turn until it fails).
	HandoffAfterTurns int
	// ConsecutiveFailureLimit is how many lead failures in a row trigger
	// FallbackFromLead.
	ConsecutiveFailureLimit int
	// RecoveryProbeEveryNTurns, once in FallbackFromLead, is how many
	// worker-served turns pass before the lead is probed again.
	RecoveryProbeEveryNTurns int
}

// DefaultLeadWorkerConfig matches the teacher's FailoverConfig defaults
// for the threshold count, translated from a wall-clock circuit-breaker
// window into a turn-count window.
func DefaultLeadWorkerConfig() LeadWorkerConfig {
	return LeadWorkerConfig{
		HandoffAfterTurns:        0,
		ConsecutiveFailureLimit:  3,
		RecoveryProbeEveryNTurns: 5,
	}
}

// LeadWorker composes two providers into one: the lead serves turns
// normally, the worker takes over per LeadWorkerConfig. This generalizes
// the teacher's FailoverOrchestrator (internal/agent/failover.go), which
// fails over across an ordered list keyed on wall-clock circuit-breaker
// timeouts, into a two-provider state machine keyed on turn/failure
// counts so behavior stays deterministic across a resumed or replayed
// session.
type LeadWorker struct {
	mu sync.Mutex

	lead, worker Provider
	cfg          LeadWorkerConfig

	role              Role
	turnsSinceHandoff int
	consecutiveFails  int
	turnsInFallback   int
}

// NewLeadWorker creates a lead/worker pair. worker may be nil, in which
// case the pair always behaves as Lead and failures simply propagate.
func NewLeadWorker(lead, worker Provider, cfg LeadWorkerConfig) *LeadWorker {
	return &LeadWorker{
		lead:   lead,
		worker: worker,
		cfg:    cfg,
		role:   Lead,
	}
}

// Role reports the current state, for logging/observability.
func (lw *LeadWorker) Role() Role {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.role
}

// active picks which underlying provider should serve the next turn
// given the current role, and must be called with lw.mu held.
func (lw *LeadWorker) active() Provider {
	switch lw.role {
	case FallbackFromLead:
		if lw.worker != nil {
			return lw.worker
		}
		return lw.lead
	case Worker:
		if lw.worker != nil {
			return lw.worker
		}
		return lw.lead
	default:
		return lw.lead
	}
}

// advance updates role/counters after a turn completes, called with
// lw.mu held. probe is true when the call just made was a recovery probe
// of the lead while in FallbackFromLead.
func (lw *LeadWorker) advance(usedLead bool, err error, probe bool) {
	if err == nil {
		lw.consecutiveFails = 0
		if probe {
			lw.role = Lead
			lw.turnsSinceHandoff = 0
			lw.turnsInFallback = 0
			return
		}
		if lw.role == Lead {
			lw.turnsSinceHandoff++
			if lw.cfg.HandoffAfterTurns > 0 && lw.turnsSinceHandoff >= lw.cfg.HandoffAfterTurns && lw.worker != nil {
				lw.role = Worker
				lw.turnsSinceHandoff = 0
			}
		} else if lw.role == Worker {
			lw.role = Lead
		}
		return
	}

	if usedLead {
		lw.consecutiveFails++
		if lw.worker != nil && lw.cfg.ConsecutiveFailureLimit > 0 && lw.consecutiveFails >= lw.cfg.ConsecutiveFailureLimit {
			lw.role = FallbackFromLead
			lw.turnsInFallback = 0
		}
	}
}

// shouldProbeLead reports whether this turn, while in FallbackFromLead,
// should be routed to the lead as a recovery probe instead of the worker.
// Called with lw.mu held.
func (lw *LeadWorker) shouldProbeLead() bool {
	if lw.role != FallbackFromLead || lw.lead == nil {
		return false
	}
	n := lw.cfg.RecoveryProbeEveryNTurns
	if n <= 0 {
		return false
	}
	return lw.turnsInFallback > 0 && lw.turnsInFallback%n == 0
}

// pick selects the provider for the next turn and reports whether it is
// the lead (for advance's bookkeeping) and whether this is a recovery
// probe of the lead from within FallbackFromLead.
func (lw *LeadWorker) pick() (p Provider, usedLead, probe bool) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	probe = lw.shouldProbeLead()
	if lw.role == FallbackFromLead {
		lw.turnsInFallback++
	}

	p = lw.active()
	if probe {
		p = lw.lead
	}
	return p, p == lw.lead, probe
}

func (lw *LeadWorker) settle(usedLead, probe bool, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.advance(usedLead, err, probe)
}

// Name reports the active provider's name, prefixed with the role so logs
// distinguish a lead-served turn from a fallback-served one.
func (lw *LeadWorker) Name() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return fmt.Sprintf("%s(%s)", lw.active().Name(), lw.role)
}

func (lw *LeadWorker) Complete(ctx context.Context, req *CompletionRequest) (*convo.Message, *Usage, error) {
	p, usedLead, probe := lw.pick()
	msg, usage, err := p.Complete(ctx, req)
	lw.settle(usedLead, probe, err)
	if err != nil && usedLead && !probe && lw.worker != nil && ShouldRetryOtherProvider(err) {
		msg, usage, err = lw.worker.Complete(ctx, req)
	}
	return msg, usage, err
}

func (lw *LeadWorker) CompleteFast(ctx context.Context, req *CompletionRequest) (*convo.Message, *Usage, error) {
	p, usedLead, probe := lw.pick()
	msg, usage, err := p.CompleteFast(ctx, req)
	lw.settle(usedLead, probe, err)
	return msg, usage, err
}

func (lw *LeadWorker) Stream(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error) {
	p, usedLead, probe := lw.pick()
	ch, err := p.Stream(ctx, req)
	if err != nil {
		lw.settle(usedLead, probe, err)
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		var streamErr error
		for c := range ch {
			if c.Err != nil {
				streamErr = c.Err
			}
			out <- c
		}
		lw.settle(usedLead, probe, streamErr)
	}()
	return out, nil
}

func (lw *LeadWorker) Models() []Model {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	models := lw.lead.Models()
	if lw.worker != nil {
		models = append(models, lw.worker.Models()...)
	}
	return models
}

func (lw *LeadWorker) FetchSupportedModels(ctx context.Context) error {
	if err := lw.lead.FetchSupportedModels(ctx); err != nil {
		return err
	}
	if lw.worker != nil {
		return lw.worker.FetchSupportedModels(ctx)
	}
	return nil
}

func (lw *LeadWorker) MapToCanonicalModel(rawModel string) (Model, bool) {
	if m, ok := lw.lead.MapToCanonicalModel(rawModel); ok {
		return m, true
	}
	if lw.worker != nil {
		return lw.worker.MapToCanonicalModel(rawModel)
	}
	return Model{}, false
}

func (lw *LeadWorker) GetModelConfig(modelID string) (Model, bool) {
	if m, ok := lw.lead.GetModelConfig(modelID); ok {
		return m, true
	}
	if lw.worker != nil {
		return lw.worker.GetModelConfig(modelID)
	}
	return Model{}, false
}

func (lw *LeadWorker) SupportsStreaming() bool  { return lw.lead.SupportsStreaming() }
func (lw *LeadWorker) SupportsTools() bool      { return lw.lead.SupportsTools() }
func (lw *LeadWorker) SupportsEmbeddings() bool { return lw.lead.SupportsEmbeddings() }
func (lw *LeadWorker) RetryConfig() RetryConfig { return lw.lead.RetryConfig() }

func (lw *LeadWorker) ConfigureOAuth(ctx context.Context, ts oauth2.TokenSource) error {
	if err := lw.lead.ConfigureOAuth(ctx, ts); err != nil {
		return err
	}
	if lw.worker != nil {
		return lw.worker.ConfigureOAuth(ctx, ts)
	}
	return nil
}

var _ Provider = (*LeadWorker)(nil)
var _ = time.Second
