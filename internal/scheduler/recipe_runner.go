package scheduler

import (
	"context"
	"fmt"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/replyloop"
	"github.com/anthropics/agentd/internal/sessionstore"
)

// LoadedRecipe is the minimal shape a RecipeLoader resolves a job's
// Recipe field into: the prompt that kicks off the hidden session, and
// the model/system override the recipe wants (empty means "use the
// agent's default"). The full recipe bundle format (6.5's YAML/JSON/JSON5
// parameter substitution) lives in internal/recipe; this seam lets the
// scheduler depend only on the result of that resolution.
type LoadedRecipe struct {
	Prompt string
	Model  string
	System string
}

// RecipeLoader resolves a job's Recipe reference plus its bound
// parameters into a runnable prompt.
type RecipeLoader interface {
	Load(ctx context.Context, recipe string, params map[string]any) (*LoadedRecipe, error)
}

// AgentRecipeRunner is the scheduler's default RecipeRunner: it loads the
// job's recipe, seeds the hidden session with the resulting prompt, and
// drives a replyloop.Loop turn to completion, discarding streamed events
// (nothing is listening live on a scheduled firing — the transcript is
// what callers inspect afterward via sessionstore).
type AgentRecipeRunner struct {
	Loader RecipeLoader
	Loop   *replyloop.Loop
}

func NewAgentRecipeRunner(loader RecipeLoader, loop *replyloop.Loop) *AgentRecipeRunner {
	return &AgentRecipeRunner{Loader: loader, Loop: loop}
}

func (r *AgentRecipeRunner) Run(ctx context.Context, job *Job, sessionID string) error {
	if r.Loader == nil {
		return fmt.Errorf("scheduler: no recipe loader configured")
	}
	if r.Loop == nil {
		return fmt.Errorf("scheduler: no reply loop configured")
	}

	loaded, err := r.Loader.Load(ctx, job.Recipe, job.Params)
	if err != nil {
		return fmt.Errorf("scheduler: load recipe %q: %w", job.Recipe, err)
	}

	prompt := convo.NewMessage(sessionID, convo.RoleUser, convo.Text(loaded.Prompt))
	events, err := r.Loop.Reply(ctx, sessionID, prompt)
	if err != nil {
		return fmt.Errorf("scheduler: start recipe session: %w", err)
	}

	for range events {
		// The loop persists every message itself; a scheduled firing has
		// no live client to stream to, so draining is all that's needed
		// to run the turn to completion.
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// SessionStoreFactory adapts a sessionstore.Store into a SessionFactory,
// creating a hidden session linked to its owning job via ScheduleID.
type SessionStoreFactory struct {
	Store sessionstore.Store
}

func NewSessionStoreFactory(store sessionstore.Store) *SessionStoreFactory {
	return &SessionStoreFactory{Store: store}
}

func (f *SessionStoreFactory) CreateHiddenSession(ctx context.Context, job *Job) (string, error) {
	sess := &sessionstore.Session{
		Name:       job.Name,
		Type:       sessionstore.TypeHidden,
		Recipe:     job.Recipe,
		ScheduleID: job.ID,
	}
	if job.Params != nil {
		sess.UserRecipeValues = job.Params
	}
	if err := f.Store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

var (
	_ RecipeRunner   = (*AgentRecipeRunner)(nil)
	_ SessionFactory = (*SessionStoreFactory)(nil)
)
