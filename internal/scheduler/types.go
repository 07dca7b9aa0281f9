// Package scheduler implements the agent runtime's job scheduler (C9): a
// single in-memory job table backed by a serialized on-disk catalog, a
// poll loop that fires due jobs into hidden recipe sessions, and
// kill/pause/resume/run_now control operations. Grounded on
// internal/cron's config-driven cron scheduler, generalized from direct
// message/webhook dispatch to spawning a recipe as a child session.
package scheduler

import (
	"context"
	"time"
)

// RetryConfig controls exponential backoff after a failed firing.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    time.Duration `json:"backoff"`
	MaxBackoff time.Duration `json:"max_backoff"`
}

// Job is a scheduled recipe. Unlike internal/cron's Job (which carries
// one of Message/Webhook/Custom payloads for the teacher's channel-bot
// dispatch), a scheduler Job always launches the same kind of thing: a
// recipe running inside a hidden child session.
type Job struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Recipe   string      `json:"recipe"`
	Params   map[string]any `json:"params,omitempty"`
	Schedule Schedule    `json:"schedule"`
	Retry    RetryConfig `json:"retry"`

	Enabled bool `json:"enabled"`
	Paused  bool `json:"paused"`

	CurrentlyRunning bool      `json:"currently_running"`
	ProcessStartTime time.Time `json:"process_start_time,omitempty"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`

	NextRun    time.Time `json:"next_run,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RetryCount int       `json:"retry_count"`
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Params != nil {
		cp.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

// RunningJobInfo answers get_running_job_info.
type RunningJobInfo struct {
	JobID            string    `json:"job_id"`
	CurrentSessionID string    `json:"current_session_id"`
	ProcessStartTime time.Time `json:"process_start_time"`
}

// RecipeRunner launches a job's recipe inside the given (already created)
// hidden session and blocks until it completes. Implementations typically
// load the recipe bundle, seed the session with its initial prompt, and
// drive an agent reply loop to completion.
type RecipeRunner interface {
	Run(ctx context.Context, job *Job, sessionID string) error
}

// RecipeRunnerFunc adapts a function to a RecipeRunner.
type RecipeRunnerFunc func(ctx context.Context, job *Job, sessionID string) error

func (f RecipeRunnerFunc) Run(ctx context.Context, job *Job, sessionID string) error {
	return f(ctx, job, sessionID)
}

// SessionFactory creates the hidden child session a firing job runs in,
// returning its id. Scoped narrowly so the scheduler doesn't need the
// full sessionstore.Store surface.
type SessionFactory interface {
	CreateHiddenSession(ctx context.Context, job *Job) (string, error)
}
