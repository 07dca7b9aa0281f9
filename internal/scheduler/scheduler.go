package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobRunning is returned by RunNow when the job already has a firing
// in flight.
var ErrJobRunning = errors.New("scheduler: job already running")

// ErrJobNotFound is returned by any operation addressing an unknown id.
var ErrJobNotFound = errors.New("scheduler: job not found")

const defaultLeaseTTL = time.Hour

// Scheduler owns an in-memory job table backed by a JobStore, polls for
// due jobs, and fires each into a hidden child session via SessionFactory
// and RecipeRunner. Grounded on internal/cron/scheduler.go's Scheduler,
// generalized from direct message/webhook/custom dispatch to always
// spawning a recipe as a hidden session (spec.md §4.9).
type Scheduler struct {
	logger         *slog.Logger
	jobStore       JobStore
	executionStore ExecutionStore
	sessions       SessionFactory
	runner         RecipeRunner
	now            func() time.Time
	tickInterval   time.Duration
	leaseTTL       time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	cancels map[string]context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithExecutionStore(store ExecutionStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.executionStore = store
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// WithLeaseTTL overrides how long a `currently_running` flag is trusted
// without a fresher process_start_time before crash recovery reclaims it.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// NewScheduler constructs a Scheduler and loads its job catalog from
// jobStore. sessions creates the hidden session a firing runs in; runner
// drives that session's recipe to completion.
func NewScheduler(jobStore JobStore, sessions SessionFactory, runner RecipeRunner, opts ...Option) (*Scheduler, error) {
	if jobStore == nil {
		return nil, errors.New("scheduler: job store required")
	}
	if sessions == nil {
		return nil, errors.New("scheduler: session factory required")
	}
	if runner == nil {
		return nil, errors.New("scheduler: recipe runner required")
	}

	s := &Scheduler{
		logger:         slog.Default().With("component", "scheduler"),
		jobStore:       jobStore,
		executionStore: NewMemoryExecutionStore(),
		sessions:       sessions,
		runner:         runner,
		now:            time.Now,
		tickInterval:   time.Second,
		leaseTTL:       defaultLeaseTTL,
		jobs:           make(map[string]*Job),
		cancels:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	jobs, err := jobStore.Load()
	if err != nil {
		return nil, err
	}
	s.recoverStaleJobs(jobs)
	for _, job := range jobs {
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
	}
	return s, nil
}

// recoverStaleJobs resets currently_running flags left set by a crash:
// if the recorded process_start_time is older than leaseTTL, the
// supposedly-running session is assumed dead. Implements DESIGN.md's
// Open Question #3 decision.
func (s *Scheduler) recoverStaleJobs(jobs []*Job) {
	now := s.now()
	for _, job := range jobs {
		if !job.CurrentlyRunning {
			continue
		}
		if now.Sub(job.ProcessStartTime) > s.leaseTTL {
			s.logger.Warn("scheduler: reclaiming stale currently_running flag",
				"job_id", job.ID, "session_id", job.CurrentSessionID,
				"process_start_time", job.ProcessStartTime)
			job.CurrentlyRunning = false
			job.CurrentSessionID = ""
			job.ProcessStartTime = time.Time{}
			job.LastError = "recovered after scheduler restart: stale currently_running"
		}
	}
}

// Start begins the poll loop. It returns once the loop goroutine has
// launched; call Stop to wait for it to exit.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the poll loop to exit (it exits when its context is
// cancelled by the caller of Start).
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every currently-due job immediately (for tests/manual ticks).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	due := make([]*Job, 0)
	for _, id := range s.order {
		job := s.jobs[id]
		if job == nil || !job.Enabled || job.Paused || job.CurrentlyRunning {
			continue
		}
		if job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		go s.fire(ctx, job.ID)
	}
	return len(due)
}

// Create adds a new job to the catalog and computes its first NextRun.
func (s *Scheduler) Create(id, name, recipe string, params map[string]any, sched Schedule, retry RetryConfig) (*Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	next, ok, err := sched.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("scheduler: schedule has no future firing")
	}

	job := &Job{
		ID:       id,
		Name:     name,
		Recipe:   recipe,
		Params:   params,
		Schedule: sched,
		Retry:    retry,
		Enabled:  true,
		NextRun:  next,
	}

	s.mu.Lock()
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: job %s already exists", id)
	}
	s.jobs[id] = job
	s.order = append(s.order, id)
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return job.clone(), nil
}

// UpdateCron replaces a job's schedule and recomputes NextRun.
func (s *Scheduler) UpdateCron(id string, sched Schedule) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	next, hasNext, err := sched.Next(s.now())
	if err != nil {
		return nil, err
	}
	job.Schedule = sched
	if hasNext {
		job.NextRun = next
	} else {
		job.NextRun = time.Time{}
		job.Enabled = false
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return job.clone(), nil
}

// Delete removes a job, killing it first if it is currently running.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	cancel, running := s.cancels[id]
	s.mu.Unlock()

	if running && cancel != nil {
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.cancels, id)
	for i, jobID := range s.order {
		if jobID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.persistLocked()
}

// Pause prevents a job from firing without removing it from the catalog.
func (s *Scheduler) Pause(id string) error {
	return s.setPaused(id, true)
}

// Unpause re-enables a paused job.
func (s *Scheduler) Unpause(id string) error {
	return s.setPaused(id, false)
}

func (s *Scheduler) setPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Paused = paused
	return s.persistLocked()
}

// RunNow fires a job immediately, bypassing its schedule. Returns
// ErrJobRunning if the job already has a firing in flight.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.CurrentlyRunning {
		s.mu.Unlock()
		return ErrJobRunning
	}
	s.mu.Unlock()

	return s.fire(ctx, id)
}

// KillRunningJob cancels a job's in-flight firing. Idempotent: killing a
// job with no in-flight run, or killing it twice, is a no-op success.
func (s *Scheduler) KillRunningJob(id string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok || cancel == nil {
		return nil
	}
	cancel()
	return nil
}

// GetRunningJobInfo reports the hidden session and start time of a job's
// in-flight firing, or nil if it is not currently running.
func (s *Scheduler) GetRunningJobInfo(id string) (*RunningJobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !job.CurrentlyRunning {
		return nil, nil
	}
	return &RunningJobInfo{
		JobID:            job.ID,
		CurrentSessionID: job.CurrentSessionID,
		ProcessStartTime: job.ProcessStartTime,
	}, nil
}

// Sessions returns execution history for a job (most recent first).
func (s *Scheduler) Sessions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	return s.executionStore.List(ctx, jobID, limit, 0)
}

// Jobs returns a snapshot of the job catalog.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		if job := s.jobs[id]; job != nil {
			out = append(out, job.clone())
		}
	}
	return out
}

// persistLocked writes the catalog to the backing JobStore. Caller must
// hold s.mu.
func (s *Scheduler) persistLocked() error {
	snapshot := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		if job := s.jobs[id]; job != nil {
			snapshot = append(snapshot, job)
		}
	}
	return s.jobStore.Save(snapshot)
}

// fire runs one firing of a job end to end: marks it running, creates the
// hidden session, drives the recipe, records history, clears the running
// flags, and reschedules.
func (s *Scheduler) fire(parent context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.CurrentlyRunning {
		s.mu.Unlock()
		return ErrJobRunning
	}
	now := s.now()
	job.CurrentlyRunning = true
	job.ProcessStartTime = now
	job.LastRun = now
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.persistLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
		cancel()
	}()

	sessionID, err := s.sessions.CreateHiddenSession(ctx, job.clone())
	if err != nil {
		s.finish(job, "", now, err, false)
		return err
	}

	s.mu.Lock()
	job.CurrentSessionID = sessionID
	s.persistLocked()
	s.mu.Unlock()

	exec := &JobExecution{
		ID:        uuid.NewString(),
		JobID:     jobID,
		SessionID: sessionID,
		Status:    ExecutionRunning,
		StartedAt: now,
		Retry:     job.RetryCount,
	}
	if err := s.executionStore.Create(ctx, exec); err != nil {
		s.logger.Warn("scheduler: execution create failed", "job_id", jobID, "error", err)
	}

	runErr := s.runner.Run(ctx, job.clone(), sessionID)
	killed := errors.Is(ctx.Err(), context.Canceled) && runErr != nil

	finishedAt := s.now()
	exec.CompletedAt = finishedAt
	exec.Duration = finishedAt.Sub(exec.StartedAt)
	switch {
	case killed:
		exec.Status = ExecutionKilled
		exec.Error = "killed"
	case runErr != nil:
		exec.Status = ExecutionFailed
		exec.Error = runErr.Error()
	default:
		exec.Status = ExecutionSucceeded
	}
	if err := s.executionStore.Update(ctx, exec); err != nil {
		s.logger.Warn("scheduler: execution update failed", "job_id", jobID, "error", err)
	}

	s.finish(job, sessionID, finishedAt, runErr, killed)
	return runErr
}

func (s *Scheduler) finish(job *Job, sessionID string, now time.Time, err error, killed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.CurrentlyRunning = false
	job.ProcessStartTime = time.Time{}
	job.CurrentSessionID = ""

	if err != nil && !killed {
		job.LastError = err.Error()
		maxRetries := job.Retry.MaxRetries
		if maxRetries > 0 && job.RetryCount < maxRetries {
			job.RetryCount++
			job.NextRun = now.Add(retryDelay(job.Retry, job.RetryCount))
			s.persistLocked()
			return
		}
	} else if !killed {
		job.LastError = ""
	}
	job.RetryCount = 0

	next, hasNext, nextErr := job.Schedule.Next(now)
	switch {
	case nextErr != nil:
		job.LastError = nextErr.Error()
		job.NextRun = time.Time{}
		job.Enabled = false
	case hasNext:
		job.NextRun = next
	default:
		job.NextRun = time.Time{}
		job.Enabled = false
	}
	s.persistLocked()
}

func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	delay := backoff
	if attempt > 1 {
		delay = time.Duration(1<<(attempt-1)) * backoff
	}
	if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return delay
}
