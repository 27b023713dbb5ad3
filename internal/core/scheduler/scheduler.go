package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

var (
	// ErrSaturated is the backpressure signal: the pending backlog is at its
	// limit and the caller should back off before resubmitting.
	ErrSaturated = errors.New("scheduler backlog limit exceeded")

	ErrJobNotFound = errors.New("job not found")
)

const (
	DefaultTickInterval = time.Second
	DefaultMaxAttempts  = 3
	DefaultBacklogLimit = 100
	retryBackoffBase    = time.Second
	retryBackoffCap     = 60 * time.Second
)

// Dispatcher hands a running job to the worker pool. Satisfied by
// dispatch.Pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, job task.Job) error
}

type Config struct {
	TickInterval time.Duration
	MaxAttempts  int
	BacklogLimit int
}

func (c *Config) fill() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BacklogLimit <= 0 {
		c.BacklogLimit = DefaultBacklogLimit
	}
}

// Scheduler owns the job lifecycle. All due-time evaluation runs through the
// single Tick driver, so a job is dispatched at most once per due instant.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[string]*task.Job
	dispatcher Dispatcher
	store      task.Store // optional durability mirror, may be nil
	bus        event.Bus
	cfg        Config
}

func New(bus event.Bus, store task.Store, cfg Config) *Scheduler {
	cfg.fill()
	return &Scheduler{
		jobs:  make(map[string]*task.Job),
		store: store,
		bus:   bus,
		cfg:   cfg,
	}
}

// SetDispatcher wires the worker pool in after construction; the pool itself
// reports results back through OnJobDone, so the two are built in either
// order.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// SubmitRequest describes a job to schedule. Zero RunAt means now; Every is
// required for periodic jobs; MaxAttempts falls back to the configured
// default.
type SubmitRequest struct {
	Kind        task.Kind
	Payload     []byte
	RunAt       time.Time
	Every       time.Duration
	MaxAttempts int
}

// Submit enqueues a job, applying the backlog limit before anything is
// stored. It never blocks on job execution.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (task.Job, error) {
	now := time.Now()

	var nextRun time.Time
	switch req.Kind {
	case task.KindImmediate:
		nextRun = now
	case task.KindDelayed:
		if req.RunAt.IsZero() {
			return task.Job{}, fmt.Errorf("delayed job needs a run time")
		}
		nextRun = req.RunAt
	case task.KindPeriodic:
		if req.Every <= 0 {
			return task.Job{}, fmt.Errorf("periodic job needs a positive interval")
		}
		nextRun = now.Add(req.Every)
		if !req.RunAt.IsZero() {
			nextRun = req.RunAt
		}
	default:
		return task.Job{}, fmt.Errorf("unknown job kind %q", req.Kind)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	s.mu.Lock()
	if s.backlogLocked() >= s.cfg.BacklogLimit {
		s.mu.Unlock()
		return task.Job{}, ErrSaturated
	}
	job := &task.Job{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Payload:     req.Payload,
		Status:      task.StatusPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   nextRun,
		Every:       req.Every,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	snapshot := *job
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.bus.Publish(ctx, event.Event{
		Type:    event.EventJobSubmitted,
		Payload: event.JobEvent{JobID: snapshot.ID, Kind: string(snapshot.Kind)},
	})
	log.Info().Str("job", snapshot.ID).Str("kind", string(snapshot.Kind)).
		Time("next_run_at", snapshot.NextRunAt).Msg("job submitted")
	return snapshot, nil
}

// Cancel is idempotent: cancelling a terminal job is a no-op. A running job
// is only marked for cancellation; its in-flight execution finishes and the
// record flips to cancelled afterwards.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if job.Status == task.StatusRunning {
		job.CancelRequested = true
		job.UpdatedAt = time.Now()
		snapshot := *job
		s.mu.Unlock()
		s.persist(ctx, snapshot)
		return nil
	}

	s.terminateLocked(job, task.StatusCancelled)
	snapshot := *job
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.bus.Publish(ctx, event.Event{
		Type:    event.EventJobCancelled,
		Payload: event.JobEvent{JobID: id, Kind: string(snapshot.Kind)},
	})
	log.Info().Str("job", id).Msg("job cancelled")
	return nil
}

// Reschedule moves a pending job's due time.
func (s *Scheduler) Reschedule(ctx context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != task.StatusPending {
		s.mu.Unlock()
		return fmt.Errorf("cannot reschedule job in status %q", job.Status)
	}
	job.NextRunAt = runAt
	job.UpdatedAt = time.Now()
	snapshot := *job
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	log.Info().Str("job", id).Time("next_run_at", runAt).Msg("job rescheduled")
	return nil
}

func (s *Scheduler) Get(id string) (task.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return task.Job{}, ErrJobNotFound
	}
	return *job, nil
}

// List returns all job records ordered by creation time, newest first.
func (s *Scheduler) List() []task.Job {
	s.mu.Lock()
	out := make([]task.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Backlog reports the number of pending jobs.
func (s *Scheduler) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlogLocked()
}

func (s *Scheduler) backlogLocked() int {
	n := 0
	for _, job := range s.jobs {
		if job.Status == task.StatusPending {
			n++
		}
	}
	return n
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("tick_interval", s.cfg.TickInterval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick moves every due pending job to running and hands it to the
// dispatcher. Jobs due at the same instant are dispatched in ascending ID
// order. Exported so tests can drive time explicitly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if s.dispatcher == nil {
		s.mu.Unlock()
		return
	}
	var due []task.Job
	for _, job := range s.jobs {
		if job.Status == task.StatusPending && !job.NextRunAt.After(now) {
			due = append(due, *job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for i := range due {
		job := s.jobs[due[i].ID]
		job.Status = task.StatusRunning
		job.UpdatedAt = now
		due[i] = *job
	}
	s.mu.Unlock()

	for _, job := range due {
		s.persist(ctx, job)
		s.bus.Publish(ctx, event.Event{
			Type:    event.EventJobStarted,
			Payload: event.JobEvent{JobID: job.ID, Kind: string(job.Kind), Attempts: job.Attempts},
		})
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			// Dispatch only fails on shutdown; put the job back so a restart
			// redelivers it.
			log.Warn().Err(err).Str("job", job.ID).Msg("dispatch failed, requeueing")
			s.mu.Lock()
			if j, ok := s.jobs[job.ID]; ok && j.Status == task.StatusRunning {
				j.Status = task.StatusPending
			}
			s.mu.Unlock()
			return
		}
	}
}

// OnJobDone is the dispatcher's result callback: it applies the
// running-to-terminal transitions and the retry and periodic reschedule
// policies.
func (s *Scheduler) OnJobDone(ctx context.Context, id string, execErr error, latency time.Duration) {
	now := time.Now()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status != task.StatusRunning {
		s.mu.Unlock()
		return
	}

	var evt event.EventType
	switch {
	case job.CancelRequested:
		s.terminateLocked(job, task.StatusCancelled)
		evt = event.EventJobCancelled

	case execErr == nil:
		if job.Kind == task.KindPeriodic {
			// Next run counts from the run that just completed, so a delayed
			// run shifts the schedule instead of compounding drift. A backlog
			// of missed periods collapses into this single completed run.
			job.Status = task.StatusPending
			job.Attempts = 0
			job.LastError = ""
			job.NextRunAt = now.Add(job.Every)
			job.UpdatedAt = now
		} else {
			s.terminateLocked(job, task.StatusSucceeded)
		}
		evt = event.EventJobSucceeded

	default:
		job.Attempts++
		job.LastError = execErr.Error()
		job.UpdatedAt = now
		if job.Attempts < job.MaxAttempts {
			job.Status = task.StatusPending
			job.NextRunAt = now.Add(retryBackoff(job.Attempts))
			evt = event.EventJobRetried
		} else {
			s.terminateLocked(job, task.StatusFailed)
			evt = event.EventJobFailedFinal
		}
	}
	snapshot := *job
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.bus.Publish(ctx, event.Event{
		Type: evt,
		Payload: event.JobEvent{
			JobID:    snapshot.ID,
			Kind:     string(snapshot.Kind),
			Attempts: snapshot.Attempts,
			Error:    snapshot.LastError,
		},
	})

	logEvent := log.Info()
	if evt == event.EventJobFailedFinal {
		logEvent = log.Error()
	}
	logEvent.Str("job", snapshot.ID).Str("status", string(snapshot.Status)).
		Int("attempts", snapshot.Attempts).Dur("latency", latency).
		Str("error", snapshot.LastError).Msg("job finished")
}

// Restore reloads active jobs from the store after a restart. Running jobs
// come back as pending: the store contract is at-least-once, and job IDs are
// idempotent, so redelivery is safe.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	jobs, err := s.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}

	s.mu.Lock()
	restored := 0
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		j := job
		if j.Status == task.StatusRunning {
			j.Status = task.StatusPending
		}
		s.jobs[j.ID] = &j
		restored++
	}
	s.mu.Unlock()

	if restored > 0 {
		log.Info().Int("jobs", restored).Msg("restored jobs from store")
	}
	return nil
}

// terminateLocked applies a terminal status. The caller holds s.mu.
func (s *Scheduler) terminateLocked(job *task.Job, status task.Status) {
	now := time.Now()
	job.Status = status
	job.UpdatedAt = now
	job.CompletedAt = &now
}

func (s *Scheduler) persist(ctx context.Context, job task.Job) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, job); err != nil {
		log.Warn().Err(err).Str("job", job.ID).Msg("job store save failed")
	}
}

// retryBackoff grows exponentially with the attempt count: 1s, 2s, 4s...
// capped at 60s.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 7 {
		return retryBackoffCap
	}
	d := retryBackoffBase << uint(attempts-1)
	if d > retryBackoffCap {
		return retryBackoffCap
	}
	return d
}
