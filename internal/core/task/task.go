package task

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindImmediate Kind = "immediate"
	KindDelayed   Kind = "delayed"
	KindPeriodic  Kind = "periodic"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one unit of schedulable work. The payload is opaque to the
// scheduler and dispatcher; only the agent caller interprets it.
type Job struct {
	ID              string
	Kind            Kind
	Payload         json.RawMessage
	Status          Status
	Attempts        int
	MaxAttempts     int
	NextRunAt       time.Time
	Every           time.Duration // periodic interval, zero otherwise
	LastError       string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Store is the durability contract for job records. Save must be an
// idempotent upsert keyed on job ID so that a redelivered record does not
// double-execute side effects already committed.
type Store interface {
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, id string) error
	// LoadActive returns pending and running jobs ordered by due time.
	LoadActive(ctx context.Context) ([]Job, error)
}
