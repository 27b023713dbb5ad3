package event

import "time"

type EventType string

const (
	// Job lifecycle
	EventJobSubmitted   EventType = "job.submitted"
	EventJobStarted     EventType = "job.started"
	EventJobSucceeded   EventType = "job.succeeded"
	EventJobRetried     EventType = "job.retried"
	EventJobFailedFinal EventType = "job.failed_final"
	EventJobCancelled   EventType = "job.cancelled"

	// Instance health
	EventInstanceFailureThreshold EventType = "instance.failure_threshold"
	EventInstanceUnhealthy        EventType = "instance.unhealthy"
	EventInstanceSuspect          EventType = "instance.suspect"
	EventInstanceRecovered        EventType = "instance.recovered"

	// Balancing
	EventBalancerDecision EventType = "balancer.decision"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type JobEvent struct {
	JobID    string
	Kind     string
	Attempts int
	Error    string
}

type InstanceEvent struct {
	InstanceID          string
	ConsecutiveFailures int
	CircuitOpenUntil    time.Time
}

// DecisionEvent records one balancing decision for metrics. It is emitted,
// logged, and discarded; nothing retains it.
type DecisionEvent struct {
	InstanceID   string
	Strategy     string
	DecisionTime time.Time
}
