package registry

import "time"

// Health is the liveness classification of an instance.
type Health string

const (
	Healthy   Health = "healthy"
	Suspect   Health = "suspect"
	Unhealthy Health = "unhealthy"
)

// Descriptor is the immutable identity of a backend agent instance. It is
// created when the instance is registered and never mutated afterwards.
type Descriptor struct {
	ID             string
	Address        string
	Weight         int
	MaxConnections int
}

// StateView is a point-in-time copy of an instance's mutable state, safe to
// read without holding any registry lock.
type StateView struct {
	Health              Health
	ActiveConnections   int
	ConsecutiveFailures int
	LastResponseTime    time.Duration
	HasResponseTime     bool
	CircuitOpenUntil    time.Time
	CircuitReopens      int
	TrialInFlight       bool
	TotalRequests       uint64
	TotalFailures       uint64
}

// Instance pairs a descriptor with a snapshot of its state.
type Instance struct {
	Descriptor Descriptor
	State      StateView
}
