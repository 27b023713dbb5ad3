package balancer

import (
	"fmt"
	"time"
)

// Candidate is an instance eligible for selection, in registration order.
type Candidate struct {
	ID                string
	Weight            int
	ActiveConnections int
	LastResponseTime  time.Duration
	HasResponseTime   bool
}

// Strategy picks the index of one candidate. Implementations can assume
// len(candidates) > 0 and are called under the balancer's selection lock, so
// they may keep unguarded internal state.
type Strategy interface {
	Name() string
	Pick(candidates []Candidate) int
}

// NewStrategy resolves a strategy name once at configuration time. Callers
// never see strategy names again after this point.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "round_robin":
		return NewRoundRobin(), nil
	case "least_connections":
		return NewLeastConnections(), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(), nil
	case "response_time":
		return NewResponseTime(), nil
	default:
		return nil, fmt.Errorf("unknown balancer strategy %q", name)
	}
}
