package balancer

import "sync/atomic"

// RoundRobin cycles through candidates in registration order. The cursor
// advances monotonically and is taken modulo the live candidate count on each
// call, so membership changes shift the rotation without desynchronizing it.
type RoundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (rr *RoundRobin) Name() string { return "round_robin" }

func (rr *RoundRobin) Pick(candidates []Candidate) int {
	idx := rr.counter.Add(1) - 1
	return int(idx % uint64(len(candidates)))
}
