package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
)

const (
	DefaultUnhealthyThreshold = 3
	DefaultEMASmoothing       = 0.3
)

// state is the mutable half of an instance, guarded by its own mutex so that
// traffic to one instance never serializes against another's.
type state struct {
	mu                  sync.Mutex
	health              Health
	activeConnections   int
	consecutiveFailures int
	lastResponseTime    time.Duration
	hasResponseTime     bool
	circuitOpenUntil    time.Time
	circuitReopens      int
	trialInFlight       bool
	totalRequests       uint64
	totalFailures       uint64
}

type instanceEntry struct {
	desc Descriptor
	st   *state
}

// Registry owns all instance state. Other components read snapshots and drive
// transitions through its methods; none of them hold references into the
// internal state.
type Registry struct {
	mu        sync.RWMutex // guards membership only
	order     []*instanceEntry
	byID      map[string]*instanceEntry
	bus       event.Bus
	threshold int
	smoothing float64
}

func New(bus event.Bus, unhealthyThreshold int, emaSmoothing float64) *Registry {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	if emaSmoothing <= 0 || emaSmoothing > 1 {
		emaSmoothing = DefaultEMASmoothing
	}
	return &Registry{
		byID:      make(map[string]*instanceEntry),
		bus:       bus,
		threshold: unhealthyThreshold,
		smoothing: emaSmoothing,
	}
}

// UnhealthyThreshold reports the configured consecutive-failure threshold.
func (r *Registry) UnhealthyThreshold() int { return r.threshold }

// Register adds an instance. Weight defaults to 1 when unset.
func (r *Registry) Register(desc Descriptor) error {
	if desc.ID == "" || desc.Address == "" {
		return fmt.Errorf("instance descriptor needs both id and address")
	}
	if desc.Weight <= 0 {
		desc.Weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[desc.ID]; exists {
		return fmt.Errorf("instance %q already registered", desc.ID)
	}
	e := &instanceEntry{desc: desc, st: &state{health: Healthy}}
	r.order = append(r.order, e)
	r.byID[desc.ID] = e

	log.Info().Str("instance", desc.ID).Str("address", desc.Address).
		Int("weight", desc.Weight).Msg("instance registered")
	return nil
}

// Deregister removes an instance. In-flight requests against it finish
// normally; their MarkConnectionEnd calls become silent no-ops.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	for i, cur := range r.order {
		if cur == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("instance", id).Msg("instance deregistered")
	return true
}

// Snapshot returns a consistent point-in-time view of all instances in
// registration order.
func (r *Registry) Snapshot() []Instance {
	r.mu.RLock()
	entries := make([]*instanceEntry, len(r.order))
	copy(entries, r.order)
	r.mu.RUnlock()

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		e.st.mu.Lock()
		view := StateView{
			Health:              e.st.health,
			ActiveConnections:   e.st.activeConnections,
			ConsecutiveFailures: e.st.consecutiveFailures,
			LastResponseTime:    e.st.lastResponseTime,
			HasResponseTime:     e.st.hasResponseTime,
			CircuitOpenUntil:    e.st.circuitOpenUntil,
			CircuitReopens:      e.st.circuitReopens,
			TrialInFlight:       e.st.trialInFlight,
			TotalRequests:       e.st.totalRequests,
			TotalFailures:       e.st.totalFailures,
		}
		e.st.mu.Unlock()
		out = append(out, Instance{Descriptor: e.desc, State: view})
	}
	return out
}

// Get returns a single instance view.
func (r *Registry) Get(id string) (Instance, bool) {
	for _, inst := range r.Snapshot() {
		if inst.Descriptor.ID == id {
			return inst, true
		}
	}
	return Instance{}, false
}

func (r *Registry) lookup(id string) *instanceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// MarkConnectionStart increments the instance's active connection count.
// Unknown ids are ignored: the instance may have been deregistered while a
// request was in flight.
func (r *Registry) MarkConnectionStart(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.st.mu.Lock()
	e.st.activeConnections++
	e.st.totalRequests++
	e.st.mu.Unlock()
}

// MarkConnectionEnd decrements the active connection count, clamping at zero.
func (r *Registry) MarkConnectionEnd(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.st.mu.Lock()
	if e.st.activeConnections > 0 {
		e.st.activeConnections--
	}
	e.st.mu.Unlock()
}

// RecordOutcome feeds one request result back into the instance's metrics.
// Success resets the consecutive failure count and updates the response time
// EMA; failure increments the count and, when it first strictly exceeds the
// unhealthy threshold, emits the failure-threshold event consumed by the
// health monitor.
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool, latency time.Duration) {
	e := r.lookup(id)
	if e == nil {
		return
	}

	e.st.mu.Lock()
	var crossed bool
	if success {
		e.st.consecutiveFailures = 0
		if latency > 0 {
			if e.st.hasResponseTime {
				e.st.lastResponseTime = time.Duration(
					r.smoothing*float64(latency) + (1-r.smoothing)*float64(e.st.lastResponseTime))
			} else {
				e.st.lastResponseTime = latency
				e.st.hasResponseTime = true
			}
		}
	} else {
		e.st.totalFailures++
		crossed = r.recordFailureLocked(e.st)
	}
	failures := e.st.consecutiveFailures
	e.st.mu.Unlock()

	if crossed {
		r.publishThreshold(ctx, id, failures)
	}
}

// RecordProbe feeds a health probe result into the failure counter. Probes do
// not contribute to the response time EMA.
func (r *Registry) RecordProbe(ctx context.Context, id string, success bool) {
	e := r.lookup(id)
	if e == nil {
		return
	}

	e.st.mu.Lock()
	var crossed bool
	if success {
		e.st.consecutiveFailures = 0
	} else {
		crossed = r.recordFailureLocked(e.st)
	}
	failures := e.st.consecutiveFailures
	e.st.mu.Unlock()

	if crossed {
		r.publishThreshold(ctx, id, failures)
	}
}

// recordFailureLocked bumps the failure count and reports whether this bump
// crossed the threshold. The caller holds st.mu.
func (r *Registry) recordFailureLocked(st *state) bool {
	st.consecutiveFailures++
	return st.consecutiveFailures == r.threshold+1
}

func (r *Registry) publishThreshold(ctx context.Context, id string, failures int) {
	log.Warn().Str("instance", id).Int("consecutive_failures", failures).
		Msg("instance crossed failure threshold")
	r.bus.Publish(ctx, event.Event{
		Type: event.EventInstanceFailureThreshold,
		Payload: event.InstanceEvent{
			InstanceID:          id,
			ConsecutiveFailures: failures,
		},
	})
}

// OpenCircuit marks the instance unhealthy until the given time. Each call
// counts as one circuit re-open for backoff growth.
func (r *Registry) OpenCircuit(ctx context.Context, id string, until time.Time) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.st.mu.Lock()
	e.st.health = Unhealthy
	e.st.circuitOpenUntil = until
	e.st.circuitReopens++
	e.st.trialInFlight = false
	reopens := e.st.circuitReopens
	e.st.mu.Unlock()

	log.Warn().Str("instance", id).Time("open_until", until).
		Int("reopens", reopens).Msg("circuit opened")
	r.bus.Publish(ctx, event.Event{
		Type:    event.EventInstanceUnhealthy,
		Payload: event.InstanceEvent{InstanceID: id, CircuitOpenUntil: until},
	})
}

// HalfOpen moves an unhealthy instance to suspect so the balancer may route a
// single trial request to it.
func (r *Registry) HalfOpen(ctx context.Context, id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.st.mu.Lock()
	e.st.health = Suspect
	e.st.trialInFlight = false
	e.st.mu.Unlock()

	log.Info().Str("instance", id).Msg("circuit half-open")
	r.bus.Publish(ctx, event.Event{
		Type:    event.EventInstanceSuspect,
		Payload: event.InstanceEvent{InstanceID: id},
	})
}

// Restore returns an instance to full health and resets its breaker state.
func (r *Registry) Restore(ctx context.Context, id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.st.mu.Lock()
	e.st.health = Healthy
	e.st.consecutiveFailures = 0
	e.st.circuitReopens = 0
	e.st.circuitOpenUntil = time.Time{}
	e.st.trialInFlight = false
	e.st.mu.Unlock()

	log.Info().Str("instance", id).Msg("instance restored")
	r.bus.Publish(ctx, event.Event{
		Type:    event.EventInstanceRecovered,
		Payload: event.InstanceEvent{InstanceID: id},
	})
}

// TryAcquireTrial claims the suspect instance's single trial slot. It fails
// when the instance is not suspect or a trial is already in flight.
func (r *Registry) TryAcquireTrial(id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	if e.st.health != Suspect || e.st.trialInFlight {
		return false
	}
	e.st.trialInFlight = true
	return true
}

// ReleaseTrial frees the trial slot. Safe to call regardless of state.
func (r *Registry) ReleaseTrial(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.st.mu.Lock()
	e.st.trialInFlight = false
	e.st.mu.Unlock()
}
