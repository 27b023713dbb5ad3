package balancer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
	"github.com/DSR-pheonix45/API-Backend/internal/core/registry"
)

// ErrNoHealthyInstance is returned when every instance is circuit-open,
// saturated, or deregistered. Callers surface it as a retryable 503.
var ErrNoHealthyInstance = errors.New("no healthy instance available")

// Balancer selects instances from the registry using the configured strategy.
// Selection never touches the network; the downstream call happens on the
// caller's side of the Selection handle.
type Balancer struct {
	reg      *registry.Registry
	strategy Strategy
	bus      event.Bus

	// mu serializes the read-and-increment of a selection so two concurrent
	// callers cannot both route to the same "least loaded" instance off a
	// stale read.
	mu sync.Mutex
}

func New(reg *registry.Registry, strategy Strategy, bus event.Bus) *Balancer {
	return &Balancer{reg: reg, strategy: strategy, bus: bus}
}

func (b *Balancer) StrategyName() string { return b.strategy.Name() }

// Selection is the caller's handle on one routed request. Done must be called
// exactly once on every exit path; extra calls are no-ops.
type Selection struct {
	Instance registry.Descriptor

	b     *Balancer
	trial bool
	start time.Time
	done  atomic.Bool
}

// Select picks an eligible instance and atomically claims a connection slot
// on it. Healthy instances below their connection cap are eligible; a suspect
// instance is eligible for at most one concurrent trial request.
func (b *Balancer) Select(ctx context.Context) (*Selection, error) {
	b.mu.Lock()

	snapshot := b.reg.Snapshot()
	candidates := make([]Candidate, 0, len(snapshot))
	descriptors := make([]registry.Descriptor, 0, len(snapshot))
	suspects := make([]bool, 0, len(snapshot))

	for _, inst := range snapshot {
		switch inst.State.Health {
		case registry.Healthy:
			if inst.Descriptor.MaxConnections > 0 &&
				inst.State.ActiveConnections >= inst.Descriptor.MaxConnections {
				continue
			}
		case registry.Suspect:
			if inst.State.TrialInFlight {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, Candidate{
			ID:                inst.Descriptor.ID,
			Weight:            inst.Descriptor.Weight,
			ActiveConnections: inst.State.ActiveConnections,
			LastResponseTime:  inst.State.LastResponseTime,
			HasResponseTime:   inst.State.HasResponseTime,
		})
		descriptors = append(descriptors, inst.Descriptor)
		suspects = append(suspects, inst.State.Health == registry.Suspect)
	}

	var chosen registry.Descriptor
	var trial bool
	for {
		if len(candidates) == 0 {
			b.mu.Unlock()
			return nil, ErrNoHealthyInstance
		}
		idx := b.strategy.Pick(candidates)
		chosen, trial = descriptors[idx], suspects[idx]
		if !trial || b.reg.TryAcquireTrial(chosen.ID) {
			break
		}
		// Trial slot taken between snapshot and pick; drop and re-pick.
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		descriptors = append(descriptors[:idx], descriptors[idx+1:]...)
		suspects = append(suspects[:idx], suspects[idx+1:]...)
	}

	b.reg.MarkConnectionStart(chosen.ID)
	b.mu.Unlock()

	decidedAt := time.Now()
	log.Debug().Str("instance", chosen.ID).Str("strategy", b.strategy.Name()).
		Bool("trial", trial).Msg("instance selected")
	b.bus.Publish(ctx, event.Event{
		Type: event.EventBalancerDecision,
		Payload: event.DecisionEvent{
			InstanceID:   chosen.ID,
			Strategy:     b.strategy.Name(),
			DecisionTime: decidedAt,
		},
	})

	return &Selection{Instance: chosen, b: b, trial: trial, start: decidedAt}, nil
}

// Done releases the connection slot and records the request outcome. A nil
// err counts as success. A successful trial request restores the instance to
// full health; a failed one leaves restoration to the health monitor.
func (s *Selection) Done(ctx context.Context, err error) {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	latency := time.Since(s.start)
	id := s.Instance.ID

	s.b.reg.MarkConnectionEnd(id)
	s.b.reg.RecordOutcome(ctx, id, err == nil, latency)
	if s.trial {
		s.b.reg.ReleaseTrial(id)
		if err == nil {
			s.b.reg.Restore(ctx, id)
		}
	}
}
