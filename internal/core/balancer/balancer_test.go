package balancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
	"github.com/DSR-pheonix45/API-Backend/internal/core/registry"
)

func newTestBalancer(t *testing.T, strategy Strategy, descs ...registry.Descriptor) (*Balancer, *registry.Registry) {
	t.Helper()
	bus := event.NewBus()
	reg := registry.New(bus, 3, 0.3)
	for _, d := range descs {
		if d.Address == "" {
			d.Address = "http://" + d.ID + ":9000"
		}
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	return New(reg, strategy, bus), reg
}

func TestBalancer_SelectEmptyPool(t *testing.T) {
	lb, _ := newTestBalancer(t, NewRoundRobin())
	if _, err := lb.Select(context.Background()); !errors.Is(err, ErrNoHealthyInstance) {
		t.Fatalf("expected ErrNoHealthyInstance, got %v", err)
	}
}

func TestBalancer_SelectClaimsConnectionSlot(t *testing.T) {
	lb, reg := newTestBalancer(t, NewRoundRobin(), registry.Descriptor{ID: "a"})
	ctx := context.Background()

	sel, err := lb.Select(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	inst, _ := reg.Get("a")
	if inst.State.ActiveConnections != 1 {
		t.Fatalf("expected one active connection after select, got %d", inst.State.ActiveConnections)
	}

	sel.Done(ctx, nil)
	inst, _ = reg.Get("a")
	if inst.State.ActiveConnections != 0 {
		t.Fatalf("expected the slot released after Done, got %d", inst.State.ActiveConnections)
	}
}

func TestBalancer_DoneIsIdempotent(t *testing.T) {
	lb, reg := newTestBalancer(t, NewRoundRobin(), registry.Descriptor{ID: "a"})
	ctx := context.Background()

	sel, err := lb.Select(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	sel.Done(ctx, nil)
	sel.Done(ctx, nil)
	sel.Done(ctx, errors.New("late error must be ignored"))

	inst, _ := reg.Get("a")
	if inst.State.ActiveConnections != 0 {
		t.Fatalf("extra Done calls must be no-ops, got %d active", inst.State.ActiveConnections)
	}
	if inst.State.TotalFailures != 0 {
		t.Fatal("a Done after the first must not record an outcome")
	}
}

func TestBalancer_SkipsSaturatedInstances(t *testing.T) {
	lb, _ := newTestBalancer(t, NewRoundRobin(),
		registry.Descriptor{ID: "a", MaxConnections: 1},
		registry.Descriptor{ID: "b", MaxConnections: 1},
	)
	ctx := context.Background()

	first, err := lb.Select(ctx)
	if err != nil {
		t.Fatalf("first select: %v", err)
	}
	second, err := lb.Select(ctx)
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if first.Instance.ID == second.Instance.ID {
		t.Fatalf("saturated instance %s selected twice", first.Instance.ID)
	}

	if _, err := lb.Select(ctx); !errors.Is(err, ErrNoHealthyInstance) {
		t.Fatalf("expected ErrNoHealthyInstance with all slots taken, got %v", err)
	}

	first.Done(ctx, nil)
	if _, err := lb.Select(ctx); err != nil {
		t.Fatalf("expected a freed slot to be selectable again, got %v", err)
	}
}

func TestBalancer_SkipsUnhealthyInstances(t *testing.T) {
	lb, reg := newTestBalancer(t, NewRoundRobin(),
		registry.Descriptor{ID: "a"},
		registry.Descriptor{ID: "b"},
	)
	ctx := context.Background()
	reg.OpenCircuit(ctx, "a", time.Now().Add(time.Minute))

	for i := 0; i < 4; i++ {
		sel, err := lb.Select(ctx)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if sel.Instance.ID != "b" {
			t.Fatalf("routed to circuit-open instance %s", sel.Instance.ID)
		}
		sel.Done(ctx, nil)
	}
}

func TestBalancer_SuspectGetsSingleTrial(t *testing.T) {
	lb, reg := newTestBalancer(t, NewRoundRobin(), registry.Descriptor{ID: "a"})
	ctx := context.Background()

	reg.OpenCircuit(ctx, "a", time.Now())
	reg.HalfOpen(ctx, "a")

	trial, err := lb.Select(ctx)
	if err != nil {
		t.Fatalf("expected the suspect to accept one trial, got %v", err)
	}
	if _, err := lb.Select(ctx); !errors.Is(err, ErrNoHealthyInstance) {
		t.Fatalf("expected a second concurrent trial to be refused, got %v", err)
	}

	trial.Done(ctx, nil)
	inst, _ := reg.Get("a")
	if inst.State.Health != registry.Healthy {
		t.Fatalf("successful trial must restore the instance, got %s", inst.State.Health)
	}
}

func TestBalancer_FailedTrialStaysSuspect(t *testing.T) {
	lb, reg := newTestBalancer(t, NewRoundRobin(), registry.Descriptor{ID: "a"})
	ctx := context.Background()

	reg.OpenCircuit(ctx, "a", time.Now())
	reg.HalfOpen(ctx, "a")

	trial, err := lb.Select(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	trial.Done(ctx, errors.New("agent still down"))

	inst, _ := reg.Get("a")
	if inst.State.Health != registry.Suspect {
		t.Fatalf("failed trial must leave restoration to the monitor, got %s", inst.State.Health)
	}
	if inst.State.TrialInFlight {
		t.Fatal("trial slot must be released after a failed trial")
	}
}

func TestBalancer_ConcurrentSelectionsQuiesce(t *testing.T) {
	lb, reg := newTestBalancer(t, NewLeastConnections(),
		registry.Descriptor{ID: "a"},
		registry.Descriptor{ID: "b"},
		registry.Descriptor{ID: "c"},
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sel, err := lb.Select(ctx)
				if err != nil {
					t.Errorf("select: %v", err)
					return
				}
				sel.Done(ctx, nil)
			}
		}()
	}
	wg.Wait()

	for _, inst := range reg.Snapshot() {
		if inst.State.ActiveConnections != 0 {
			t.Fatalf("instance %s: expected 0 active connections after quiescence, got %d",
				inst.Descriptor.ID, inst.State.ActiveConnections)
		}
	}
}

func TestBalancer_OutcomeFeedsResponseTime(t *testing.T) {
	lb, reg := newTestBalancer(t, NewRoundRobin(), registry.Descriptor{ID: "a"})
	ctx := context.Background()

	sel, err := lb.Select(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	sel.Done(ctx, nil)

	inst, _ := reg.Get("a")
	if !inst.State.HasResponseTime {
		t.Fatal("a successful request must seed the response time EMA")
	}
}
