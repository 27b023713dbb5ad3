package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
)

func newTestRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := New(event.NewBus(), 3, 0.3)
	for _, id := range ids {
		if err := r.Register(Descriptor{ID: id, Address: "http://" + id + ":9000"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return r
}

func TestRegistry_RegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry(t, "a")
	err := r.Register(Descriptor{ID: "a", Address: "http://elsewhere:9000"})
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistry_RegisterDefaultsWeight(t *testing.T) {
	r := newTestRegistry(t, "a")
	inst, ok := r.Get("a")
	if !ok {
		t.Fatal("instance not found")
	}
	if inst.Descriptor.Weight != 1 {
		t.Fatalf("expected default weight 1, got %d", inst.Descriptor.Weight)
	}
	if inst.State.Health != Healthy {
		t.Fatalf("expected new instance to start healthy, got %s", inst.State.Health)
	}
}

func TestRegistry_SnapshotKeepsRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, "c", "a", "b")
	snap := r.Snapshot()
	want := []string{"c", "a", "b"}
	if len(snap) != len(want) {
		t.Fatalf("expected %d instances, got %d", len(want), len(snap))
	}
	for i, id := range want {
		if snap[i].Descriptor.ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, snap[i].Descriptor.ID)
		}
	}
}

func TestRegistry_DeregisterRemoves(t *testing.T) {
	r := newTestRegistry(t, "a", "b")
	if !r.Deregister("a") {
		t.Fatal("expected deregister to succeed")
	}
	if r.Deregister("a") {
		t.Fatal("expected second deregister to report missing")
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("deregistered instance still visible")
	}
}

func TestRegistry_UnknownIDsAreSilent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// None of these should panic or error on an unknown id.
	r.MarkConnectionStart("ghost")
	r.MarkConnectionEnd("ghost")
	r.RecordOutcome(ctx, "ghost", true, time.Millisecond)
	r.RecordProbe(ctx, "ghost", false)
	r.OpenCircuit(ctx, "ghost", time.Now())
	r.HalfOpen(ctx, "ghost")
	r.Restore(ctx, "ghost")
	r.ReleaseTrial("ghost")
	if r.TryAcquireTrial("ghost") {
		t.Fatal("trial acquired on unknown instance")
	}
}

func TestRegistry_ConnectionCountClampsAtZero(t *testing.T) {
	r := newTestRegistry(t, "a")
	r.MarkConnectionEnd("a")
	r.MarkConnectionStart("a")
	r.MarkConnectionEnd("a")
	r.MarkConnectionEnd("a")

	inst, _ := r.Get("a")
	if inst.State.ActiveConnections != 0 {
		t.Fatalf("expected clamped count 0, got %d", inst.State.ActiveConnections)
	}
}

func TestRegistry_ConcurrentConnectionsQuiesceToZero(t *testing.T) {
	r := newTestRegistry(t, "a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.MarkConnectionStart("a")
				r.MarkConnectionEnd("a")
			}
		}()
	}
	wg.Wait()

	inst, _ := r.Get("a")
	if inst.State.ActiveConnections != 0 {
		t.Fatalf("expected active connections to quiesce to 0, got %d", inst.State.ActiveConnections)
	}
	if inst.State.TotalRequests != 5000 {
		t.Fatalf("expected 5000 total requests, got %d", inst.State.TotalRequests)
	}
}

func TestRegistry_ResponseTimeEMA(t *testing.T) {
	r := newTestRegistry(t, "a")
	ctx := context.Background()

	r.RecordOutcome(ctx, "a", true, 100*time.Millisecond)
	inst, _ := r.Get("a")
	if inst.State.LastResponseTime != 100*time.Millisecond {
		t.Fatalf("first sample should seed the EMA directly, got %v", inst.State.LastResponseTime)
	}

	r.RecordOutcome(ctx, "a", true, 200*time.Millisecond)
	inst, _ = r.Get("a")
	// 0.3*200ms + 0.7*100ms = 130ms
	if inst.State.LastResponseTime != 130*time.Millisecond {
		t.Fatalf("expected EMA 130ms, got %v", inst.State.LastResponseTime)
	}
}

func TestRegistry_ProbesDoNotTouchEMA(t *testing.T) {
	r := newTestRegistry(t, "a")
	ctx := context.Background()

	r.RecordProbe(ctx, "a", true)
	inst, _ := r.Get("a")
	if inst.State.HasResponseTime {
		t.Fatal("probe success must not seed the response time EMA")
	}
}

func TestRegistry_ThresholdEventFiresExactlyOnce(t *testing.T) {
	bus := event.NewBus()
	r := New(bus, 3, 0.3)
	if err := r.Register(Descriptor{ID: "a", Address: "http://a:9000"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var crossings []int
	bus.Subscribe(event.EventInstanceFailureThreshold, func(ctx context.Context, e event.Event) error {
		crossings = append(crossings, e.Payload.(event.InstanceEvent).ConsecutiveFailures)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		r.RecordOutcome(ctx, "a", false, 0)
	}

	if len(crossings) != 1 {
		t.Fatalf("expected exactly one threshold event, got %d", len(crossings))
	}
	if crossings[0] != 4 {
		t.Fatalf("expected the event at the 4th consecutive failure, got %d", crossings[0])
	}
}

func TestRegistry_SuccessResetsFailureStreak(t *testing.T) {
	bus := event.NewBus()
	r := New(bus, 3, 0.3)
	if err := r.Register(Descriptor{ID: "a", Address: "http://a:9000"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	fired := 0
	bus.Subscribe(event.EventInstanceFailureThreshold, func(ctx context.Context, e event.Event) error {
		fired++
		return nil
	})

	ctx := context.Background()
	for round := 0; round < 3; round++ {
		r.RecordOutcome(ctx, "a", false, 0)
		r.RecordOutcome(ctx, "a", false, 0)
		r.RecordOutcome(ctx, "a", false, 0)
		r.RecordOutcome(ctx, "a", true, time.Millisecond)
	}

	if fired != 0 {
		t.Fatalf("streaks interrupted by success must never cross, got %d events", fired)
	}
	inst, _ := r.Get("a")
	if inst.State.ConsecutiveFailures != 0 {
		t.Fatalf("expected failure count reset, got %d", inst.State.ConsecutiveFailures)
	}
	if inst.State.TotalFailures != 9 {
		t.Fatalf("expected cumulative failures preserved, got %d", inst.State.TotalFailures)
	}
}

func TestRegistry_CircuitLifecycle(t *testing.T) {
	r := newTestRegistry(t, "a")
	ctx := context.Background()
	until := time.Now().Add(5 * time.Second)

	r.OpenCircuit(ctx, "a", until)
	inst, _ := r.Get("a")
	if inst.State.Health != Unhealthy {
		t.Fatalf("expected unhealthy after open, got %s", inst.State.Health)
	}
	if !inst.State.CircuitOpenUntil.Equal(until) {
		t.Fatalf("expected open-until %v, got %v", until, inst.State.CircuitOpenUntil)
	}
	if inst.State.CircuitReopens != 1 {
		t.Fatalf("expected one reopen, got %d", inst.State.CircuitReopens)
	}

	r.HalfOpen(ctx, "a")
	inst, _ = r.Get("a")
	if inst.State.Health != Suspect {
		t.Fatalf("expected suspect after half-open, got %s", inst.State.Health)
	}

	r.Restore(ctx, "a")
	inst, _ = r.Get("a")
	if inst.State.Health != Healthy {
		t.Fatalf("expected healthy after restore, got %s", inst.State.Health)
	}
	if inst.State.CircuitReopens != 0 || inst.State.ConsecutiveFailures != 0 {
		t.Fatal("restore must reset breaker counters")
	}
	if !inst.State.CircuitOpenUntil.IsZero() {
		t.Fatal("restore must clear the open-until deadline")
	}
}

func TestRegistry_TrialSlotIsExclusive(t *testing.T) {
	r := newTestRegistry(t, "a")
	ctx := context.Background()

	if r.TryAcquireTrial("a") {
		t.Fatal("trial must not be available while healthy")
	}

	r.OpenCircuit(ctx, "a", time.Now())
	r.HalfOpen(ctx, "a")

	if !r.TryAcquireTrial("a") {
		t.Fatal("expected the first trial acquisition to succeed")
	}
	if r.TryAcquireTrial("a") {
		t.Fatal("second concurrent trial must be refused")
	}

	r.ReleaseTrial("a")
	if !r.TryAcquireTrial("a") {
		t.Fatal("trial slot should be reusable after release")
	}
}
