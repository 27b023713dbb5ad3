package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
	"github.com/DSR-pheonix45/API-Backend/internal/core/registry"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultProbeTimeout = 3 * time.Second
	DefaultBackoffBase  = 5 * time.Second
	DefaultBackoffCap   = 300 * time.Second
)

type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (c *Config) fill() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
}

// Monitor drives circuit breaker transitions: it opens circuits when the
// registry reports a failure-threshold crossing and runs the periodic probe
// cycle that walks instances back through suspect to healthy.
type Monitor struct {
	reg    *registry.Registry
	prober Prober
	bus    event.Bus
	cfg    Config
}

func New(reg *registry.Registry, prober Prober, bus event.Bus, cfg Config) *Monitor {
	cfg.fill()
	return &Monitor{reg: reg, prober: prober, bus: bus, cfg: cfg}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	unsubscribe := m.bus.Subscribe(event.EventInstanceFailureThreshold, m.onThresholdCrossed)
	defer unsubscribe()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.cfg.Interval).Msg("health monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// onThresholdCrossed opens the circuit for an instance whose consecutive
// failures crossed the threshold. This event is the only trigger that opens a
// circuit from the healthy side.
func (m *Monitor) onThresholdCrossed(ctx context.Context, e event.Event) error {
	payload, ok := e.Payload.(event.InstanceEvent)
	if !ok {
		return nil
	}
	inst, found := m.reg.Get(payload.InstanceID)
	if !found || inst.State.Health == registry.Unhealthy {
		return nil
	}
	m.reg.OpenCircuit(ctx, payload.InstanceID,
		time.Now().Add(m.backoff(inst.State.CircuitReopens)))
	return nil
}

// Sweep probes every instance once. Probe failures are isolated per instance;
// one bad probe never stops the rest of the cycle.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()
	for _, inst := range m.reg.Snapshot() {
		m.probeOne(ctx, inst, now)
	}
}

func (m *Monitor) probeOne(ctx context.Context, inst registry.Instance, now time.Time) {
	id := inst.Descriptor.ID

	switch inst.State.Health {
	case registry.Healthy:
		err := m.probe(ctx, inst.Descriptor.Address)
		m.reg.RecordProbe(ctx, id, err == nil)
		if err != nil {
			log.Warn().Err(err).Str("instance", id).Msg("probe failed")
		}

	case registry.Unhealthy:
		// Leave the circuit alone until its cooldown elapses.
		if now.Before(inst.State.CircuitOpenUntil) {
			return
		}
		if err := m.probe(ctx, inst.Descriptor.Address); err != nil {
			log.Warn().Err(err).Str("instance", id).Msg("probe failed, circuit stays open")
			m.reg.OpenCircuit(ctx, id, now.Add(m.backoff(inst.State.CircuitReopens)))
			return
		}
		m.reg.HalfOpen(ctx, id)

	case registry.Suspect:
		if err := m.probe(ctx, inst.Descriptor.Address); err != nil {
			log.Warn().Err(err).Str("instance", id).Msg("trial probe failed, reopening circuit")
			m.reg.OpenCircuit(ctx, id, now.Add(m.backoff(inst.State.CircuitReopens)))
			return
		}
		m.reg.Restore(ctx, id)
	}
}

func (m *Monitor) probe(ctx context.Context, address string) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.prober.Probe(probeCtx, address)
}

// backoff doubles per consecutive circuit re-open, capped, so a persistently
// failing instance does not attract a probe storm.
func (m *Monitor) backoff(reopens int) time.Duration {
	if reopens > 30 {
		return m.cfg.BackoffCap
	}
	d := m.cfg.BackoffBase << uint(reopens)
	if d > m.cfg.BackoffCap || d <= 0 {
		return m.cfg.BackoffCap
	}
	return d
}
