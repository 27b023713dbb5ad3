package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/DSR-pheonix45/API-Backend/internal/api"
	"github.com/DSR-pheonix45/API-Backend/internal/config"
	"github.com/DSR-pheonix45/API-Backend/internal/core/agent"
	"github.com/DSR-pheonix45/API-Backend/internal/core/balancer"
	"github.com/DSR-pheonix45/API-Backend/internal/core/dispatch"
	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
	"github.com/DSR-pheonix45/API-Backend/internal/core/health"
	"github.com/DSR-pheonix45/API-Backend/internal/core/registry"
	"github.com/DSR-pheonix45/API-Backend/internal/core/scheduler"
	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
	"github.com/DSR-pheonix45/API-Backend/internal/database"
)

// Run wires the registry, balancer, health monitor, scheduler, and worker
// pool together and serves the HTTP API until SIGINT/SIGTERM.
func Run(ctx context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Debug().Str("level", cfg.Logging.Level).Msg("log level configured")

	bus := event.NewBus()

	reg := registry.New(bus, cfg.Balancer.UnhealthyThreshold, cfg.Balancer.EMASmoothing)
	for _, inst := range cfg.Agents.Instances {
		if err := reg.Register(registry.Descriptor{
			ID:             inst.ID,
			Address:        inst.Address,
			Weight:         inst.Weight,
			MaxConnections: inst.MaxConnections,
		}); err != nil {
			return fmt.Errorf("register instance %s: %w", inst.ID, err)
		}
		log.Info().Str("instance", inst.ID).Str("address", inst.Address).Msg("agent instance registered")
	}

	strat, err := balancer.NewStrategy(cfg.Balancer.Strategy)
	if err != nil {
		return fmt.Errorf("balancer strategy: %w", err)
	}
	lb := balancer.New(reg, strat, bus)
	log.Info().Str("strategy", strat.Name()).Msg("balancer configured")

	caller := agent.NewCaller(lb, nil)

	// Job persistence is optional. Without a database URL the scheduler
	// keeps everything in memory and loses jobs on restart.
	var store task.Store
	if cfg.Database.URL != "" {
		dbpool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return fmt.Errorf("database connect: %w", err)
		}
		defer dbpool.Close()

		if err := database.Migrate(ctx, dbpool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = database.NewJobStore(dbpool)
		log.Info().Msg("durable job store enabled")
	} else {
		log.Warn().Msg("no database configured, jobs held in memory only")
	}

	sched := scheduler.New(bus, store, scheduler.Config{
		TickInterval: config.Duration(cfg.Scheduler.TickInterval, time.Second),
		MaxAttempts:  cfg.Scheduler.MaxJobAttempts,
		BacklogLimit: cfg.Scheduler.BacklogLimit,
	})
	pool := dispatch.NewPool(cfg.Scheduler.WorkerConcurrency, cfg.Scheduler.BacklogLimit, caller, sched)
	sched.SetDispatcher(pool)

	if err := sched.Restore(ctx); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	if err := scheduleDefaultTasks(ctx, sched); err != nil {
		log.Warn().Err(err).Msg("default periodic tasks not scheduled")
	}

	monitor := health.New(reg, health.NewHTTPProber(nil, ""), bus, health.Config{
		Interval:     config.Duration(cfg.Balancer.ProbeInterval, 10*time.Second),
		ProbeTimeout: config.Duration(cfg.Balancer.ProbeTimeout, 3*time.Second),
	})

	if err := os.MkdirAll(cfg.Server.UploadDir, 0o755); err != nil {
		return fmt.Errorf("upload dir: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go monitor.Run(bgCtx)
	go sched.Run(bgCtx)
	go pool.Run(bgCtx)

	e := echo.New()
	e.HideBanner = true

	api.SetupRouter(e, api.RouterConfig{
		Caller:    caller,
		Scheduler: sched,
		Registry:  reg,
		Balancer:  lb,
		UploadDir: cfg.Server.UploadDir,
	})

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bgCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

// scheduleDefaultTasks registers the built-in periodic jobs. Restored jobs
// from the durable store take precedence: if a periodic job with the same
// task type already exists, the default is skipped.
func scheduleDefaultTasks(ctx context.Context, sched *scheduler.Scheduler) error {
	defaults := []struct {
		payload agent.Payload
		every   time.Duration
	}{
		{
			payload: agent.Payload{
				Type:      agent.TaskAuditReport,
				SessionID: "system",
				Prompt:    "daily activity summary",
			},
			every: 24 * time.Hour,
		},
	}

	existing := map[string]bool{}
	for _, job := range sched.List() {
		if job.Kind != task.KindPeriodic || job.Status.Terminal() {
			continue
		}
		var p agent.Payload
		if err := json.Unmarshal(job.Payload, &p); err == nil {
			existing[p.Type] = true
		}
	}

	for _, d := range defaults {
		if existing[d.payload.Type] {
			continue
		}
		raw, err := json.Marshal(d.payload)
		if err != nil {
			return err
		}
		job, err := sched.Submit(ctx, scheduler.SubmitRequest{
			Kind:    task.KindPeriodic,
			Payload: raw,
			Every:   d.every,
		})
		if err != nil {
			return fmt.Errorf("submit %s: %w", d.payload.Type, err)
		}
		log.Info().Str("job_id", job.ID).Str("task_type", d.payload.Type).Msg("default periodic task scheduled")
	}
	return nil
}
