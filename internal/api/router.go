package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humaecho"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/DSR-pheonix45/API-Backend/internal/api/handlers"
	"github.com/DSR-pheonix45/API-Backend/internal/core/agent"
	"github.com/DSR-pheonix45/API-Backend/internal/core/balancer"
	"github.com/DSR-pheonix45/API-Backend/internal/core/registry"
	"github.com/DSR-pheonix45/API-Backend/internal/core/scheduler"
)

type RouterConfig struct {
	Caller    *agent.Caller
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Balancer  *balancer.Balancer
	UploadDir string
}

func SetupRouter(e *echo.Echo, cfg RouterConfig) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
	}))
	e.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(20)))

	e.GET("/health", func(c echo.Context) error {
		healthy := 0
		for _, inst := range cfg.Registry.Snapshot() {
			if inst.State.Health == registry.Healthy {
				healthy++
			}
		}
		return c.JSON(200, map[string]any{
			"status":            "ok",
			"strategy":          cfg.Balancer.StrategyName(),
			"healthy_instances": healthy,
			"backlog":           cfg.Scheduler.Backlog(),
		})
	})

	v1 := e.Group("/api/v1")
	config := huma.DefaultConfig("Dabby Core API", "1.0.0")
	config.Servers = []*huma.Server{{URL: "/api/v1"}}
	config.Info.Description = "Request distribution and task scheduling for the Dabby agent backend"

	api := humaecho.NewWithGroup(e, v1, config)

	chatHandler := handlers.NewChatHandler(cfg.Caller)
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Chat with an agent through the load balancer",
		Tags:        []string{"Agents"},
	}, chatHandler.Chat)

	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/analyze",
		Summary:     "Analyze an uploaded file synchronously",
		Tags:        []string{"Agents"},
	}, chatHandler.Analyze)

	tasksHandler := handlers.NewTasksHandler(cfg.Scheduler)
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-task",
		Method:        http.MethodPost,
		Path:          "/schedule-task",
		Summary:       "Schedule an immediate, delayed, or periodic task",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusCreated,
	}, tasksHandler.Schedule)

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Tags:        []string{"Tasks"},
	}, tasksHandler.List)

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get one task",
		Tags:        []string{"Tasks"},
	}, tasksHandler.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Cancel a task (idempotent)",
		Tags:        []string{"Tasks"},
	}, tasksHandler.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reschedule",
		Summary:     "Move a pending task's run time",
		Tags:        []string{"Tasks"},
	}, tasksHandler.Reschedule)

	instancesHandler := handlers.NewInstancesHandler(cfg.Registry)
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List backend instances with live metrics",
		Tags:        []string{"Instances"},
	}, instancesHandler.List)

	huma.Register(api, huma.Operation{
		OperationID:   "register-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Register a backend instance",
		Tags:          []string{"Instances"},
		DefaultStatus: http.StatusCreated,
	}, instancesHandler.Register)

	huma.Register(api, huma.Operation{
		OperationID: "deregister-instance",
		Method:      http.MethodDelete,
		Path:        "/instances/{id}",
		Summary:     "Deregister a backend instance",
		Tags:        []string{"Instances"},
	}, instancesHandler.Deregister)

	// Multipart upload cannot go through huma; plain echo route.
	uploadHandler := handlers.NewUploadHandler(cfg.Scheduler, cfg.UploadDir)
	e.POST("/api/v1/upload", uploadHandler.Upload)
}
