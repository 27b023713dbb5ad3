package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/DSR-pheonix45/API-Backend/internal/core/registry"
)

// InstancesHandler exposes the registry: list instances with their live
// metrics, and register or drop instances at runtime.
type InstancesHandler struct {
	reg *registry.Registry
}

func NewInstancesHandler(reg *registry.Registry) *InstancesHandler {
	return &InstancesHandler{reg: reg}
}

type InstanceBody struct {
	ID                  string    `json:"id" doc:"Instance ID"`
	Address             string    `json:"address" doc:"Instance base URL"`
	Weight              int       `json:"weight" doc:"Balancing weight"`
	MaxConnections      int       `json:"max_connections" doc:"Connection cap"`
	Health              string    `json:"health" doc:"healthy, suspect, or unhealthy"`
	ActiveConnections   int       `json:"active_connections" doc:"In-flight requests"`
	ConsecutiveFailures int       `json:"consecutive_failures" doc:"Failure streak"`
	AvgResponseTime     string    `json:"avg_response_time,omitempty" doc:"Response time EMA"`
	CircuitOpenUntil    time.Time `json:"circuit_open_until,omitzero" doc:"Circuit cooldown deadline"`
	TotalRequests       uint64    `json:"total_requests" doc:"Requests routed since registration"`
	TotalFailures       uint64    `json:"total_failures" doc:"Failed requests since registration"`
}

type ListInstancesOutput struct {
	Body []InstanceBody `json:"body" doc:"All registered instances in registration order"`
}

func newInstanceBody(inst registry.Instance) InstanceBody {
	body := InstanceBody{
		ID:                  inst.Descriptor.ID,
		Address:             inst.Descriptor.Address,
		Weight:              inst.Descriptor.Weight,
		MaxConnections:      inst.Descriptor.MaxConnections,
		Health:              string(inst.State.Health),
		ActiveConnections:   inst.State.ActiveConnections,
		ConsecutiveFailures: inst.State.ConsecutiveFailures,
		CircuitOpenUntil:    inst.State.CircuitOpenUntil,
		TotalRequests:       inst.State.TotalRequests,
		TotalFailures:       inst.State.TotalFailures,
	}
	if inst.State.HasResponseTime {
		body.AvgResponseTime = inst.State.LastResponseTime.String()
	}
	return body
}

func (h *InstancesHandler) List(ctx context.Context, _ *struct{}) (*ListInstancesOutput, error) {
	snapshot := h.reg.Snapshot()
	out := make([]InstanceBody, 0, len(snapshot))
	for _, inst := range snapshot {
		out = append(out, newInstanceBody(inst))
	}
	return &ListInstancesOutput{Body: out}, nil
}

type RegisterInstanceInput struct {
	Body struct {
		ID             string `json:"id" minLength:"1" doc:"Instance ID"`
		Address        string `json:"address" minLength:"1" doc:"Instance base URL"`
		Weight         int    `json:"weight,omitempty" minimum:"0" doc:"Balancing weight (default 1)"`
		MaxConnections int    `json:"max_connections,omitempty" minimum:"0" doc:"Connection cap (0 = unlimited)"`
	}
}

type RegisterInstanceOutput struct {
	Body InstanceBody
}

func (h *InstancesHandler) Register(ctx context.Context, input *RegisterInstanceInput) (*RegisterInstanceOutput, error) {
	desc := registry.Descriptor{
		ID:             input.Body.ID,
		Address:        input.Body.Address,
		Weight:         input.Body.Weight,
		MaxConnections: input.Body.MaxConnections,
	}
	if err := h.reg.Register(desc); err != nil {
		return nil, huma.Error409Conflict(err.Error())
	}
	inst, _ := h.reg.Get(desc.ID)
	return &RegisterInstanceOutput{Body: newInstanceBody(inst)}, nil
}

type InstanceIDInput struct {
	ID string `path:"id" doc:"Instance ID"`
}

func (h *InstancesHandler) Deregister(ctx context.Context, input *InstanceIDInput) (*StatusOutput, error) {
	if !h.reg.Deregister(input.ID) {
		return nil, huma.Error404NotFound("instance not found")
	}
	return &StatusOutput{Body: StatusBody{Status: "deregistered"}}, nil
}
