package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/DSR-pheonix45/API-Backend/internal/core/agent"
	"github.com/DSR-pheonix45/API-Backend/internal/core/scheduler"
	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

// TasksHandler exposes the scheduler: submit, inspect, cancel, reschedule.
type TasksHandler struct {
	sched *scheduler.Scheduler
}

func NewTasksHandler(sched *scheduler.Scheduler) *TasksHandler {
	return &TasksHandler{sched: sched}
}

type ScheduleTaskInput struct {
	Body struct {
		TaskType     string            `json:"task_type" minLength:"1" doc:"Task type (chat, file_analysis, audit_report, tax_calculation, consultation, custom)"`
		SessionID    string            `json:"session_id" minLength:"1" doc:"Conversation session ID"`
		AgentType    string            `json:"agent_type,omitempty" doc:"Agent type to execute against"`
		Prompt       string            `json:"prompt,omitempty" doc:"Prompt for custom tasks"`
		ScheduleTime time.Time         `json:"schedule_time,omitempty" doc:"Run time; omit for immediate execution"`
		Every        string            `json:"every,omitempty" doc:"Repeat interval (e.g. 60s, 24h); makes the task periodic"`
		Parameters   map[string]string `json:"parameters,omitempty" doc:"Task-specific parameters"`
		MaxAttempts  int               `json:"max_attempts,omitempty" minimum:"0" doc:"Retry budget (default from config)"`
	}
}

type TaskBody struct {
	TaskID      string     `json:"task_id" doc:"Task ID"`
	Kind        string     `json:"kind" doc:"immediate, delayed, or periodic"`
	Status      string     `json:"status" doc:"Task status"`
	Attempts    int        `json:"attempts" doc:"Execution attempts so far"`
	MaxAttempts int        `json:"max_attempts" doc:"Retry budget"`
	NextRunAt   time.Time  `json:"next_run_at" doc:"Next scheduled run"`
	LastError   string     `json:"last_error,omitempty" doc:"Most recent execution error"`
	CreatedAt   time.Time  `json:"created_at" doc:"Submission time"`
	CompletedAt *time.Time `json:"completed_at,omitempty" doc:"Terminal time"`
}

type TaskOutput struct {
	Body TaskBody
}

func newTaskBody(j task.Job) TaskBody {
	return TaskBody{
		TaskID:      j.ID,
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   j.NextRunAt,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

func (h *TasksHandler) Schedule(ctx context.Context, input *ScheduleTaskInput) (*TaskOutput, error) {
	payload, err := json.Marshal(agent.Payload{
		Type:       input.Body.TaskType,
		SessionID:  input.Body.SessionID,
		AgentType:  input.Body.AgentType,
		Prompt:     input.Body.Prompt,
		Parameters: input.Body.Parameters,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}

	req := scheduler.SubmitRequest{
		Kind:        task.KindImmediate,
		Payload:     payload,
		MaxAttempts: input.Body.MaxAttempts,
	}
	if input.Body.Every != "" {
		every, err := time.ParseDuration(input.Body.Every)
		if err != nil || every <= 0 {
			return nil, huma.Error422UnprocessableEntity("invalid repeat interval")
		}
		req.Kind = task.KindPeriodic
		req.Every = every
		req.RunAt = input.Body.ScheduleTime
	} else if !input.Body.ScheduleTime.IsZero() {
		req.Kind = task.KindDelayed
		req.RunAt = input.Body.ScheduleTime
	}

	job, err := h.sched.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, scheduler.ErrSaturated) {
			return nil, huma.Error503ServiceUnavailable("scheduler saturated, apply backoff and retry")
		}
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	return &TaskOutput{Body: newTaskBody(job)}, nil
}

type TaskIDInput struct {
	ID string `path:"id" doc:"Task ID"`
}

func (h *TasksHandler) Get(ctx context.Context, input *TaskIDInput) (*TaskOutput, error) {
	job, err := h.sched.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound("task not found")
	}
	return &TaskOutput{Body: newTaskBody(job)}, nil
}

type ListTasksOutput struct {
	Body []TaskBody `json:"body" doc:"All known tasks, newest first"`
}

func (h *TasksHandler) List(ctx context.Context, _ *struct{}) (*ListTasksOutput, error) {
	jobs := h.sched.List()
	out := make([]TaskBody, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newTaskBody(j))
	}
	return &ListTasksOutput{Body: out}, nil
}

type StatusBody struct {
	Status string `json:"status" doc:"Operation result"`
}

type StatusOutput struct {
	Body StatusBody
}

func (h *TasksHandler) Cancel(ctx context.Context, input *TaskIDInput) (*StatusOutput, error) {
	if err := h.sched.Cancel(ctx, input.ID); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			return nil, huma.Error404NotFound("task not found")
		}
		return nil, huma.Error500InternalServerError(err.Error())
	}
	return &StatusOutput{Body: StatusBody{Status: "cancelled"}}, nil
}

type RescheduleInput struct {
	ID   string `path:"id" doc:"Task ID"`
	Body struct {
		ScheduleTime time.Time `json:"schedule_time" doc:"New run time"`
	}
}

func (h *TasksHandler) Reschedule(ctx context.Context, input *RescheduleInput) (*TaskOutput, error) {
	if err := h.sched.Reschedule(ctx, input.ID, input.Body.ScheduleTime); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			return nil, huma.Error404NotFound("task not found")
		}
		return nil, huma.Error409Conflict(err.Error())
	}
	job, err := h.sched.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound("task not found")
	}
	return &TaskOutput{Body: newTaskBody(job)}, nil
}
