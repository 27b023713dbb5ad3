package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DSR-pheonix45/API-Backend/internal/core/balancer"
	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

// Task types understood by the agent instances. The scheduler and dispatcher
// treat these as opaque payload content.
const (
	TaskChat         = "chat"
	TaskFileAnalysis = "file_analysis"
	TaskAuditReport  = "audit_report"
	TaskTaxCalc      = "tax_calculation"
	TaskConsultation = "consultation"
	TaskCustom       = "custom"
)

// Payload is the request body shipped to an agent instance. It doubles as
// the scheduler job payload format.
type Payload struct {
	Type       string            `json:"task_type"`
	SessionID  string            `json:"session_id"`
	AgentType  string            `json:"agent_type,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	FileName   string            `json:"file_name,omitempty"`
	FilePath   string            `json:"file_path,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Response is what an agent instance answers with.
type Response struct {
	Reply      string `json:"response"`
	InstanceID string `json:"-"`
}

// Caller routes work to agent instances through the load balancer. It is the
// only component that talks to the agent pool; everything upstream sees
// payloads and errors.
type Caller struct {
	lb     *balancer.Balancer
	client *http.Client
}

func NewCaller(lb *balancer.Balancer, client *http.Client) *Caller {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Caller{lb: lb, client: client}
}

// Call routes one payload to a selected instance and returns its reply.
func (c *Caller) Call(ctx context.Context, p Payload) (Response, error) {
	sel, err := c.lb.Select(ctx)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.post(ctx, sel.Instance.Address, p)
	sel.Done(ctx, err)
	if err != nil {
		return Response{}, fmt.Errorf("instance %s: %w", sel.Instance.ID, err)
	}
	resp.InstanceID = sel.Instance.ID
	return resp, nil
}

// Execute implements dispatch.Executor for background jobs.
func (c *Caller) Execute(ctx context.Context, job task.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	_, err := c.Call(ctx, p)
	return err
}

func (c *Caller) post(ctx context.Context, address string, p Payload) (Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Response{}, fmt.Errorf("encode payload: %w", err)
	}

	url := strings.TrimRight(address, "/") + routeFor(p.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		// Drain a little of the body for the error message.
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return Response{}, fmt.Errorf("%s: status %d: %s", url, httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil && err != io.EOF {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// routeFor maps a task type onto the agent instance's endpoint.
func routeFor(taskType string) string {
	switch taskType {
	case TaskFileAnalysis:
		return "/analyze"
	default:
		return "/chat"
	}
}
