package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/DSR-pheonix45/API-Backend/internal/core/agent"
	"github.com/DSR-pheonix45/API-Backend/internal/core/balancer"
)

// ChatHandler routes conversational and analysis requests straight through
// the load balancer to an agent instance.
type ChatHandler struct {
	caller *agent.Caller
}

func NewChatHandler(caller *agent.Caller) *ChatHandler {
	return &ChatHandler{caller: caller}
}

type ChatInput struct {
	Body struct {
		Message   string `json:"message" minLength:"1" doc:"User message"`
		SessionID string `json:"session_id" minLength:"1" doc:"Conversation session ID"`
		AgentType string `json:"agent_type,omitempty" doc:"Agent type (defaults to the general consultant)"`
	}
}

type ChatBody struct {
	Response   string    `json:"response" doc:"Agent reply"`
	SessionID  string    `json:"session_id" doc:"Conversation session ID"`
	AgentType  string    `json:"agent_type,omitempty" doc:"Agent type that served the request"`
	InstanceID string    `json:"instance_id" doc:"Backend instance that served the request"`
	Timestamp  time.Time `json:"timestamp" doc:"Completion time"`
}

type ChatOutput struct {
	Body ChatBody
}

func (h *ChatHandler) Chat(ctx context.Context, input *ChatInput) (*ChatOutput, error) {
	resp, err := h.caller.Call(ctx, agent.Payload{
		Type:      agent.TaskChat,
		SessionID: input.Body.SessionID,
		AgentType: input.Body.AgentType,
		Prompt:    input.Body.Message,
	})
	if err != nil {
		return nil, mapCallError(err)
	}

	return &ChatOutput{Body: ChatBody{
		Response:   resp.Reply,
		SessionID:  input.Body.SessionID,
		AgentType:  input.Body.AgentType,
		InstanceID: resp.InstanceID,
		Timestamp:  time.Now(),
	}}, nil
}

type AnalyzeInput struct {
	Body struct {
		SessionID string `json:"session_id" minLength:"1" doc:"Conversation session ID"`
		FileName  string `json:"file_name" minLength:"1" doc:"Name of the uploaded file"`
		FilePath  string `json:"file_path" minLength:"1" doc:"Server-side path of the uploaded file"`
		AgentType string `json:"agent_type,omitempty" doc:"Agent type (defaults to the auditor)"`
	}
}

type AnalyzeBody struct {
	Analysis   string    `json:"analysis" doc:"Analysis result"`
	FileName   string    `json:"file_name" doc:"Analyzed file"`
	SessionID  string    `json:"session_id" doc:"Conversation session ID"`
	InstanceID string    `json:"instance_id" doc:"Backend instance that served the request"`
	Timestamp  time.Time `json:"timestamp" doc:"Completion time"`
}

type AnalyzeOutput struct {
	Body AnalyzeBody
}

func (h *ChatHandler) Analyze(ctx context.Context, input *AnalyzeInput) (*AnalyzeOutput, error) {
	resp, err := h.caller.Call(ctx, agent.Payload{
		Type:      agent.TaskFileAnalysis,
		SessionID: input.Body.SessionID,
		AgentType: input.Body.AgentType,
		FileName:  input.Body.FileName,
		FilePath:  input.Body.FilePath,
	})
	if err != nil {
		return nil, mapCallError(err)
	}

	return &AnalyzeOutput{Body: AnalyzeBody{
		Analysis:   resp.Reply,
		FileName:   input.Body.FileName,
		SessionID:  input.Body.SessionID,
		InstanceID: resp.InstanceID,
		Timestamp:  time.Now(),
	}}, nil
}

// mapCallError turns balancer exhaustion into a retryable 503; everything
// else is a plain upstream failure.
func mapCallError(err error) error {
	if errors.Is(err, balancer.ErrNoHealthyInstance) {
		return huma.Error503ServiceUnavailable("no healthy agent instance available, retry later")
	}
	return huma.Error502BadGateway(err.Error())
}
