package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DSR-pheonix45/API-Backend/internal/core/balancer"
	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
	"github.com/DSR-pheonix45/API-Backend/internal/core/registry"
	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

func newTestCaller(t *testing.T, instances map[string]string) (*Caller, *registry.Registry) {
	t.Helper()
	bus := event.NewBus()
	reg := registry.New(bus, 3, 0.3)
	for id, address := range instances {
		if err := reg.Register(registry.Descriptor{ID: id, Address: address}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	lb := balancer.New(reg, balancer.NewRoundRobin(), bus)
	return NewCaller(lb, nil), reg
}

func TestCaller_CallRoutesChat(t *testing.T) {
	var gotPath string
	var gotPayload Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]string{"response": "the ledger balances"})
	}))
	defer srv.Close()

	caller, _ := newTestCaller(t, map[string]string{"a": srv.URL})
	resp, err := caller.Call(context.Background(), Payload{
		Type:      TaskChat,
		SessionID: "s1",
		Prompt:    "check the ledger",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotPath != "/chat" {
		t.Fatalf("expected /chat, got %s", gotPath)
	}
	if gotPayload.SessionID != "s1" {
		t.Fatalf("payload not forwarded, got %+v", gotPayload)
	}
	if resp.Reply != "the ledger balances" {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
	if resp.InstanceID != "a" {
		t.Fatalf("expected instance id on the response, got %q", resp.InstanceID)
	}
}

func TestCaller_FileAnalysisRoutesToAnalyze(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caller, _ := newTestCaller(t, map[string]string{"a": srv.URL})
	if _, err := caller.Call(context.Background(), Payload{Type: TaskFileAnalysis}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotPath != "/analyze" {
		t.Fatalf("expected /analyze, got %s", gotPath)
	}
}

func TestCaller_ErrorStatusRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	caller, reg := newTestCaller(t, map[string]string{"a": srv.URL})
	_, err := caller.Call(context.Background(), Payload{Type: TaskChat})
	if err == nil {
		t.Fatal("expected an error on a 500 response")
	}

	inst, _ := reg.Get("a")
	if inst.State.ConsecutiveFailures != 1 {
		t.Fatalf("expected the failure recorded, got %d", inst.State.ConsecutiveFailures)
	}
	if inst.State.ActiveConnections != 0 {
		t.Fatalf("expected the connection slot released, got %d", inst.State.ActiveConnections)
	}
}

func TestCaller_NoInstancesSurfacesBalancerError(t *testing.T) {
	caller, _ := newTestCaller(t, nil)
	_, err := caller.Call(context.Background(), Payload{Type: TaskChat})
	if !errors.Is(err, balancer.ErrNoHealthyInstance) {
		t.Fatalf("expected ErrNoHealthyInstance, got %v", err)
	}
}

func TestCaller_ExecuteDecodesJobPayload(t *testing.T) {
	var gotPayload Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caller, _ := newTestCaller(t, map[string]string{"a": srv.URL})

	raw, _ := json.Marshal(Payload{Type: TaskTaxCalc, SessionID: "s9"})
	if err := caller.Execute(context.Background(), task.Job{ID: "j1", Payload: raw}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPayload.Type != TaskTaxCalc || gotPayload.SessionID != "s9" {
		t.Fatalf("job payload not forwarded, got %+v", gotPayload)
	}
}

func TestCaller_ExecuteRejectsMalformedPayload(t *testing.T) {
	caller, _ := newTestCaller(t, map[string]string{"a": "http://unused"})
	err := caller.Execute(context.Background(), task.Job{ID: "j1", Payload: []byte("{not json")})
	if err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestCaller_EmptyBodyTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	caller, _ := newTestCaller(t, map[string]string{"a": srv.URL})
	if _, err := caller.Call(context.Background(), Payload{Type: TaskChat}); err != nil {
		t.Fatalf("expected an empty 2xx body to be tolerated, got %v", err)
	}
}
