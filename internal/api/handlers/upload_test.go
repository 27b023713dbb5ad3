package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/DSR-pheonix45/API-Backend/internal/core/agent"
	"github.com/DSR-pheonix45/API-Backend/internal/core/event"
	"github.com/DSR-pheonix45/API-Backend/internal/core/scheduler"
	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

func multipartUpload(t *testing.T, fields map[string]string, fileName, fileContent string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if fileName != "" {
		fw, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte(fileContent))
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req, httptest.NewRecorder()
}

func TestUploadHandler_StoresFileAndSchedulesAnalysis(t *testing.T) {
	sched := scheduler.New(event.NewBus(), nil, scheduler.Config{})
	dir := t.TempDir()
	h := NewUploadHandler(sched, dir)
	e := echo.New()

	req, rec := multipartUpload(t, map[string]string{"session_id": "s1"}, "ledger.csv", "account,amount\ncash,100\n")
	if err := h.Upload(e.NewContext(req, rec)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		TaskID   string `json:"task_id"`
		FileName string `json:"file_name"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FileName != "ledger.csv" || resp.Status != "pending" {
		t.Fatalf("unexpected response %+v", resp)
	}

	job, err := sched.Get(resp.TaskID)
	if err != nil {
		t.Fatalf("scheduled job not found: %v", err)
	}
	if job.Kind != task.KindImmediate {
		t.Fatalf("expected an immediate job, got %s", job.Kind)
	}

	var p agent.Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("decode job payload: %v", err)
	}
	if p.Type != agent.TaskFileAnalysis || p.SessionID != "s1" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if !strings.HasPrefix(p.FilePath, dir) {
		t.Fatalf("stored file outside the upload dir: %s", p.FilePath)
	}
	content, err := os.ReadFile(p.FilePath)
	if err != nil {
		t.Fatalf("stored file unreadable: %v", err)
	}
	if !strings.Contains(string(content), "cash,100") {
		t.Fatal("stored file content differs from the upload")
	}
	if !strings.HasSuffix(filepath.Base(p.FilePath), "_ledger.csv") {
		t.Fatalf("expected the original name preserved in %s", p.FilePath)
	}
}

func TestUploadHandler_RequiresSessionID(t *testing.T) {
	sched := scheduler.New(event.NewBus(), nil, scheduler.Config{})
	h := NewUploadHandler(sched, t.TempDir())
	e := echo.New()

	req, rec := multipartUpload(t, nil, "ledger.csv", "x")
	err := h.Upload(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected a 422, got %v", err)
	}
}

func TestUploadHandler_RequiresFile(t *testing.T) {
	sched := scheduler.New(event.NewBus(), nil, scheduler.Config{})
	h := NewUploadHandler(sched, t.TempDir())
	e := echo.New()

	req, rec := multipartUpload(t, map[string]string{"session_id": "s1"}, "", "")
	err := h.Upload(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected a 422, got %v", err)
	}
}

func TestUploadHandler_SaturatedSchedulerDropsFile(t *testing.T) {
	sched := scheduler.New(event.NewBus(), nil, scheduler.Config{BacklogLimit: 1})
	dir := t.TempDir()
	h := NewUploadHandler(sched, dir)
	e := echo.New()

	req, rec := multipartUpload(t, map[string]string{"session_id": "s1"}, "a.csv", "x")
	if err := h.Upload(e.NewContext(req, rec)); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	req, rec = multipartUpload(t, map[string]string{"session_id": "s1"}, "b.csv", "y")
	err := h.Upload(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected a 503 when saturated, got %v", err)
	}

	// The rejected upload must not leave its file behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the accepted upload on disk, got %d files", len(entries))
	}
}
