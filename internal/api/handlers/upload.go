package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/DSR-pheonix45/API-Backend/internal/core/agent"
	"github.com/DSR-pheonix45/API-Backend/internal/core/scheduler"
	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

// UploadHandler stores an uploaded document and schedules a file-analysis
// job for it. The analysis itself runs on the worker pool, not on the request
// path.
type UploadHandler struct {
	sched     *scheduler.Scheduler
	uploadDir string
}

func NewUploadHandler(sched *scheduler.Scheduler, uploadDir string) *UploadHandler {
	return &UploadHandler{sched: sched, uploadDir: uploadDir}
}

// Upload handles multipart POST /upload. Form fields: file, session_id,
// agent_type (optional).
func (h *UploadHandler) Upload(c echo.Context) error {
	sessionID := c.FormValue("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "session_id is required")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "file is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	storedPath := filepath.Join(h.uploadDir, uuid.NewString()+"_"+filepath.Base(fileHeader.Filename))
	dst, err := os.Create(storedPath)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(storedPath)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	payload, err := json.Marshal(agent.Payload{
		Type:      agent.TaskFileAnalysis,
		SessionID: sessionID,
		AgentType: c.FormValue("agent_type"),
		FileName:  fileHeader.Filename,
		FilePath:  storedPath,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	job, err := h.sched.Submit(c.Request().Context(), scheduler.SubmitRequest{
		Kind:    task.KindImmediate,
		Payload: payload,
	})
	if err != nil {
		os.Remove(storedPath)
		if errors.Is(err, scheduler.ErrSaturated) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler saturated, apply backoff and retry")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	log.Info().Str("job", job.ID).Str("file", fileHeader.Filename).
		Str("session", sessionID).Msg("upload accepted")
	return c.JSON(http.StatusAccepted, map[string]any{
		"task_id":   job.ID,
		"file_name": fileHeader.Filename,
		"status":    string(job.Status),
		"queued_at": time.Now(),
	})
}
