package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/recollection-api/internal/api/middleware"
	"github.com/phrazzld/recollection-api/internal/api/shared"
	"github.com/phrazzld/recollection-api/internal/domain"
	"github.com/phrazzld/recollection-api/internal/pipeline"
	"github.com/phrazzld/recollection-api/internal/platform/logger"
	"github.com/phrazzld/recollection-api/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// TaskSubmitter accepts jobs. *task.Runner implements it.
type TaskSubmitter interface {
	Submit(ctx context.Context, taskID string, ownerID uuid.UUID, spec task.JobSpec) (*domain.Task, error)
}

// TaskQuerier is the read side of the task store used by the handlers.
type TaskQuerier interface {
	GetTask(ctx context.Context, taskID string, ownerID uuid.UUID) (*domain.Task, error)
	ListTasks(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)
}

// LoadContentRequest is the body of POST /api/content/load.
type LoadContentRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// GenerateCourseRequest is the body of POST /api/courses/generate.
type GenerateCourseRequest struct {
	ContentIDs []string `json:"content_ids" validate:"required,min=1,dive,required"`
}

// SubmitTaskRequest is the body of POST /api/tasks.
type SubmitTaskRequest struct {
	TaskID string          `json:"task_id,omitempty" validate:"omitempty,max=128,taskid"`
	Kind   string          `json:"kind" validate:"required"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// TaskAcceptedResponse is returned when a job is queued.
type TaskAcceptedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResponse represents the response data for a task
type TaskResponse struct {
	TaskID          string         `json:"task_id"`
	Kind            string         `json:"kind"`
	Status          string         `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	CurrentStep     *string        `json:"current_step,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           *string        `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TaskHandler handles task submission and status requests.
type TaskHandler struct {
	runner TaskSubmitter
	tasks  TaskQuerier
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(runner TaskSubmitter, tasks TaskQuerier) *TaskHandler {
	return &TaskHandler{
		runner: runner,
		tasks:  tasks,
	}
}

// LoadContent handles POST /api/content/load requests
func (h *TaskHandler) LoadContent(w http.ResponseWriter, r *http.Request) {
	var req LoadContentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	input, err := json.Marshal(map[string]any{"url": req.URL})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to build job input", err)
		return
	}
	h.submit(w, r, "", task.JobSpec{Kind: pipeline.KindContentLoad, Input: input})
}

// GenerateCourse handles POST /api/courses/generate requests
func (h *TaskHandler) GenerateCourse(w http.ResponseWriter, r *http.Request) {
	var req GenerateCourseRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	input, err := json.Marshal(map[string]any{"content_ids": req.ContentIDs})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to build job input", err)
		return
	}
	h.submit(w, r, "", task.JobSpec{Kind: pipeline.KindCourseGenerate, Input: input})
}

// SubmitTask handles POST /api/tasks requests for any registered kind.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	h.submit(w, r, req.TaskID, task.JobSpec{Kind: req.Kind, Input: req.Input})
}

func (h *TaskHandler) submit(w http.ResponseWriter, r *http.Request, taskID string, spec task.JobSpec) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	t, err := h.runner.Submit(r.Context(), taskID, userID, spec)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("task accepted", "task_id", t.ID, "kind", t.Kind)

	// 202 because the work happens in the background
	shared.RespondWithJSON(w, r, http.StatusAccepted, TaskAcceptedResponse{
		TaskID: t.ID,
		Status: string(t.Status),
	})
}

// GetTask handles GET /api/tasks/{taskID} requests
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	t, err := h.tasks.GetTask(r.Context(), chi.URLParam(r, "taskID"), userID)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ListTasks handles GET /api/tasks requests. The optional limit query
// parameter defaults to 20 and is capped at 100.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	tasks, err := h.tasks.ListTasks(r.Context(), userID, limit)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}

	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := shared.DecodeJSON(w, r, v); err != nil {
		msg := "Invalid request format"
		if errors.Is(err, shared.ErrEmptyBody) {
			msg = "Request body is required"
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, msg, err)
		return false
	}
	if err := shared.ValidateRequest(v); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return false
	}
	return true
}

func respondWithMappedError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}

// taskToResponse converts a domain.Task to a TaskResponse
func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:          t.ID,
		Kind:            t.Kind,
		Status:          string(t.Status),
		ProgressPercent: t.ProgressPercent,
		CurrentStep:     t.CurrentStep,
		Result:          t.Result,
		Error:           t.ErrorMessage,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}
