package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enrollware/enroll-core/internal/auth"
	"github.com/enrollware/enroll-core/internal/dispatch"
)

type intentRequest struct {
	CourseID string `json:"course_id"`
}

type submitResponse struct {
	TaskID            string `json:"task_id"`
	EstimatedPosition int    `json:"estimated_position"`
}

// handleSelect enqueues a seat-selection intent. Only the coarse checks run
// here: the course must exist and the caller must be a student. Capacity,
// conflicts and tag eligibility are decided by the dispatcher under the
// per-course lock, so the handler's answer is a task handle, not a verdict.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	s.submitIntent(w, r, dispatch.KindSelect)
}

// handleDeselect enqueues a drop intent. Deselects outrank selects so freed
// seats become available quickly.
func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	s.submitIntent(w, r, dispatch.KindDeselect)
}

func (s *Server) submitIntent(w http.ResponseWriter, r *http.Request, kind dispatch.TaskKind) {
	ident := identityFrom(r.Context())
	if ident.Role != auth.RoleStudent {
		writeError(w, http.StatusForbidden, kindUnauthorized, "only students may select courses")
		return
	}

	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.CourseID == "" {
		writeBadRequest(w, "course_id is required")
		return
	}

	if _, err := s.courses.GetCourse(r.Context(), req.CourseID); err != nil {
		writeDomainError(w, err)
		return
	}

	task, position, err := s.dispatcher.Submit(ident.UserID, req.CourseID, kind, "")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:            task.ID,
		EstimatedPosition: position,
	})
}

type taskResponse struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	FailureKind string `json:"failure_kind,omitempty"`
	SubmittedAt string `json:"submitted_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Attempts    int    `json:"attempt_count"`
}

// handleTaskStatus returns the task's current state. Owner or admin only;
// other callers get 404 so task IDs do not leak existence.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ident := identityFrom(r.Context())

	task, err := s.dispatcher.Status(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if task.UserID != ident.UserID && ident.Role != auth.RoleAdmin {
		writeError(w, http.StatusNotFound, kindTaskNotFound, "task not found")
		return
	}

	resp := taskResponse{
		TaskID:      task.ID,
		Status:      string(task.Status),
		FailureKind: string(task.FailureKind),
		SubmittedAt: task.SubmittedAt.UTC().Format(time.RFC3339Nano),
		Attempts:    task.AttemptCount,
	}
	if !task.CompletedAt.IsZero() {
		resp.CompletedAt = task.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTaskCancel cancels a pending task. Running and terminal tasks are
// not cancellable.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ident := identityFrom(r.Context())

	err := s.dispatcher.Cancel(r.Context(), taskID, ident.UserID, ident.Role == auth.RoleAdmin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleQueueStats reports dispatcher load for operators.
func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.dispatcher.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":        stats.Pending,
		"running":        stats.Running,
		"avg_latency_ms": stats.AvgLatencyMS,
	})
}
