package api

import (
	"encoding/json"
	"net/http"

	"github.com/enrollware/enroll-core/internal/course"
	"github.com/enrollware/enroll-core/internal/dispatch"
)

// courseMutateRequest is the envelope for the internal course-mutation
// surface. Action selects the operation; the remaining fields are
// action-specific.
type courseMutateRequest struct {
	Action string `json:"action"`

	// create_course / update_course
	Course *course.Course `json:"course,omitempty"`

	// delete_course / select / deselect
	CourseID string `json:"course_id,omitempty"`

	// select / deselect: the student being acted on, and the operator
	// acting on their behalf. ActorID is recorded on the task.
	UserID  string `json:"user_id,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

// handleCourseMutate is the trusted back-channel for course catalog changes
// and operator-submitted enrollment intents. Catalog writes go straight to
// the repository; enrollment intents still go through the dispatcher so the
// per-course serialization holds for every mutation path.
func (s *Server) handleCourseMutate(w http.ResponseWriter, r *http.Request) {
	var req courseMutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	switch req.Action {
	case "create_course":
		if req.Course == nil {
			writeBadRequest(w, "course is required")
			return
		}
		if req.Course.Capacity <= 0 {
			writeBadRequest(w, "capacity must be positive")
			return
		}
		if err := s.courses.CreateCourse(r.Context(), req.Course); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, req.Course)

	case "update_course":
		if req.Course == nil || req.Course.ID == "" {
			writeBadRequest(w, "course with id is required")
			return
		}
		if err := s.courses.UpdateCourse(r.Context(), req.Course); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req.Course)

	case "delete_course":
		if req.CourseID == "" {
			writeBadRequest(w, "course_id is required")
			return
		}
		if err := s.courses.DeleteCourse(r.Context(), req.CourseID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case "select", "deselect":
		if req.UserID == "" || req.CourseID == "" {
			writeBadRequest(w, "user_id and course_id are required")
			return
		}
		kind := dispatch.KindSelect
		if req.Action == "deselect" {
			kind = dispatch.KindDeselect
		}
		task, position, err := s.dispatcher.Submit(req.UserID, req.CourseID, kind, req.ActorID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{
			TaskID:            task.ID,
			EstimatedPosition: position,
		})

	default:
		writeBadRequest(w, "unknown action")
	}
}
