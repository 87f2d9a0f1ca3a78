package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/enrollware/enroll-core/internal/auth"
	"github.com/enrollware/enroll-core/internal/course"
	"github.com/enrollware/enroll-core/internal/dispatch"
)

// Error is the envelope returned for every failed request. Kind values are
// the stable taxonomy shared with task failure kinds; messages are
// human-readable and never carry internal identifiers.
type Error struct {
	Kind    string `json:"error_kind"`
	Message string `json:"message"`
}

// Error kinds not covered by dispatch.FailureKind.
const (
	kindBadCredentials = "BadCredentials"
	kindBadTOTP        = "BadTOTP"
	kindTokenInvalid   = "TokenInvalid"
	kindTokenExpired   = "TokenExpired"
	kindRevoked        = "Revoked"
	kindInactive       = "Inactive"
	kindCodeInvalid    = "CodeInvalid"
	kindUsernameTaken  = "UsernameTaken"
	kindRateLimited    = "RateLimited"
	kindUnauthorized   = "Unauthorized"
	kindCourseNotFound = "CourseNotFound"
	kindTaskNotFound   = "TaskNotFound"
	kindNotCancellable = "NotCancellable"
	kindBadRequest     = "BadRequest"
	kindInternal       = "Internal"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes the error envelope.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, Error{Kind: kind, Message: message})
}

// writeBadRequest writes a 400 envelope.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, kindBadRequest, message)
}

// writeRateLimited writes a 429 envelope with a Retry-After header rounded
// up to whole seconds.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
}

// writeDomainError maps a domain error onto the envelope and HTTP status:
// 401 for authentication failures, 403 for role mismatch, 404 for missing
// resources, 409 for eligibility conflicts at enqueue time, 429 for rate
// limiting, 503 for shutdown and queue pressure.
func writeDomainError(w http.ResponseWriter, err error) {
	var rl *auth.RateLimitedError
	if errors.As(err, &rl) {
		writeRateLimited(w, rl.RetryAfter)
		return
	}

	status, kind := classify(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		// Never leak internals in the envelope.
		message = "internal error"
	}
	writeError(w, status, kind, message)
}

func classify(err error) (int, string) {
	switch {
	// Authentication.
	case errors.Is(err, auth.ErrBadCredentials):
		return http.StatusUnauthorized, kindBadCredentials
	case errors.Is(err, auth.ErrBadTOTP), errors.Is(err, auth.ErrTOTPRequired):
		return http.StatusUnauthorized, kindBadTOTP
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, kindTokenExpired
	case errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, kindTokenInvalid
	case errors.Is(err, auth.ErrRevoked), errors.Is(err, auth.ErrTokenReuse):
		return http.StatusUnauthorized, kindRevoked
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests, kindRateLimited
	case errors.Is(err, auth.ErrInactive):
		return http.StatusUnauthorized, kindInactive
	case errors.Is(err, auth.ErrCodeInvalid):
		return http.StatusUnauthorized, kindCodeInvalid
	case errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusConflict, kindUsernameTaken
	// The token subject no longer exists.
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusUnauthorized, kindTokenInvalid

	// Admission.
	case errors.Is(err, course.ErrCourseNotFound):
		return http.StatusNotFound, kindCourseNotFound
	case errors.Is(err, course.ErrAlreadyEnrolled):
		return http.StatusConflict, string(dispatch.FailAlreadyEnrolled)
	case errors.Is(err, course.ErrNotEnrolled):
		return http.StatusConflict, string(dispatch.FailNotEnrolled)
	case errors.Is(err, course.ErrCourseFull):
		return http.StatusConflict, string(dispatch.FailCourseFull)
	case errors.Is(err, course.ErrTimeConflict):
		return http.StatusConflict, string(dispatch.FailTimeConflict)
	case errors.Is(err, course.ErrTagIneligible):
		return http.StatusConflict, string(dispatch.FailTagIneligible)

	// Dispatcher.
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusServiceUnavailable, string(dispatch.FailQueueFull)
	case errors.Is(err, dispatch.ErrShuttingDown):
		return http.StatusServiceUnavailable, string(dispatch.FailShuttingDown)
	case errors.Is(err, dispatch.ErrTaskNotFound):
		return http.StatusNotFound, kindTaskNotFound
	case errors.Is(err, dispatch.ErrNotCancellable):
		return http.StatusConflict, kindNotCancellable
	case errors.Is(err, dispatch.ErrNotTaskOwner):
		return http.StatusForbidden, kindUnauthorized

	case errors.Is(err, course.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, kindInternal

	default:
		return http.StatusInternalServerError, kindInternal
	}
}
