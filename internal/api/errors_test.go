package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/enrollware/enroll-core/internal/auth"
	"github.com/enrollware/enroll-core/internal/course"
	"github.com/enrollware/enroll-core/internal/dispatch"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantKind   string
	}{
		{auth.ErrBadCredentials, http.StatusUnauthorized, "BadCredentials"},
		{auth.ErrBadTOTP, http.StatusUnauthorized, "BadTOTP"},
		{auth.ErrTOTPRequired, http.StatusUnauthorized, "BadTOTP"},
		{auth.ErrTokenExpired, http.StatusUnauthorized, "TokenExpired"},
		{auth.ErrTokenInvalid, http.StatusUnauthorized, "TokenInvalid"},
		{auth.ErrRevoked, http.StatusUnauthorized, "Revoked"},
		{auth.ErrTokenReuse, http.StatusUnauthorized, "Revoked"},
		{auth.ErrRateLimited, http.StatusTooManyRequests, "RateLimited"},
		{auth.ErrInactive, http.StatusUnauthorized, "Inactive"},
		{auth.ErrCodeInvalid, http.StatusUnauthorized, "CodeInvalid"},
		{auth.ErrUsernameTaken, http.StatusConflict, "UsernameTaken"},
		{course.ErrCourseNotFound, http.StatusNotFound, "CourseNotFound"},
		{course.ErrAlreadyEnrolled, http.StatusConflict, "AlreadyEnrolled"},
		{course.ErrNotEnrolled, http.StatusConflict, "NotEnrolled"},
		{course.ErrStorageUnavailable, http.StatusServiceUnavailable, "Internal"},
		{dispatch.ErrQueueFull, http.StatusServiceUnavailable, "QueueFull"},
		{dispatch.ErrShuttingDown, http.StatusServiceUnavailable, "ShuttingDown"},
		{dispatch.ErrTaskNotFound, http.StatusNotFound, "TaskNotFound"},
		{dispatch.ErrNotCancellable, http.StatusConflict, "NotCancellable"},
		{dispatch.ErrNotTaskOwner, http.StatusForbidden, "Unauthorized"},
		{errors.New("surprise"), http.StatusInternalServerError, "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.wantKind+"/"+tt.err.Error(), func(t *testing.T) {
			status, kind := classify(tt.err)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", kind, tt.wantKind)
			}
		})
	}
}

func TestWriteDomainErrorLockoutCarriesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, &auth.RateLimitedError{RetryAfter: 20 * time.Second})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "20" {
		t.Errorf("Retry-After = %q, want \"20\"", got)
	}
}

func TestClassifyUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("applying select: %w", course.ErrCourseFull)
	// Rule failures reach clients through task polling, not classify; but a
	// wrapped sentinel anywhere in the chain must still be recognised.
	status, _ := classify(fmt.Errorf("outer: %w", wrapped))
	if status == http.StatusInternalServerError {
		t.Error("wrapped sentinel fell through to 500")
	}
}
