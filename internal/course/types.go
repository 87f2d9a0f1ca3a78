package course

import (
	"errors"
	"time"
)

// CourseType classifies a course within a programme.
type CourseType string

const (
	TypeRequired CourseType = "required"
	TypeElective CourseType = "elective"
)

// Course is the authoritative record for a selectable course. TimeBegin and
// TimeEnd encode the time of day as HHMM integers (e.g. 1030 = 10:30);
// Schedule is the set of ISO weekdays (1=Monday .. 7=Sunday) the course
// meets on.
type Course struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Credit        int        `json:"credit"`
	Type          CourseType `json:"type"`
	TeacherID     string     `json:"teacher_id,omitempty"`
	TimeBegin     int        `json:"time_begin"`
	TimeEnd       int        `json:"time_end"`
	Schedule      []int      `json:"schedule"`
	Location      string     `json:"location,omitempty"`
	Capacity      int        `json:"capacity"`
	SelectedCount int        `json:"selected_count"`
	Tags          []string   `json:"tags,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Enrollment is the unique (student, course) relation representing a
// successful selection.
type Enrollment struct {
	StudentID string    `json:"student_id"`
	CourseID  string    `json:"course_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Sentinel errors for course operations. The first group are rule failures
// that are final for a given attempt; the second group are infrastructure
// conditions the caller may retry.
var (
	ErrCourseNotFound  = errors.New("course not found")
	ErrAlreadyEnrolled = errors.New("student already enrolled in course")
	ErrNotEnrolled     = errors.New("student not enrolled in course")
	ErrCourseFull      = errors.New("course is at capacity")
	ErrTimeConflict    = errors.New("course time conflicts with an existing enrollment")
	ErrTagIneligible   = errors.New("student tags do not match course tags")

	ErrStorageUnavailable = errors.New("course storage unavailable")
	ErrIntegrityViolation = errors.New("course state integrity violation")
)

// Overlaps reports whether two courses collide: they share at least one
// weekday and their [TimeBegin, TimeEnd) intervals intersect.
func Overlaps(a, b *Course) bool {
	if !shareWeekday(a.Schedule, b.Schedule) {
		return false
	}
	return a.TimeBegin < b.TimeEnd && b.TimeBegin < a.TimeEnd
}

func shareWeekday(a, b []int) bool {
	for _, da := range a {
		for _, db := range b {
			if da == db {
				return true
			}
		}
	}
	return false
}

// tagsIntersect reports whether any tag appears in both sets.
func tagsIntersect(a, b []string) bool {
	for _, ta := range a {
		for _, tb := range b {
			if ta == tb {
				return true
			}
		}
	}
	return false
}
