package course

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Repository defines course and enrollment persistence. ApplySelect and
// ApplyDeselect are the only mutation paths for enrollment state; each runs
// its full rule check and commit inside one transaction.
type Repository interface {
	CreateCourse(ctx context.Context, c *Course) error
	GetCourse(ctx context.Context, id string) (*Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	UpdateCourse(ctx context.Context, c *Course) error
	DeleteCourse(ctx context.Context, id string) error

	ListEnrollmentsForStudent(ctx context.Context, studentID string) ([]Enrollment, error)
	ListEnrollmentsForCourse(ctx context.Context, courseID string) ([]Enrollment, error)

	ApplySelect(ctx context.Context, studentID, courseID string, studentTags []string) error
	ApplyDeselect(ctx context.Context, studentID, courseID string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed course repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const courseColumns = `id, name, credit, type, teacher_id, time_begin, time_end,
	schedule, location, capacity, selected_count, tags, created_at, updated_at`

// CreateCourse inserts a new course. The ID is generated if empty.
func (r *SQLiteRepository) CreateCourse(ctx context.Context, c *Course) error {
	if c.ID == "" {
		c.ID = "crs-" + uuid.NewString()[:8]
	}
	if c.Type == "" {
		c.Type = TypeElective
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO courses (id, name, credit, type, teacher_id, time_begin, time_end,
		 schedule, location, capacity, selected_count, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Credit, string(c.Type), nullString(c.TeacherID),
		c.TimeBegin, c.TimeEnd, marshalInts(c.Schedule), c.Location,
		c.Capacity, c.SelectedCount, marshalStrings(c.Tags), now, now,
	)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("creating course: %w", err))
	}
	return nil
}

// GetCourse retrieves a course by ID.
func (r *SQLiteRepository) GetCourse(ctx context.Context, id string) (*Course, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+courseColumns+" FROM courses WHERE id = ?", id)
	c, err := scanCourse(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, classifyStorageErr(fmt.Errorf("getting course: %w", err))
	}
	return c, nil
}

// ListCourses returns all courses ordered by name.
func (r *SQLiteRepository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+courseColumns+" FROM courses ORDER BY name")
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("listing courses: %w", err))
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning course: %w", err)
		}
		courses = append(courses, *c)
	}
	return courses, rows.Err()
}

// UpdateCourse updates a course's descriptive fields. selected_count is
// owned by the enrollment mutation path and is not touched here.
func (r *SQLiteRepository) UpdateCourse(ctx context.Context, c *Course) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE courses SET name = ?, credit = ?, type = ?, teacher_id = ?,
		 time_begin = ?, time_end = ?, schedule = ?, location = ?, capacity = ?,
		 tags = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, c.Credit, string(c.Type), nullString(c.TeacherID),
		c.TimeBegin, c.TimeEnd, marshalInts(c.Schedule), c.Location, c.Capacity,
		marshalStrings(c.Tags), now, c.ID,
	)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("updating course: %w", err))
	}
	return checkCourseAffected(result)
}

// DeleteCourse removes a course and (via cascade) its enrollments.
func (r *SQLiteRepository) DeleteCourse(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM courses WHERE id = ?", id)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("deleting course: %w", err))
	}
	return checkCourseAffected(result)
}

// ListEnrollmentsForStudent returns a student's enrollments.
func (r *SQLiteRepository) ListEnrollmentsForStudent(ctx context.Context, studentID string) ([]Enrollment, error) {
	return r.listEnrollments(ctx,
		"SELECT student_id, course_id, created_at FROM enrollments WHERE student_id = ?", studentID)
}

// ListEnrollmentsForCourse returns a course's enrollments.
func (r *SQLiteRepository) ListEnrollmentsForCourse(ctx context.Context, courseID string) ([]Enrollment, error) {
	return r.listEnrollments(ctx,
		"SELECT student_id, course_id, created_at FROM enrollments WHERE course_id = ?", courseID)
}

func (r *SQLiteRepository) listEnrollments(ctx context.Context, query, key string) ([]Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("listing enrollments: %w", err))
	}
	defer rows.Close()

	var enrollments []Enrollment
	for rows.Next() {
		var e Enrollment
		var createdAt string
		if err := rows.Scan(&e.StudentID, &e.CourseID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning enrollment: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// ApplySelect enrolls a student in a course, running every admission rule
// and the state mutation inside a single transaction:
//
//  1. course exists
//  2. not already enrolled
//  3. a seat is free
//  4. tagged courses require a tag in common with the student
//  5. no weekday/time overlap with the student's existing enrollments
//
// Rule failures return the matching sentinel and leave state untouched.
// SQLITE_BUSY and I/O failures come back as ErrStorageUnavailable so the
// caller can retry.
func (r *SQLiteRepository) ApplySelect(ctx context.Context, studentID, courseID string, studentTags []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("beginning select transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	target, err := getCourseTx(ctx, tx, courseID)
	if err != nil {
		return err
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM enrollments WHERE student_id = ? AND course_id = ?",
		studentID, courseID,
	).Scan(&exists)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("checking enrollment: %w", err))
	}
	if exists > 0 {
		return ErrAlreadyEnrolled
	}

	if target.SelectedCount >= target.Capacity {
		return ErrCourseFull
	}

	if len(target.Tags) > 0 && !tagsIntersect(target.Tags, studentTags) {
		return ErrTagIneligible
	}

	enrolled, err := studentCoursesTx(ctx, tx, studentID)
	if err != nil {
		return err
	}
	for i := range enrolled {
		if Overlaps(target, &enrolled[i]) {
			return ErrTimeConflict
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO enrollments (student_id, course_id, created_at) VALUES (?, ?, ?)",
		studentID, courseID, now,
	); err != nil {
		return classifyStorageErr(fmt.Errorf("inserting enrollment: %w", err))
	}

	// rows == 0 here means selected_count and the enrollments table
	// disagree; the guarded WHERE refuses to push the count past capacity.
	result, err := tx.ExecContext(ctx,
		`UPDATE courses SET selected_count = selected_count + 1, updated_at = ?
		 WHERE id = ? AND selected_count < capacity`,
		now, courseID,
	)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("incrementing selected_count: %w", err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrIntegrityViolation
	}

	if err := tx.Commit(); err != nil {
		return classifyStorageErr(fmt.Errorf("committing select: %w", err))
	}
	return nil
}

// ApplyDeselect removes a student's enrollment and frees the seat, in one
// transaction.
func (r *SQLiteRepository) ApplyDeselect(ctx context.Context, studentID, courseID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("beginning deselect transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, err := getCourseTx(ctx, tx, courseID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM enrollments WHERE student_id = ? AND course_id = ?",
		studentID, courseID,
	)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("deleting enrollment: %w", err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrNotEnrolled
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err = tx.ExecContext(ctx,
		`UPDATE courses SET selected_count = selected_count - 1, updated_at = ?
		 WHERE id = ? AND selected_count > 0`,
		now, courseID,
	)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("decrementing selected_count: %w", err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrIntegrityViolation
	}

	if err := tx.Commit(); err != nil {
		return classifyStorageErr(fmt.Errorf("committing deselect: %w", err))
	}
	return nil
}

// getCourseTx loads a course inside a transaction.
func getCourseTx(ctx context.Context, tx *sql.Tx, id string) (*Course, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+courseColumns+" FROM courses WHERE id = ?", id)
	c, err := scanCourse(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, classifyStorageErr(fmt.Errorf("loading course: %w", err))
	}
	return c, nil
}

// studentCoursesTx loads the full course records a student is enrolled in,
// for overlap checking.
func studentCoursesTx(ctx context.Context, tx *sql.Tx, studentID string) ([]Course, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT c.id, c.name, c.credit, c.type, c.teacher_id, c.time_begin, c.time_end,
		 c.schedule, c.location, c.capacity, c.selected_count, c.tags, c.created_at, c.updated_at
		 FROM courses c
		 JOIN enrollments e ON e.course_id = c.id
		 WHERE e.student_id = ?`, studentID)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("loading student courses: %w", err))
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning student course: %w", err)
		}
		courses = append(courses, *c)
	}
	return courses, rows.Err()
}

// scanner abstracts over sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCourse(s scanner) (*Course, error) {
	var c Course
	var courseType, schedule, tags string
	var teacherID sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&c.ID, &c.Name, &c.Credit, &courseType, &teacherID,
		&c.TimeBegin, &c.TimeEnd, &schedule, &c.Location,
		&c.Capacity, &c.SelectedCount, &tags, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = CourseType(courseType)
	if teacherID.Valid {
		c.TeacherID = teacherID.String
	}
	c.Schedule = unmarshalInts(schedule)
	c.Tags = unmarshalStrings(tags)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &c, nil
}

// classifyStorageErr maps SQLITE_BUSY/SQLITE_LOCKED onto
// ErrStorageUnavailable so the dispatcher can treat them as transient.
func classifyStorageErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
	// The driver surfaces some busy conditions as plain strings.
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

func checkCourseAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrCourseNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func marshalInts(v []int) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalInts(s string) []int {
	if s == "" || s == "[]" {
		return nil
	}
	var v []int
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
