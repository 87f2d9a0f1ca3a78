// Package course owns the authoritative course and enrollment state.
//
// The invariants live here: selected_count always equals the number of
// enrollment rows for a course and never exceeds capacity; a student's
// enrollments are pairwise non-overlapping on shared weekdays; tagged
// courses only admit students sharing a tag. ApplySelect and ApplyDeselect
// enforce all of this inside a single SQLite transaction. Callers provide
// the per-course serialization; this package provides the atomicity.
package course
