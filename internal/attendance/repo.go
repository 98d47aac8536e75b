package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"classtrack/internal/store"
)

// Repository persists attendance records in SQLite.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

// StudentByUniversityRoll resolves a student by university roll number.
func (r *Repository) StudentByUniversityRoll(ctx context.Context, roll string) (int64, string, error) {
	var id int64
	var name string
	err := r.db.Handle().QueryRowContext(ctx,
		`SELECT id, student_name FROM students WHERE university_roll_no = ?`, roll).
		Scan(&id, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrStudentNotFound
	}
	return id, name, err
}

// StudentByClassRoll resolves the student enrolled on a course under a class
// roll id. Returns ErrNotEnrolled when no enrollment row links them.
func (r *Repository) StudentByClassRoll(ctx context.Context, courseID, classRollID int64) (int64, error) {
	var id int64
	err := r.db.Handle().QueryRowContext(ctx,
		`SELECT student_id FROM enrollments WHERE course_id = ? AND class_roll_id = ?`,
		courseID, classRollID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotEnrolled
	}
	return id, err
}

// Enrolled reports whether a student is enrolled on a course.
func (r *Repository) Enrolled(ctx context.Context, courseID, studentID int64) (bool, error) {
	var one int
	err := r.db.Handle().QueryRowContext(ctx,
		`SELECT 1 FROM enrollments WHERE course_id = ? AND student_id = ?`,
		courseID, studentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Insert writes one record inside a transaction that re-checks for an
// existing (session, student) pair. The unique index on that pair is the
// authoritative guard: losing the race to a concurrent marker surfaces as a
// constraint violation, translated to ErrDuplicate rather than a storage
// fault.
func (r *Repository) Insert(ctx context.Context, sessionID, studentID int64, method Method, reason string, at time.Time) error {
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM attendance_records WHERE session_id = ? AND student_id = ?`,
			sessionID, studentID).Scan(&existing)
		if err == nil {
			return ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_records (session_id, student_id, timestamp, override_method, manual_reason)
			VALUES (?, ?, ?, ?, NULLIF(?, ''))
		`, sessionID, studentID, at, string(method), reason)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Delete removes the record for a pair. Returns ErrRecordNotFound when the
// pair has no record.
func (r *Repository) Delete(ctx context.Context, sessionID, studentID int64) error {
	res, err := r.db.Handle().ExecContext(ctx,
		`DELETE FROM attendance_records WHERE session_id = ? AND student_id = ?`,
		sessionID, studentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CountPresent counts present records for a session, excluding
// explicit-absent rows.
func (r *Repository) CountPresent(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := r.db.Handle().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_records
		WHERE session_id = ? AND override_method != ?
	`, sessionID, string(MethodEmergencyAbsent)).Scan(&n)
	return n, err
}

// PresentStudentIDs lists student ids marked present for a session, same
// exclusion as CountPresent.
func (r *Repository) PresentStudentIDs(ctx context.Context, sessionID int64) ([]int64, error) {
	rows, err := r.db.Handle().QueryContext(ctx, `
		SELECT student_id FROM attendance_records
		WHERE session_id = ? AND override_method != ?
		ORDER BY student_id
	`, sessionID, string(MethodEmergencyAbsent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StatusOf resolves the pair to Unmarked, Present or ExplicitlyAbsent.
func (r *Repository) StatusOf(ctx context.Context, sessionID, studentID int64) (Status, error) {
	var method string
	var reason sql.NullString
	err := r.db.Handle().QueryRowContext(ctx, `
		SELECT override_method, manual_reason FROM attendance_records
		WHERE session_id = ? AND student_id = ?
	`, sessionID, studentID).Scan(&method, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{State: Unmarked}, nil
	}
	if err != nil {
		return Status{}, err
	}
	st := Status{State: Present, Method: Method(method), Reason: reason.String}
	if st.Method == MethodEmergencyAbsent {
		st.State = ExplicitlyAbsent
	}
	return st, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
