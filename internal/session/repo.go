package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classtrack/internal/store"
)

// Repository persists sessions in SQLite.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

const sessionCols = `id, course_id, start_time, end_time, is_active, session_type,
	COALESCE(topic, ''), COALESCE(session_token, ''), COALESCE(otp_seed, '')`

func scanSession(row *sql.Row) (Session, error) {
	var s Session
	var kind string
	err := row.Scan(&s.ID, &s.CourseID, &s.StartTime, &s.EndTime, &s.Active, &kind,
		&s.Topic, &s.Token, &s.OTPSeed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.Kind = Kind(kind)
	return s, nil
}

// Insert writes a new session row and returns its id.
func (r *Repository) Insert(ctx context.Context, s Session) (int64, error) {
	res, err := r.db.Handle().ExecContext(ctx, `
		INSERT INTO sessions (course_id, start_time, end_time, is_active, session_type, topic, session_token, otp_seed)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))
	`, s.CourseID, s.StartTime, s.EndTime, s.Active, string(s.Kind), s.Topic, s.Token, s.OTPSeed)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Get returns a session by id.
func (r *Repository) Get(ctx context.Context, id int64) (Session, error) {
	row := r.db.Handle().QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ByToken returns the online session addressed by its token.
func (r *Repository) ByToken(ctx context.Context, token string) (Session, error) {
	row := r.db.Handle().QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE session_token = ?`, token)
	return scanSession(row)
}

// Active returns the most recently started active session, or
// ErrNoActiveSession.
func (r *Repository) Active(ctx context.Context) (Session, error) {
	row := r.db.Handle().QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE is_active = 1 ORDER BY start_time DESC LIMIT 1`)
	s, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrNoActiveSession
	}
	return s, err
}

// DeactivateAll stamps every active session inactive with the given end
// time. Returns the number of sessions deactivated.
func (r *Repository) DeactivateAll(ctx context.Context, endTime time.Time) (int64, error) {
	res, err := r.db.Handle().ExecContext(ctx,
		`UPDATE sessions SET is_active = 0, end_time = ? WHERE is_active = 1`, endTime)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Expire marks a session inactive without touching its scheduled end time.
// Idempotent: expiring an already-inactive session affects zero rows.
func (r *Repository) Expire(ctx context.Context, id int64) error {
	_, err := r.db.Handle().ExecContext(ctx,
		`UPDATE sessions SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	return err
}

// ForceEnd marks a session inactive and pins its end time to now.
func (r *Repository) ForceEnd(ctx context.Context, id int64, now time.Time) error {
	_, err := r.db.Handle().ExecContext(ctx,
		`UPDATE sessions SET is_active = 0, end_time = ? WHERE id = ?`, now, id)
	return err
}

// SetEndTime rewrites a session's end time.
func (r *Repository) SetEndTime(ctx context.Context, id int64, endTime time.Time) error {
	_, err := r.db.Handle().ExecContext(ctx,
		`UPDATE sessions SET end_time = ? WHERE id = ?`, endTime, id)
	return err
}

// ExpireDue deactivates every active session whose end time has passed.
// Returns the number of sessions closed.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.Handle().ExecContext(ctx,
		`UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND end_time < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Roster lists the students enrolled on a course, ordered by class roll id.
func (r *Repository) Roster(ctx context.Context, courseID int64) ([]Enrollee, error) {
	rows, err := r.db.Handle().QueryContext(ctx, `
		SELECT s.id, e.class_roll_id, s.student_name, s.university_roll_no
		FROM enrollments e
		JOIN students s ON e.student_id = s.id
		WHERE e.course_id = ?
		ORDER BY e.class_roll_id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []Enrollee
	for rows.Next() {
		var e Enrollee
		if err := rows.Scan(&e.StudentID, &e.ClassRollID, &e.StudentName, &e.UniversityRollNo); err != nil {
			return nil, err
		}
		roster = append(roster, e)
	}
	return roster, rows.Err()
}

// PresentRollNumbers returns the university roll numbers marked present in a
// session, excluding explicit-absent records.
func (r *Repository) PresentRollNumbers(ctx context.Context, sessionID int64) ([]string, error) {
	rows, err := r.db.Handle().QueryContext(ctx, `
		SELECT s.university_roll_no
		FROM attendance_records ar
		JOIN students s ON ar.student_id = s.id
		WHERE ar.session_id = ? AND ar.override_method != 'emergency_mode_absent'
		ORDER BY s.university_roll_no
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rolls []string
	for rows.Next() {
		var roll string
		if err := rows.Scan(&roll); err != nil {
			return nil, err
		}
		rolls = append(rolls, roll)
	}
	return rolls, rows.Err()
}
