package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/clock"
	"classtrack/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, *Repository, *clock.Fake, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	repo := NewRepository(db)
	return NewMachine(repo, clk), repo, clk, db
}

func seedCourse(t *testing.T, db *store.DB, code string) int64 {
	t.Helper()
	res, err := db.Handle().Exec(
		`INSERT INTO courses (course_code, course_name) VALUES (?, ?)`, code, code+" name")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func seedStudent(t *testing.T, db *store.DB, univRoll string, courseID, classRoll int64) int64 {
	t.Helper()
	res, err := db.Handle().Exec(
		`INSERT INTO students (student_name, university_roll_no) VALUES (?, ?)`,
		"Student "+univRoll, univRoll)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.Handle().Exec(
		`INSERT INTO enrollments (student_id, course_id, class_roll_id) VALUES (?, ?, ?)`,
		id, courseID, classRoll)
	require.NoError(t, err)
	return id
}

func TestStart_ComputesEndTimeWithGrace(t *testing.T) {
	m, _, clk, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")
	seedStudent(t, db, "U001", course, 1)

	res, err := m.Start(context.Background(), StartInput{
		CourseID: course, DurationMinutes: 60, Kind: KindOffline, Topic: "graphs",
	})
	require.NoError(t, err)

	assert.True(t, res.Session.Active)
	assert.Equal(t, clk.Now().UTC().Add(65*time.Minute), res.Session.EndTime)
	assert.Empty(t, res.Session.Token)
	assert.Empty(t, res.OTPCode)
	require.Len(t, res.Roster, 1)
	assert.Equal(t, "U001", res.Roster[0].UniversityRollNo)
}

func TestStart_OnlineIssuesTokenSeedAndCode(t *testing.T) {
	m, _, _, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")

	res, err := m.Start(context.Background(), StartInput{
		CourseID: course, DurationMinutes: 45, Kind: KindOnline,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Session.Token)
	assert.Len(t, res.Session.OTPSeed, 64)
	assert.Regexp(t, `^[0-9]{6}$`, res.OTPCode)

	got, err := m.ByToken(context.Background(), res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, got.ID)
}

func TestStart_DeactivatesPreviousActiveSession(t *testing.T) {
	m, _, _, db := newTestMachine(t)
	c1 := seedCourse(t, db, "CS101")
	c2 := seedCourse(t, db, "CS202")

	first, err := m.Start(context.Background(), StartInput{CourseID: c1, DurationMinutes: 60, Kind: KindOffline})
	require.NoError(t, err)
	second, err := m.Start(context.Background(), StartInput{CourseID: c2, DurationMinutes: 60, Kind: KindOffline})
	require.NoError(t, err)

	old, err := m.Get(context.Background(), first.Session.ID)
	require.NoError(t, err)
	assert.False(t, old.Active, "starting a session must deactivate the previous one, any course")

	active, err := m.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.Session.ID, active.ID)
}

func TestStart_RejectsBadInput(t *testing.T) {
	m, _, _, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")

	_, err := m.Start(context.Background(), StartInput{CourseID: course, DurationMinutes: 0, Kind: KindOffline})
	assert.Error(t, err)

	_, err = m.Start(context.Background(), StartInput{CourseID: course, DurationMinutes: 30, Kind: "hybrid"})
	assert.Error(t, err)
}

func TestCheckExpire(t *testing.T) {
	m, _, clk, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")

	res, err := m.Start(context.Background(), StartInput{CourseID: course, DurationMinutes: 30, Kind: KindOffline})
	require.NoError(t, err)
	id := res.Session.ID

	// At start: not expired, full duration + grace remaining.
	expired, remaining, err := m.CheckExpire(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, 35*60, remaining)

	// At exactly end_time: expires and persists inactive.
	clk.Advance(35 * time.Minute)
	expired, _, err = m.CheckExpire(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, expired)

	got, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, got.Active)

	// Idempotent on an already-inactive session.
	expired, _, err = m.CheckExpire(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, expired)

	_, _, err = m.CheckExpire(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtend(t *testing.T) {
	m, _, clk, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")

	res, err := m.Start(context.Background(), StartInput{CourseID: course, DurationMinutes: 30, Kind: KindOffline})
	require.NoError(t, err)
	id := res.Session.ID

	newEnd, err := m.Extend(context.Background(), id)
	require.NoError(t, err)
	assert.WithinDuration(t, res.Session.EndTime.Add(10*time.Minute), newEnd, 0)

	got, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.Active, "extension must not touch the active flag")

	// Not idempotent: a second call adds another ten minutes.
	newEnd2, err := m.Extend(context.Background(), id)
	require.NoError(t, err)
	assert.WithinDuration(t, newEnd.Add(10*time.Minute), newEnd2, 0)

	// Inactive sessions cannot be extended.
	clk.Advance(2 * time.Hour)
	_, err = m.Sweep(context.Background())
	require.NoError(t, err)
	_, err = m.Extend(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestEnd_ForcesEarlyTermination(t *testing.T) {
	m, _, clk, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")

	res, err := m.Start(context.Background(), StartInput{CourseID: course, DurationMinutes: 60, Kind: KindOffline})
	require.NoError(t, err)
	id := res.Session.ID

	clk.Advance(5 * time.Minute)
	require.NoError(t, m.End(context.Background(), id))

	got, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.WithinDuration(t, clk.Now().UTC(), got.EndTime, 0, "end time pinned to call time, earlier than scheduled")

	assert.ErrorIs(t, m.End(context.Background(), 9999), ErrNotFound)
}

func TestSweep_ClosesOnlyDueSessions(t *testing.T) {
	m, repo, clk, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")

	// A session already past its end, inserted directly so Start's
	// deactivate-all does not interfere.
	dueID, err := repo.Insert(context.Background(), Session{
		CourseID:  course,
		StartTime: clk.Now().Add(-2 * time.Hour),
		EndTime:   clk.Now().Add(-time.Hour),
		Active:    true,
		Kind:      KindOffline,
	})
	require.NoError(t, err)

	freshID, err := repo.Insert(context.Background(), Session{
		CourseID:  course,
		StartTime: clk.Now(),
		EndTime:   clk.Now().Add(time.Hour),
		Active:    true,
		Kind:      KindOffline,
	})
	require.NoError(t, err)

	closed, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, closed)

	due, err := m.Get(context.Background(), dueID)
	require.NoError(t, err)
	assert.False(t, due.Active)

	fresh, err := m.Get(context.Background(), freshID)
	require.NoError(t, err)
	assert.True(t, fresh.Active)

	// Idempotent: nothing left to close.
	closed, err = m.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, closed)
}

func TestLive_ReportsActiveFlagAndMarkedRolls(t *testing.T) {
	m, _, _, db := newTestMachine(t)
	course := seedCourse(t, db, "CS101")
	studentID := seedStudent(t, db, "U001", course, 1)

	res, err := m.Start(context.Background(), StartInput{CourseID: course, DurationMinutes: 30, Kind: KindOffline})
	require.NoError(t, err)

	live, err := m.Live(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.True(t, live.Active)
	assert.Empty(t, live.MarkedStudents)

	_, err = db.Handle().Exec(`
		INSERT INTO attendance_records (session_id, student_id, override_method)
		VALUES (?, ?, 'biometric')
	`, res.Session.ID, studentID)
	require.NoError(t, err)

	live, err = m.Live(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"U001"}, live.MarkedStudents)
}
