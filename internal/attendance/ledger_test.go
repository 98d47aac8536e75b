package attendance

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/clock"
	"classtrack/internal/otp"
	"classtrack/internal/session"
	"classtrack/internal/store"
)

type fixture struct {
	ledger  *Ledger
	machine *session.Machine
	clk     *clock.Fake
	db      *store.DB
	course  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sessions := session.NewRepository(db)
	f := &fixture{
		ledger:  NewLedger(NewRepository(db), sessions, clk),
		machine: session.NewMachine(sessions, clk),
		clk:     clk,
		db:      db,
	}
	f.course = f.seedCourse(t, "CS101")
	return f
}

func (f *fixture) seedCourse(t *testing.T, code string) int64 {
	t.Helper()
	res, err := f.db.Handle().Exec(
		`INSERT INTO courses (course_code, course_name) VALUES (?, ?)`, code, code+" name")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func (f *fixture) seedStudent(t *testing.T, univRoll string, courseID, classRoll int64) int64 {
	t.Helper()
	res, err := f.db.Handle().Exec(
		`INSERT INTO students (student_name, university_roll_no) VALUES (?, ?)`,
		"Student "+univRoll, univRoll)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = f.db.Handle().Exec(
		`INSERT INTO enrollments (student_id, course_id, class_roll_id) VALUES (?, ?, ?)`,
		id, courseID, classRoll)
	require.NoError(t, err)
	return id
}

func (f *fixture) startSession(t *testing.T, kind session.Kind) session.StartResult {
	t.Helper()
	res, err := f.machine.Start(context.Background(), session.StartInput{
		CourseID: f.course, DurationMinutes: 60, Kind: kind,
	})
	require.NoError(t, err)
	return res
}

func TestMarkScanner_NoActiveSession(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)

	err := f.ledger.MarkScanner(context.Background(), 1)
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	var n int
	require.NoError(t, f.db.Handle().QueryRow(`SELECT COUNT(*) FROM attendance_records`).Scan(&n))
	assert.Zero(t, n, "a rejected mark must insert nothing")
}

func TestMarkScanner_SuccessThenDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)
	s := f.startSession(t, session.KindOffline)

	require.NoError(t, f.ledger.MarkScanner(context.Background(), 1))
	assert.ErrorIs(t, f.ledger.MarkScanner(context.Background(), 1), ErrDuplicate)

	count, err := f.ledger.CountPresent(context.Background(), s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkScanner_NotEnrolled(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, session.KindOffline)

	assert.ErrorIs(t, f.ledger.MarkScanner(context.Background(), 42), ErrNotEnrolled)
}

func TestConcurrentMarks_ExactlyOneRecord(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)
	s := f.startSession(t, session.KindOffline)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.ledger.MarkScanner(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	success, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case assert.ErrorIs(t, err, ErrDuplicate):
			dup++
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, dup)

	count, err := f.ledger.CountPresent(context.Background(), s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkManual(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)
	s := f.startSession(t, session.KindOffline)
	ctx := context.Background()

	assert.ErrorIs(t, f.ledger.MarkManual(ctx, s.Session.ID, "U001", "  "), ErrReasonRequired)
	assert.ErrorIs(t, f.ledger.MarkManual(ctx, s.Session.ID, "U404", "late scan"), ErrStudentNotFound)

	require.NoError(t, f.ledger.MarkManual(ctx, s.Session.ID, "U001", "scanner missed finger"))

	st, err := f.ledger.StatusOf(ctx, s.Session.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, Present, st.State)
	assert.Equal(t, MethodTeacherManual, st.Method)
	assert.Equal(t, "scanner missed finger", st.Reason)

	// Ended sessions reject manual marks.
	require.NoError(t, f.machine.End(ctx, s.Session.ID))
	f.seedStudent(t, "U002", f.course, 2)
	assert.ErrorIs(t, f.ledger.MarkManual(ctx, s.Session.ID, "U002", "reason"), session.ErrNotActive)
}

func TestMarkOnline(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)
	f.seedStudent(t, "U002", f.course, 2)
	s := f.startSession(t, session.KindOnline)
	ctx := context.Background()

	assert.ErrorIs(t, f.ledger.MarkOnline(ctx, "nope", "U001", s.OTPCode), session.ErrNotFound)
	assert.ErrorIs(t, f.ledger.MarkOnline(ctx, s.Session.Token, "U001", "999999x"), ErrInvalidOTP)

	require.NoError(t, f.ledger.MarkOnline(ctx, s.Session.Token, "U001", s.OTPCode))
	assert.ErrorIs(t, f.ledger.MarkOnline(ctx, s.Session.Token, "U001", s.OTPCode), ErrDuplicate)

	// The code from the previous window stays valid across one rotation,
	// then expires.
	f.clk.Advance(otp.DefaultWindow)
	require.NoError(t, f.ledger.MarkOnline(ctx, s.Session.Token, "U002", s.OTPCode))

	f.seedStudent(t, "U003", f.course, 3)
	f.clk.Advance(otp.DefaultWindow)
	err := f.ledger.MarkOnline(ctx, s.Session.Token, "U003", s.OTPCode)
	assert.ErrorIs(t, err, ErrInvalidOTP, "codes two windows old must be rejected")
}

func TestMarkEmergency_ExplicitAbsentExcludedFromPresent(t *testing.T) {
	f := newFixture(t)
	present := f.seedStudent(t, "U001", f.course, 1)
	absent := f.seedStudent(t, "U002", f.course, 2)
	unmarked := f.seedStudent(t, "U003", f.course, 3)
	s := f.startSession(t, session.KindOffline)
	ctx := context.Background()

	require.NoError(t, f.ledger.MarkEmergency(ctx, "U001", true, "scanner down"))
	require.NoError(t, f.ledger.MarkEmergency(ctx, "U002", false, "confirmed absent"))
	assert.ErrorIs(t, f.ledger.MarkEmergency(ctx, "U001", true, ""), ErrReasonRequired)

	count, err := f.ledger.CountPresent(ctx, s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ids, err := f.ledger.PresentStudentIDs(ctx, s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{present}, ids)

	// The three states are distinguishable.
	st, err := f.ledger.StatusOf(ctx, s.Session.ID, absent)
	require.NoError(t, err)
	assert.Equal(t, ExplicitlyAbsent, st.State)
	assert.Equal(t, "confirmed absent", st.Reason)

	st, err = f.ledger.StatusOf(ctx, s.Session.ID, unmarked)
	require.NoError(t, err)
	assert.Equal(t, Unmarked, st.State)

	// Explicit absent still occupies the pair: no second record.
	assert.ErrorIs(t, f.ledger.MarkEmergency(ctx, "U002", true, "changed mind"), ErrDuplicate)
}

func TestRetroactive_MarkAndRemove(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)
	s := f.startSession(t, session.KindOffline)
	ctx := context.Background()

	// Retroactive corrections apply to ended sessions.
	require.NoError(t, f.machine.End(ctx, s.Session.ID))

	assert.ErrorIs(t, f.ledger.MarkRetroactive(ctx, s.Session.ID, "U001", ""), ErrReasonRequired)
	require.NoError(t, f.ledger.MarkRetroactive(ctx, s.Session.ID, "U001", "was in the lab"))

	count, err := f.ledger.CountPresent(ctx, s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, f.ledger.RemoveRetroactive(ctx, s.Session.ID, "U001", ""), ErrReasonRequired)
	require.NoError(t, f.ledger.RemoveRetroactive(ctx, s.Session.ID, "U001", "entered in error"))

	count, err = f.ledger.CountPresent(ctx, s.Session.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.ErrorIs(t, f.ledger.RemoveRetroactive(ctx, s.Session.ID, "U001", "again"), ErrRecordNotFound)
}

func TestBulkMark_IndependentOutcomes(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)
	f.seedStudent(t, "U002", f.course, 2)
	s := f.startSession(t, session.KindOffline)
	ctx := context.Background()

	// Pre-mark roll 1 so the batch replays it.
	require.NoError(t, f.ledger.MarkScanner(ctx, 1))

	res, err := f.ledger.BulkMark(ctx, []string{"1", "2", "88", "abc"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.SuccessCount, "already-marked counts as success")
	assert.Equal(t, OutcomeAlreadyMarked, res.Details["1"])
	assert.Equal(t, OutcomeSuccess, res.Details["2"])
	assert.Equal(t, OutcomeNotEnrolled, res.Details["88"])
	assert.Equal(t, OutcomeInvalidRollID, res.Details["abc"])
	assert.ElementsMatch(t, []string{"88", "abc"}, res.Failed)

	count, err := f.ledger.CountPresent(ctx, s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBulkMark_NoActiveSession(t *testing.T) {
	f := newFixture(t)
	f.seedStudent(t, "U001", f.course, 1)

	_, err := f.ledger.BulkMark(context.Background(), []string{"1"})
	assert.ErrorIs(t, err, session.ErrNoActiveSession)
}
