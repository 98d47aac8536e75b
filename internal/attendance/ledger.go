package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"classtrack/internal/clock"
	"classtrack/internal/metrics"
	"classtrack/internal/otp"
	"classtrack/internal/session"
)

// Ledger funnels every marking entry path - scanner, queue replay, manual
// override, online OTP, emergency bulk, retroactive correction - through the
// same gated insert.
type Ledger struct {
	repo     *Repository
	sessions *session.Repository
	clk      clock.Clock
}

// NewLedger creates a ledger over the record and session repositories.
func NewLedger(repo *Repository, sessions *session.Repository, clk clock.Clock) *Ledger {
	return &Ledger{repo: repo, sessions: sessions, clk: clk}
}

// MarkScanner records a biometric check-in against the currently active
// session, addressed by class roll id.
func (l *Ledger) MarkScanner(ctx context.Context, classRollID int64) error {
	return l.markActiveByRoll(ctx, classRollID, MethodBiometric)
}

// MarkQueued replays one entry from a scanner's offline queue. Same path as
// MarkScanner but tagged so reports can tell live scans from replays.
func (l *Ledger) MarkQueued(ctx context.Context, classRollID int64) error {
	return l.markActiveByRoll(ctx, classRollID, MethodBiometricQueue)
}

func (l *Ledger) markActiveByRoll(ctx context.Context, classRollID int64, method Method) error {
	active, err := l.sessions.Active(ctx)
	if err != nil {
		return l.counted(method, err)
	}
	studentID, err := l.repo.StudentByClassRoll(ctx, active.CourseID, classRollID)
	if err != nil {
		return l.counted(method, err)
	}
	return l.counted(method, l.repo.Insert(ctx, active.ID, studentID, method, "", l.clk.Now().UTC()))
}

// MarkManual records a teacher override against an explicit session. The
// audit reason is mandatory.
func (l *Ledger) MarkManual(ctx context.Context, sessionID int64, universityRoll, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	s, err := l.sessions.Get(ctx, sessionID)
	if err != nil {
		return l.counted(MethodTeacherManual, err)
	}
	if !s.Active {
		return l.counted(MethodTeacherManual, session.ErrNotActive)
	}
	studentID, err := l.enrolledStudent(ctx, s.CourseID, universityRoll)
	if err != nil {
		return l.counted(MethodTeacherManual, err)
	}
	err = l.repo.Insert(ctx, s.ID, studentID, MethodTeacherManual, reason, l.clk.Now().UTC())
	if err == nil {
		log.Printf("manual override - session: %d, student: %s, reason: %q", s.ID, universityRoll, reason)
	}
	return l.counted(MethodTeacherManual, err)
}

// MarkOnline records a self-service submission against the session addressed
// by token. The OTP must validate against the session seed (current or
// immediately previous window) before the student is even resolved.
func (l *Ledger) MarkOnline(ctx context.Context, token, universityRoll, code string) error {
	s, err := l.sessions.ByToken(ctx, token)
	if err != nil {
		return l.counted(MethodOnlineOTP, err)
	}
	if !s.Active {
		return l.counted(MethodOnlineOTP, session.ErrNotActive)
	}
	if !otp.Validate(s.OTPSeed, code, l.clk.Now(), otp.DefaultWindow) {
		return l.counted(MethodOnlineOTP, ErrInvalidOTP)
	}
	studentID, err := l.enrolledStudent(ctx, s.CourseID, universityRoll)
	if err != nil {
		return l.counted(MethodOnlineOTP, err)
	}
	return l.counted(MethodOnlineOTP, l.repo.Insert(ctx, s.ID, studentID, MethodOnlineOTP, "", l.clk.Now().UTC()))
}

// MarkEmergency records a corrective present or explicit-absent mark against
// the active session when the scanner is down. An explicit absent is a real
// record, distinct from absent-by-omission, and is excluded from present
// counts.
func (l *Ledger) MarkEmergency(ctx context.Context, universityRoll string, present bool, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	method := MethodEmergency
	if !present {
		method = MethodEmergencyAbsent
	}
	active, err := l.sessions.Active(ctx)
	if err != nil {
		return l.counted(method, err)
	}
	studentID, err := l.enrolledStudent(ctx, active.CourseID, universityRoll)
	if err != nil {
		return l.counted(method, err)
	}
	return l.counted(method, l.repo.Insert(ctx, active.ID, studentID, method, reason, l.clk.Now().UTC()))
}

// MarkRetroactive inserts a present record into a past session. The session
// need not be active: this is a correction, gated only by the mandatory
// audit reason.
func (l *Ledger) MarkRetroactive(ctx context.Context, sessionID int64, universityRoll, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	s, err := l.sessions.Get(ctx, sessionID)
	if err != nil {
		return l.counted(MethodRetroactive, err)
	}
	studentID, err := l.enrolledStudent(ctx, s.CourseID, universityRoll)
	if err != nil {
		return l.counted(MethodRetroactive, err)
	}
	err = l.repo.Insert(ctx, s.ID, studentID, MethodRetroactive, reason, l.clk.Now().UTC())
	if err == nil {
		log.Printf("retroactive mark - session: %d, student: %s, reason: %q", sessionID, universityRoll, reason)
	}
	return l.counted(MethodRetroactive, err)
}

// RemoveRetroactive deletes a previously inserted present record, converting
// the student back to absent-by-omission. Requires an audit reason.
func (l *Ledger) RemoveRetroactive(ctx context.Context, sessionID int64, universityRoll, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	studentID, _, err := l.repo.StudentByUniversityRoll(ctx, universityRoll)
	if err != nil {
		return err
	}
	if err := l.repo.Delete(ctx, sessionID, studentID); err != nil {
		return err
	}
	log.Printf("retroactive removal - session: %d, student: %s, reason: %q", sessionID, universityRoll, reason)
	return nil
}

// BulkMark replays a batch of class roll ids against the active session.
// Every outcome is independent: one bad id never aborts the rest, and
// already-marked ids count as successes so a device can replay its offline
// queue without per-item recovery.
func (l *Ledger) BulkMark(ctx context.Context, rollIDs []string) (BulkResult, error) {
	res := BulkResult{Failed: []string{}, Details: make(map[string]BulkOutcome, len(rollIDs))}

	active, err := l.sessions.Active(ctx)
	if err != nil {
		return res, err
	}
	now := l.clk.Now().UTC()

	for _, raw := range rollIDs {
		rollID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			res.Failed = append(res.Failed, raw)
			res.Details[raw] = OutcomeInvalidRollID
			continue
		}

		studentID, err := l.repo.StudentByClassRoll(ctx, active.CourseID, rollID)
		switch {
		case errors.Is(err, ErrNotEnrolled):
			res.Failed = append(res.Failed, raw)
			res.Details[raw] = OutcomeNotEnrolled
			continue
		case err != nil:
			res.Failed = append(res.Failed, raw)
			res.Details[raw] = OutcomeError
			log.Printf("bulk mark: roll %s lookup failed: %v", raw, err)
			continue
		}

		err = l.repo.Insert(ctx, active.ID, studentID, MethodBiometricQueue, "", now)
		switch {
		case errors.Is(err, ErrDuplicate):
			res.SuccessCount++
			res.Details[raw] = OutcomeAlreadyMarked
		case err != nil:
			res.Failed = append(res.Failed, raw)
			res.Details[raw] = OutcomeError
			log.Printf("bulk mark: roll %s insert failed: %v", raw, err)
		default:
			res.SuccessCount++
			res.Details[raw] = OutcomeSuccess
		}
	}

	metrics.Marks.WithLabelValues(string(MethodBiometricQueue), "bulk").Add(float64(res.SuccessCount))
	log.Printf("bulk mark complete - %d/%d successful", res.SuccessCount, len(rollIDs))
	return res, nil
}

// CountPresent returns the number of present records for a session.
func (l *Ledger) CountPresent(ctx context.Context, sessionID int64) (int, error) {
	return l.repo.CountPresent(ctx, sessionID)
}

// PresentStudentIDs returns the students marked present for a session.
func (l *Ledger) PresentStudentIDs(ctx context.Context, sessionID int64) ([]int64, error) {
	return l.repo.PresentStudentIDs(ctx, sessionID)
}

// StatusOf resolves the marking state of one (session, student) pair.
func (l *Ledger) StatusOf(ctx context.Context, sessionID, studentID int64) (Status, error) {
	return l.repo.StatusOf(ctx, sessionID, studentID)
}

// enrolledStudent resolves a university roll number to a student id and
// verifies enrollment on the course.
func (l *Ledger) enrolledStudent(ctx context.Context, courseID int64, universityRoll string) (int64, error) {
	studentID, _, err := l.repo.StudentByUniversityRoll(ctx, universityRoll)
	if err != nil {
		return 0, err
	}
	ok, err := l.repo.Enrolled(ctx, courseID, studentID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: student %s, course %d", ErrNotEnrolled, universityRoll, courseID)
	}
	return studentID, nil
}

func (l *Ledger) counted(method Method, err error) error {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		outcome = "duplicate"
	case errors.Is(err, ErrNotEnrolled):
		outcome = "not_enrolled"
	case errors.Is(err, ErrInvalidOTP):
		outcome = "invalid_otp"
	case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, session.ErrNotActive):
		outcome = "no_active_session"
	case errors.Is(err, ErrStudentNotFound), errors.Is(err, session.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	metrics.Marks.WithLabelValues(string(method), outcome).Inc()
	return err
}
