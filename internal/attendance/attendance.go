// Package attendance owns the append-only presence ledger: one record per
// (session, student), tagged with the method that produced it.
package attendance

import "errors"

// Method tags how a record was produced.
type Method string

const (
	MethodBiometric       Method = "biometric"
	MethodBiometricQueue  Method = "biometric_queue"
	MethodTeacherManual   Method = "teacher_manual"
	MethodOnlineOTP       Method = "online_otp"
	MethodEmergency       Method = "emergency_mode"
	MethodEmergencyAbsent Method = "emergency_mode_absent"
	MethodRetroactive     Method = "retroactive_manual"
)

var (
	// ErrDuplicate means the (session, student) pair already has a record.
	// Single-mark callers treat it as a rejection; bulk and queue-replay
	// callers fold it into success.
	ErrDuplicate = errors.New("attendance already recorded")

	ErrNotEnrolled     = errors.New("student not enrolled in course")
	ErrStudentNotFound = errors.New("student not found")
	ErrInvalidOTP      = errors.New("invalid otp code")
	ErrReasonRequired  = errors.New("reason is required")
	ErrRecordNotFound  = errors.New("attendance record not found")
)

// MarkState distinguishes the three per-student outcomes for a session:
// no record at all, a present record, or an explicit absent record.
type MarkState int

const (
	Unmarked MarkState = iota
	Present
	ExplicitlyAbsent
)

// Status is the resolved state of one (session, student) pair.
type Status struct {
	State  MarkState
	Method Method // set when State != Unmarked
	Reason string // set for explicit-absent and manual methods
}

// BulkOutcome is the per-roll-id result of a bulk mark.
type BulkOutcome string

const (
	OutcomeSuccess       BulkOutcome = "success"
	OutcomeAlreadyMarked BulkOutcome = "already_marked"
	OutcomeNotEnrolled   BulkOutcome = "not_enrolled"
	OutcomeInvalidRollID BulkOutcome = "invalid_roll_id"
	OutcomeError         BulkOutcome = "error"
)

// BulkResult reports a bulk mark. Already-marked entries count as successes
// since queue replays must be idempotent.
type BulkResult struct {
	SuccessCount int                    `json:"success_count"`
	Failed       []string               `json:"failed"`
	Details      map[string]BulkOutcome `json:"details"`
}
