// Package session owns the lifecycle of a class session: creation,
// extension, forced termination and expiry. A session is active from
// creation until its end time passes (plus the grace minutes baked into the
// end time) or a teacher ends it early.
package session

import (
	"errors"
	"time"
)

// Kind distinguishes scanner-room sessions from OTP-link sessions.
type Kind string

const (
	KindOffline Kind = "offline"
	KindOnline  Kind = "online"
)

const (
	// GracePeriod is added to the scheduled end time at creation so
	// stragglers can still be marked after the nominal duration.
	GracePeriod = 5 * time.Minute

	// Extension is the fixed amount added per extend call.
	Extension = 10 * time.Minute
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrNotActive       = errors.New("session is not active")
	ErrNoActiveSession = errors.New("no active session")
)

// Session is one scheduled or ongoing class meeting.
type Session struct {
	ID        int64
	CourseID  int64
	StartTime time.Time
	EndTime   time.Time
	Active    bool
	Kind      Kind
	Topic     string

	// Token and OTPSeed are set only for online sessions. The token is the
	// URL-safe handle students use to reach the session; the seed derives
	// the rotating attendance codes.
	Token   string
	OTPSeed string
}

// Enrollee is one student on a course roster.
type Enrollee struct {
	StudentID        int64  `json:"student_id"`
	ClassRollID      int64  `json:"class_roll_id"`
	StudentName      string `json:"student_name"`
	UniversityRollNo string `json:"university_roll_no"`
}
