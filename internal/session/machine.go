package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/clock"
	"classtrack/internal/metrics"
	"classtrack/internal/otp"
)

// Machine coordinates session lifecycle transitions.
type Machine struct {
	repo *Repository
	clk  clock.Clock
}

// NewMachine creates a machine over the repository.
func NewMachine(repo *Repository, clk clock.Clock) *Machine {
	return &Machine{repo: repo, clk: clk}
}

// StartInput describes a session to open.
type StartInput struct {
	CourseID        int64
	DurationMinutes int
	Kind            Kind
	Topic           string
}

// StartResult is returned to the teacher dashboard. OTPCode is the first
// rotating code, set only for online sessions.
type StartResult struct {
	Session Session
	Roster  []Enrollee
	OTPCode string
}

// Start opens a new active session.
//
// Any other active session, for any course and of any kind, is deactivated
// first with its end time stamped to now: there is one scanner device, so
// exactly one session system-wide is "the" active one, last writer wins.
// Online sessions follow the same lifecycle and are additionally reachable
// by token.
func (m *Machine) Start(ctx context.Context, in StartInput) (StartResult, error) {
	if in.DurationMinutes <= 0 {
		return StartResult{}, fmt.Errorf("duration must be positive, got %d", in.DurationMinutes)
	}
	if in.Kind != KindOffline && in.Kind != KindOnline {
		return StartResult{}, fmt.Errorf("unknown session kind %q", in.Kind)
	}

	now := m.clk.Now().UTC()
	closed, err := m.repo.DeactivateAll(ctx, now)
	if err != nil {
		return StartResult{}, fmt.Errorf("deactivate previous sessions: %w", err)
	}
	if closed > 0 {
		log.Printf("session start: deactivated %d previously active session(s)", closed)
	}

	s := Session{
		CourseID:  in.CourseID,
		StartTime: now,
		EndTime:   now.Add(time.Duration(in.DurationMinutes)*time.Minute + GracePeriod),
		Active:    true,
		Kind:      in.Kind,
		Topic:     in.Topic,
	}

	var firstCode string
	if in.Kind == KindOnline {
		seed, err := otp.NewSeed()
		if err != nil {
			return StartResult{}, err
		}
		s.Token = uuid.NewString()
		s.OTPSeed = seed
		firstCode = otp.Generate(seed, now, otp.DefaultWindow)
	}

	id, err := m.repo.Insert(ctx, s)
	if err != nil {
		return StartResult{}, fmt.Errorf("insert session: %w", err)
	}
	s.ID = id

	roster, err := m.repo.Roster(ctx, in.CourseID)
	if err != nil {
		return StartResult{}, fmt.Errorf("load roster: %w", err)
	}

	log.Printf("session started - id: %d, course: %d, kind: %s, ends: %s",
		s.ID, s.CourseID, s.Kind, s.EndTime.Format(time.RFC3339))
	return StartResult{Session: s, Roster: roster, OTPCode: firstCode}, nil
}

// Extend pushes the session end time forward by the fixed extension. Not
// idempotent: every call adds another extension.
func (m *Machine) Extend(ctx context.Context, id int64) (time.Time, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if !s.Active {
		return time.Time{}, ErrNotActive
	}
	newEnd := s.EndTime.Add(Extension)
	if err := m.repo.SetEndTime(ctx, id, newEnd); err != nil {
		return time.Time{}, err
	}
	log.Printf("session extended - id: %d, new end: %s", id, newEnd.Format(time.RFC3339))
	return newEnd, nil
}

// End terminates a session immediately, pinning end time to now even when
// that is earlier than the scheduled end. Always honored.
func (m *Machine) End(ctx context.Context, id int64) error {
	if _, err := m.repo.Get(ctx, id); err != nil {
		return err
	}
	now := m.clk.Now().UTC()
	if err := m.repo.ForceEnd(ctx, id, now); err != nil {
		return err
	}
	metrics.SessionsExpired.WithLabelValues("ended").Inc()
	log.Printf("session ended - id: %d, at: %s", id, now.Format(time.RFC3339))
	return nil
}

// CheckExpire expires the session if its end time has passed. Called by the
// dashboard when its countdown reaches zero. Idempotent: an already-inactive
// session reports expired with no write.
func (m *Machine) CheckExpire(ctx context.Context, id int64) (expired bool, secondsRemaining int, err error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, 0, err
	}
	if !s.Active {
		return true, 0, nil
	}

	now := m.clk.Now().UTC()
	if !now.Before(s.EndTime) {
		if err := m.repo.Expire(ctx, id); err != nil {
			return false, 0, err
		}
		metrics.SessionsExpired.WithLabelValues("countdown").Inc()
		log.Printf("session expired by countdown check - id: %d", id)
		return true, 0, nil
	}
	return false, int(s.EndTime.Sub(now).Seconds()), nil
}

// Sweep closes every active session past its end time. Backup mechanism for
// clients that went offline before their countdown fired; safe to run
// concurrently with CheckExpire and End since all three only ever write
// active=false.
func (m *Machine) Sweep(ctx context.Context) (int64, error) {
	closed, err := m.repo.ExpireDue(ctx, m.clk.Now().UTC())
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		metrics.SessionsExpired.WithLabelValues("sweep").Add(float64(closed))
		log.Printf("auto-expire sweep closed %d session(s)", closed)
	}
	return closed, nil
}

// RunSweeper runs Sweep on the interval until ctx is cancelled.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("auto-expire sweeper started (interval: %s)", interval)
	for {
		select {
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("auto-expire sweep failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("auto-expire sweeper stopped")
			return
		}
	}
}

// LiveStatus is the dashboard poll payload.
type LiveStatus struct {
	Active         bool     `json:"session_active"`
	MarkedStudents []string `json:"marked_students"`
}

// Live returns whether the session is still active plus the roll numbers
// marked present so far.
func (m *Machine) Live(ctx context.Context, id int64) (LiveStatus, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return LiveStatus{}, err
	}
	marked, err := m.repo.PresentRollNumbers(ctx, id)
	if err != nil {
		return LiveStatus{}, err
	}
	if marked == nil {
		marked = []string{}
	}
	return LiveStatus{Active: s.Active, MarkedStudents: marked}, nil
}

// Get exposes session lookup to the HTTP layer.
func (m *Machine) Get(ctx context.Context, id int64) (Session, error) {
	return m.repo.Get(ctx, id)
}

// ByToken exposes token lookup for the online attendance page.
func (m *Machine) ByToken(ctx context.Context, token string) (Session, error) {
	return m.repo.ByToken(ctx, token)
}

// Active exposes the global active-session lookup for the scanner poll.
func (m *Machine) Active(ctx context.Context) (Session, error) {
	return m.repo.Active(ctx)
}
