package syncengine

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"classtrack/internal/metrics"
)

// onlineSession is an extracted replica-only session row. Times are carried
// as the stored text so reinsertion round-trips byte-identically and the
// equivalence match (course + start time + kind) compares like with like.
type onlineSession struct {
	id        int64
	courseID  int64
	startTime string
	endTime   sql.NullString
	isActive  bool
	topic     sql.NullString
	token     sql.NullString
	otpSeed   sql.NullString
}

type onlineRecord struct {
	sessionID int64
	studentID int64
	timestamp sql.NullString
	method    string
	reason    sql.NullString
}

// ImportAndMerge applies an incoming snapshot: validate, extract
// replica-only online data, back up, atomically replace the live file, then
// merge the extracted data back in under remapped session ids.
//
// The integrity check runs against a temp file before the live database is
// touched; a corrupt payload aborts with no state change.
func (e *Engine) ImportAndMerge(blob []byte) (MergeStats, error) {
	if len(blob) == 0 {
		return MergeStats{}, fmt.Errorf("%w: empty payload", ErrCorruptSnapshot)
	}

	tmp := e.db.Path() + ".sync_import"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return MergeStats{}, fmt.Errorf("write incoming snapshot: %w", err)
	}

	if err := validateSnapshot(tmp); err != nil {
		_ = os.Remove(tmp)
		return MergeStats{}, err
	}

	sessions, records, err := e.extractOnline()
	if err != nil {
		_ = os.Remove(tmp)
		return MergeStats{}, fmt.Errorf("extract online records: %w", err)
	}

	e.backupLive()

	if err := e.db.Replace(tmp); err != nil {
		_ = os.Remove(tmp)
		return MergeStats{}, err
	}
	log.Printf("sync: database imported (%d bytes)", len(blob))

	stats, err := e.reinsertOnline(sessions, records)
	if err != nil {
		return stats, fmt.Errorf("re-insert online records: %w", err)
	}
	metrics.SyncMerged.WithLabelValues("sessions").Add(float64(stats.Sessions))
	metrics.SyncMerged.WithLabelValues("attendance").Add(float64(stats.Attendance))
	return stats, nil
}

// validateSnapshot opens the candidate file and reads the schema catalog.
// Anything that is not a readable SQLite database is rejected here.
func validateSnapshot(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return nil
}

// extractOnline pulls every online session and its attendance records from
// the current (about-to-be-replaced) database. This is the data that exists
// only on the replica.
func (e *Engine) extractOnline() ([]onlineSession, []onlineRecord, error) {
	db := e.db.Handle()

	rows, err := db.Query(`
		SELECT id, course_id, start_time, end_time, is_active,
		       topic, session_token, otp_seed
		FROM sessions WHERE session_type = 'online'
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var sessions []onlineSession
	for rows.Next() {
		var s onlineSession
		if err := rows.Scan(&s.id, &s.courseID, &s.startTime, &s.endTime, &s.isActive,
			&s.topic, &s.token, &s.otpSeed); err != nil {
			return nil, nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(sessions) == 0 {
		return nil, nil, nil
	}

	var records []onlineRecord
	for _, s := range sessions {
		recRows, err := db.Query(`
			SELECT session_id, student_id, timestamp, override_method, manual_reason
			FROM attendance_records WHERE session_id = ?
		`, s.id)
		if err != nil {
			return nil, nil, err
		}
		for recRows.Next() {
			var r onlineRecord
			if err := recRows.Scan(&r.sessionID, &r.studentID, &r.timestamp, &r.method, &r.reason); err != nil {
				recRows.Close()
				return nil, nil, err
			}
			records = append(records, r)
		}
		if err := recRows.Err(); err != nil {
			recRows.Close()
			return nil, nil, err
		}
		recRows.Close()
	}

	log.Printf("sync: extracted %d online session(s) and %d attendance record(s) for merge",
		len(sessions), len(records))
	return sessions, records, nil
}

// reinsertOnline merges extracted rows into the freshly imported database.
// Old session ids key a per-merge map to their new ids; the map is never
// persisted. Records whose session mapping is missing, or whose
// (session, student) pair already arrived via the snapshot, are skipped.
func (e *Engine) reinsertOnline(sessions []onlineSession, records []onlineRecord) (MergeStats, error) {
	if len(sessions) == 0 {
		return MergeStats{}, nil
	}

	db := e.db.Handle()

	// The snapshot may not carry every row these references point at;
	// reinsertion is best-effort preservation, not referential repair.
	if _, err := db.Exec(`PRAGMA foreign_keys = OFF`); err != nil {
		return MergeStats{}, err
	}
	defer func() {
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			log.Printf("sync: re-enable foreign keys failed: %v", err)
		}
	}()

	var stats MergeStats
	oldToNew := make(map[int64]int64, len(sessions))

	for _, s := range sessions {
		var existing int64
		err := db.QueryRow(`
			SELECT id FROM sessions
			WHERE course_id = ? AND start_time = ? AND session_type = 'online'
		`, s.courseID, s.startTime).Scan(&existing)
		switch err {
		case nil:
			// Equivalent session already arrived via the snapshot.
			oldToNew[s.id] = existing
			continue
		case sql.ErrNoRows:
		default:
			return stats, err
		}

		res, err := db.Exec(`
			INSERT INTO sessions (course_id, start_time, end_time, is_active, session_type, topic, session_token, otp_seed)
			VALUES (?, ?, ?, ?, 'online', ?, ?, ?)
		`, s.courseID, s.startTime, s.endTime, s.isActive, s.topic, s.token, s.otpSeed)
		if err != nil {
			return stats, err
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return stats, err
		}
		oldToNew[s.id] = newID
		stats.Sessions++
	}

	for _, r := range records {
		newID, ok := oldToNew[r.sessionID]
		if !ok {
			continue
		}
		var existing int64
		err := db.QueryRow(`
			SELECT id FROM attendance_records WHERE session_id = ? AND student_id = ?
		`, newID, r.studentID).Scan(&existing)
		switch err {
		case nil:
			continue
		case sql.ErrNoRows:
		default:
			return stats, err
		}

		if _, err := db.Exec(`
			INSERT INTO attendance_records (session_id, student_id, timestamp, override_method, manual_reason)
			VALUES (?, ?, COALESCE(?, CURRENT_TIMESTAMP), ?, ?)
		`, newID, r.studentID, r.timestamp, r.method, r.reason); err != nil {
			return stats, err
		}
		stats.Attendance++
	}

	log.Printf("sync: re-inserted %d online session(s) and %d attendance record(s)",
		stats.Sessions, stats.Attendance)
	return stats, nil
}

// backupLive copies the current database to a sibling path before the
// overwrite. Best effort; failure is logged, not fatal.
func (e *Engine) backupLive() {
	src, err := os.Open(e.db.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("sync: pre-import backup skipped: %v", err)
		}
		return
	}
	defer src.Close()

	dst, err := os.Create(e.db.Path() + ".pre_sync_backup")
	if err != nil {
		log.Printf("sync: pre-import backup failed: %v", err)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		log.Printf("sync: pre-import backup failed: %v", err)
	}
}
