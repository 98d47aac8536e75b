package store

// schemaSQL bootstraps the relational schema. Statements are idempotent so
// Open can run them on every start, including right after a snapshot
// replace.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS courses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	course_code TEXT NOT NULL UNIQUE,
	course_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS students (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	student_name TEXT NOT NULL,
	university_roll_no TEXT NOT NULL UNIQUE,
	email TEXT
);

CREATE TABLE IF NOT EXISTS enrollments (
	student_id INTEGER NOT NULL,
	course_id INTEGER NOT NULL,
	class_roll_id INTEGER NOT NULL,
	PRIMARY KEY (student_id, course_id),
	FOREIGN KEY (student_id) REFERENCES students (id) ON DELETE CASCADE,
	FOREIGN KEY (course_id) REFERENCES courses (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	course_id INTEGER NOT NULL,
	start_time DATETIME NOT NULL,
	end_time DATETIME,
	is_active BOOLEAN NOT NULL DEFAULT 0,
	session_type TEXT NOT NULL DEFAULT 'offline',
	topic TEXT,
	session_token TEXT UNIQUE,
	otp_seed TEXT,
	FOREIGN KEY (course_id) REFERENCES courses (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attendance_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	student_id INTEGER NOT NULL,
	timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	override_method TEXT NOT NULL,
	manual_reason TEXT,
	FOREIGN KEY (session_id) REFERENCES sessions (id) ON DELETE CASCADE,
	FOREIGN KEY (student_id) REFERENCES students (id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_attendance_session_student
	ON attendance_records (session_id, student_id);

CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions (is_active);
`
