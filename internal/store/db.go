package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"attendcode/internal/apperrors"
	"attendcode/internal/attendance"
	"attendcode/internal/codes"
)

const (
	onePerDayIndex    = "attendance_records_one_per_day"
	devicePerDayIndex = "attendance_records_device_per_day"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults and applies the
// schema.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS classes (
		class_id    TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS students (
		student_id  TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		email       TEXT NOT NULL DEFAULT '',
		department  TEXT NOT NULL DEFAULT ''
	);
	ALTER TABLE students ADD COLUMN IF NOT EXISTS password_hash TEXT NOT NULL DEFAULT '';

	CREATE TABLE IF NOT EXISTS attendance_codes (
		class_id          TEXT PRIMARY KEY,
		code              TEXT NOT NULL,
		teacher_name      TEXT NOT NULL DEFAULT '',
		subject           TEXT NOT NULL DEFAULT '',
		department        TEXT NOT NULL DEFAULT '',
		duration_minutes  INT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		expiry_time       TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id                  TEXT PRIMARY KEY,
		student_id          TEXT NOT NULL,
		class_id            TEXT NOT NULL,
		date                TEXT NOT NULL,
		name                TEXT NOT NULL,
		email               TEXT NOT NULL DEFAULT '',
		subject             TEXT NOT NULL DEFAULT '',
		code                TEXT NOT NULL,
		teacher_name        TEXT NOT NULL DEFAULT '',
		department          TEXT NOT NULL DEFAULT '',
		marked_at           TIMESTAMPTZ NOT NULL,
		marked_via          TEXT NOT NULL,
		manual_entry        BOOLEAN NOT NULL DEFAULT FALSE,
		device_fingerprint  TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS attendance_records_one_per_day
		ON attendance_records (class_id, student_id, date) WHERE NOT manual_entry;
	CREATE UNIQUE INDEX IF NOT EXISTS attendance_records_device_per_day
		ON attendance_records (date, device_fingerprint) WHERE NOT manual_entry AND device_fingerprint <> '';
	CREATE INDEX IF NOT EXISTS attendance_records_class ON attendance_records (class_id, marked_at DESC);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

const codeColumns = `class_id, code, teacher_name, subject, department, duration_minutes, created_at, expiry_time`

// Put upserts the class's code in a single statement.
func (d *DB) Put(ctx context.Context, c codes.Code) error {
	_, err := d.Client.ExecContext(ctx, `
		INSERT INTO attendance_codes (`+codeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (class_id) DO UPDATE SET
			code = EXCLUDED.code,
			teacher_name = EXCLUDED.teacher_name,
			subject = EXCLUDED.subject,
			department = EXCLUDED.department,
			duration_minutes = EXCLUDED.duration_minutes,
			created_at = EXCLUDED.created_at,
			expiry_time = EXCLUDED.expiry_time
	`, c.ClassID, c.Code, c.TeacherName, c.Subject, c.Department, c.DurationMinutes, c.CreatedAt, c.ExpiryTime)
	return err
}

// Get returns the class's code record.
func (d *DB) Get(ctx context.Context, classID string) (*codes.Code, error) {
	row := d.Client.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM attendance_codes WHERE class_id = $1`, classID)
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every code record ordered by class id.
func (d *DB) List(ctx context.Context) ([]codes.Code, error) {
	rows, err := d.Client.QueryContext(ctx, `SELECT `+codeColumns+` FROM attendance_codes ORDER BY class_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []codes.Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete drops the class's code.
func (d *DB) Delete(ctx context.Context, classID string) error {
	_, err := d.Client.ExecContext(ctx, `DELETE FROM attendance_codes WHERE class_id = $1`, classID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCode(s scanner) (codes.Code, error) {
	var c codes.Code
	err := s.Scan(&c.ClassID, &c.Code, &c.TeacherName, &c.Subject, &c.Department, &c.DurationMinutes, &c.CreatedAt, &c.ExpiryTime)
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiryTime = c.ExpiryTime.UTC()
	return c, err
}

const recordColumns = `id, student_id, class_id, date, name, email, subject, code, teacher_name, department, marked_at, marked_via, manual_entry, device_fingerprint`

// Insert writes rec. The partial unique indexes enforce one student mark per
// class and day and one device per day.
func (d *DB) Insert(ctx context.Context, rec attendance.Record) error {
	_, err := d.Client.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, rec.ID, rec.StudentID, rec.ClassID, rec.Date, rec.Name, rec.Email, rec.Subject, rec.Code,
		rec.TeacherName, rec.Department, rec.Timestamp, rec.MarkedVia, rec.ManualEntry, rec.DeviceFingerprint)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case onePerDayIndex:
			return apperrors.ErrAlreadyMarked
		case devicePerDayIndex:
			return apperrors.ErrDeviceReused
		}
	}
	return err
}

// Latest returns the newest record for the class and student.
func (d *DB) Latest(ctx context.Context, classID, studentID string) (*attendance.Record, error) {
	row := d.Client.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE class_id = $1 AND student_id = $2
		ORDER BY marked_at DESC
		LIMIT 1
	`, classID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByClass returns the class's records, newest first.
func (d *DB) ListByClass(ctx context.Context, classID string) ([]attendance.Record, error) {
	rows, err := d.Client.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE class_id = $1
		ORDER BY marked_at DESC
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []attendance.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(s scanner) (attendance.Record, error) {
	var r attendance.Record
	err := s.Scan(&r.ID, &r.StudentID, &r.ClassID, &r.Date, &r.Name, &r.Email, &r.Subject, &r.Code,
		&r.TeacherName, &r.Department, &r.Timestamp, &r.MarkedVia, &r.ManualEntry, &r.DeviceFingerprint)
	r.Timestamp = r.Timestamp.UTC()
	return r, err
}

// Student looks up a roster entry.
func (d *DB) Student(ctx context.Context, studentID string) (*attendance.Student, error) {
	var s attendance.Student
	err := d.Client.QueryRowContext(ctx, `
		SELECT student_id, name, email, department, password_hash FROM students WHERE student_id = $1
	`, studentID).Scan(&s.ID, &s.Name, &s.Email, &s.Department, &s.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PutStudent upserts a roster entry.
func (d *DB) PutStudent(ctx context.Context, s attendance.Student) error {
	_, err := d.Client.ExecContext(ctx, `
		INSERT INTO students (student_id, name, email, department, password_hash)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (student_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			department = EXCLUDED.department,
			password_hash = EXCLUDED.password_hash
	`, s.ID, s.Name, s.Email, s.Department, s.PasswordHash)
	return err
}

// PutClass registers a class.
func (d *DB) PutClass(ctx context.Context, classID, name string) error {
	_, err := d.Client.ExecContext(ctx, `
		INSERT INTO classes (class_id, name) VALUES ($1,$2)
		ON CONFLICT (class_id) DO NOTHING
	`, classID, name)
	return err
}

// ClassExists reports whether classID is registered.
func (d *DB) ClassExists(ctx context.Context, classID string) (bool, error) {
	var exists bool
	err := d.Client.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM classes WHERE class_id = $1)`, classID).Scan(&exists)
	return exists, err
}
