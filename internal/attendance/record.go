package attendance

import (
	"context"
	"time"
)

// MarkedVia values.
const (
	ViaCaptivePortal    = "captive-portal"
	ViaWeb              = "web"
	ViaTeacherDashboard = "teacher-dashboard"
)

// DateLayout is the calendar-day format of Record.Date.
const DateLayout = "2006-01-02"

// Record is one persisted attendance mark.
type Record struct {
	ID                string    `json:"id"`
	StudentID         string    `json:"studentId"`
	ClassID           string    `json:"classId"`
	Date              string    `json:"date"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Subject           string    `json:"subject"`
	Code              string    `json:"code"`
	TeacherName       string    `json:"teacherName"`
	Department        string    `json:"department,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	MarkedVia         string    `json:"markedVia"`
	ManualEntry       bool      `json:"manualEntry"`
	DeviceFingerprint string    `json:"-"`
}

// Student is a roster entry.
type Student struct {
	ID         string `json:"studentId"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Department string `json:"department,omitempty"`
	// PasswordHash is a bcrypt hash; it never leaves the store.
	PasswordHash string `json:"-"`
}

// RecordStore persists records. Insert must be a conditional write: when
// rec is not manual and a non-manual record for (ClassID, StudentID, Date)
// exists it returns apperrors.ErrAlreadyMarked, and when the device
// fingerprint was already used on Date it returns apperrors.ErrDeviceReused.
// Neither case may modify stored data.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
	Latest(ctx context.Context, classID, studentID string) (*Record, error)
	ListByClass(ctx context.Context, classID string) ([]Record, error)
}

// Roster looks up students. A missing student is (nil, nil).
type Roster interface {
	Student(ctx context.Context, studentID string) (*Student, error)
}

// Captures consumes a one-shot face capture for a student. SaveCapture
// puts one back when the mark that consumed it is rejected.
type Captures interface {
	Consume(ctx context.Context, captureID, studentID string) (bool, error)
	SaveCapture(ctx context.Context, captureID, studentID string, ttl time.Duration) error
}
