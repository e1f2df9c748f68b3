package codes

import (
	"context"
	"regexp"
	"time"

	"attendcode/internal/clock"
)

// Code is the active attendance code for one class.
type Code struct {
	Code            string    `json:"code"`
	ClassID         string    `json:"classId"`
	TeacherName     string    `json:"teacherName"`
	Subject         string    `json:"subject"`
	Department      string    `json:"department,omitempty"`
	DurationMinutes int       `json:"durationMinutes"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiryTime      time.Time `json:"expiryTime"`
}

// ExpiredAt reports whether the code is dead at now.
func (c Code) ExpiredAt(now time.Time) bool {
	return clock.Expired(now, c.ExpiryTime)
}

// Remaining returns the time left at now.
func (c Code) Remaining(now time.Time) time.Duration {
	return clock.Remaining(now, c.ExpiryTime)
}

// Store holds at most one code record per class. Put must replace any
// previous record for the class atomically.
type Store interface {
	Put(ctx context.Context, code Code) error
	Get(ctx context.Context, classID string) (*Code, error)
	List(ctx context.Context) ([]Code, error)
	Delete(ctx context.Context, classID string) error
}

// ClassDirectory answers whether a class id is known. Optional.
type ClassDirectory interface {
	ClassExists(ctx context.Context, classID string) (bool, error)
}

const (
	MinDuration = 1
	MaxDuration = 5
	codeLength  = 6
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidFormat reports whether s looks like an attendance code.
func ValidFormat(s string) bool {
	return codePattern.MatchString(s)
}
