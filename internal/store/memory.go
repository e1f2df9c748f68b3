package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendcode/internal/apperrors"
	"attendcode/internal/attendance"
	"attendcode/internal/clock"
	"attendcode/internal/codes"
)

// Memory implements every store interface in process. It backs tests and
// single-node development setups.
type Memory struct {
	mu       sync.RWMutex
	codes    map[string]codes.Code
	records  map[string][]attendance.Record
	students map[string]attendance.Student
	classes  map[string]bool
	captures map[string]memCapture
	clock    clock.Clock
}

type memCapture struct {
	studentID string
	expires   time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{
		codes:    make(map[string]codes.Code),
		records:  make(map[string][]attendance.Record),
		students: make(map[string]attendance.Student),
		classes:  make(map[string]bool),
		captures: make(map[string]memCapture),
		clock:    clk,
	}
}

// Put replaces the class's code.
func (m *Memory) Put(ctx context.Context, code codes.Code) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.codes[code.ClassID] = code
	m.mu.Unlock()
	return nil
}

// Get returns the class's code record, expired or not.
func (m *Memory) Get(ctx context.Context, classID string) (*codes.Code, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.codes[classID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// List returns all code records ordered by class id.
func (m *Memory) List(ctx context.Context) ([]codes.Code, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]codes.Code, 0, len(m.codes))
	for _, c := range m.codes {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClassID < out[j].ClassID })
	return out, nil
}

// Delete drops the class's code.
func (m *Memory) Delete(ctx context.Context, classID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.codes, classID)
	m.mu.Unlock()
	return nil
}

// Insert stores rec after the same-day and device checks.
func (m *Memory) Insert(ctx context.Context, rec attendance.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(rec.ClassID, rec.StudentID)
	if !rec.ManualEntry {
		for _, existing := range m.records[key] {
			if existing.Date == rec.Date && !existing.ManualEntry {
				return apperrors.ErrAlreadyMarked
			}
		}
		if rec.DeviceFingerprint != "" {
			for _, list := range m.records {
				for _, existing := range list {
					if existing.DeviceFingerprint == rec.DeviceFingerprint && existing.Date == rec.Date {
						return apperrors.ErrDeviceReused
					}
				}
			}
		}
	}
	m.records[key] = append(m.records[key], rec)
	return nil
}

// Latest returns the newest record for the class and student.
func (m *Memory) Latest(ctx context.Context, classID, studentID string) (*attendance.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.records[recordKey(classID, studentID)]
	if len(list) == 0 {
		return nil, nil
	}
	rec := list[len(list)-1]
	return &rec, nil
}

// ListByClass returns the class's records, newest first.
func (m *Memory) ListByClass(ctx context.Context, classID string) ([]attendance.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []attendance.Record
	for _, list := range m.records {
		for _, rec := range list {
			if rec.ClassID == classID {
				out = append(out, rec)
			}
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

// AddStudent seeds the roster.
func (m *Memory) AddStudent(s attendance.Student) {
	m.mu.Lock()
	m.students[s.ID] = s
	m.mu.Unlock()
}

// Student looks up a roster entry.
func (m *Memory) Student(ctx context.Context, studentID string) (*attendance.Student, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[studentID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// AddClass registers a class id for ClassExists.
func (m *Memory) AddClass(classID string) {
	m.mu.Lock()
	m.classes[classID] = true
	m.mu.Unlock()
}

// ClassExists reports whether classID was registered.
func (m *Memory) ClassExists(ctx context.Context, classID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.classes[classID], nil
}

// SaveCapture remembers a capture for ttl.
func (m *Memory) SaveCapture(ctx context.Context, captureID, studentID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.captures[captureID] = memCapture{studentID: studentID, expires: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Consume deletes the capture and reports whether it was live and
// belonged to studentID.
func (m *Memory) Consume(ctx context.Context, captureID, studentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[captureID]
	delete(m.captures, captureID)
	if !ok || m.clock.Now().After(c.expires) {
		return false, nil
	}
	return c.studentID == studentID, nil
}

func recordKey(classID, studentID string) string {
	return classID + "/" + studentID
}

func sortNewestFirst(recs []attendance.Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
}
