package attendance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendcode/internal/apperrors"
	"attendcode/internal/clock"
	"attendcode/internal/codes"
	"attendcode/internal/logger"
	"attendcode/internal/metrics"
	"attendcode/internal/portal"
)

// MarkRequest is a student's attempt to mark attendance.
type MarkRequest struct {
	StudentID  string
	Password   string
	Session    codes.Session
	ClientAddr string
	UserAgent  string
	CaptureID  string
}

// ManualRequest is a teacher-entered record.
type ManualRequest struct {
	ClassID     string
	StudentID   string
	Name        string
	Subject     string
	TeacherName string
	Department  string
}

// Outcome is a persisted record plus the result of the access grant.
type Outcome struct {
	Record        Record `json:"record"`
	AccessGranted bool   `json:"accessGranted"`
}

// Options tune a Recorder.
type Options struct {
	Clock        clock.Clock
	Location     *time.Location
	StoreTimeout time.Duration
	GrantTimeout time.Duration
	// Captures is optional; without it capture ids are ignored.
	Captures Captures
	// CaptureTTL is the lifetime given back to a capture when the mark
	// that consumed it is rejected.
	CaptureTTL time.Duration
}

// Recorder writes at most one non-manual record per class, student and day.
type Recorder struct {
	records  RecordStore
	roster   Roster
	codes    codes.Store
	granter  portal.Granter
	captures Captures
	clock    clock.Clock
	loc      *time.Location
	timeout  time.Duration
	grantTTL time.Duration
	capTTL   time.Duration
	locks    *keyLock
}

// NewRecorder wires a recorder. granter may be nil.
func NewRecorder(records RecordStore, roster Roster, codeStore codes.Store, granter portal.Granter, opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.GrantTimeout <= 0 {
		opts.GrantTimeout = 2 * time.Second
	}
	if opts.CaptureTTL <= 0 {
		opts.CaptureTTL = 10 * time.Minute
	}
	if granter == nil {
		granter = portal.NopGranter{}
	}
	return &Recorder{
		records:  records,
		roster:   roster,
		codes:    codeStore,
		granter:  granter,
		captures: opts.Captures,
		clock:    opts.Clock,
		loc:      opts.Location,
		timeout:  opts.StoreTimeout,
		grantTTL: opts.GrantTimeout,
		capTTL:   opts.CaptureTTL,
		locks:    newKeyLock(),
	}
}

// Mark records attendance for req.StudentID under req.Session.
func (r *Recorder) Mark(ctx context.Context, req MarkRequest) (Outcome, error) {
	via := string(req.Session.Mode)
	if via == "" {
		via = ViaWeb
	}
	out, err := r.mark(ctx, req)
	metrics.Marks.WithLabelValues(apperrors.CodeOrOK(err), via).Inc()
	return out, err
}

func (r *Recorder) mark(ctx context.Context, req MarkRequest) (Outcome, error) {
	studentID := normalizeStudentID(req.StudentID)
	session := req.Session.Code
	if studentID == "" || session.ClassID == "" || session.Code == "" {
		return Outcome{}, apperrors.ErrMissingField
	}

	unlock := r.locks.Lock(session.ClassID + "\x00" + studentID)
	defer unlock()

	storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.revalidate(storeCtx, session); err != nil {
		return Outcome{}, err
	}

	student, err := r.roster.Student(storeCtx, studentID)
	if err != nil {
		return Outcome{}, apperrors.Store(err, apperrors.ErrStoreUnavailable)
	}
	if student == nil {
		return Outcome{}, apperrors.ErrUnknownStudent
	}
	if err := checkPassword(student, req.Password); err != nil {
		return Outcome{}, err
	}

	now := r.clock.Now()
	today := r.day(now)

	existing, err := r.records.Latest(storeCtx, session.ClassID, studentID)
	if err != nil {
		return Outcome{}, apperrors.Store(err, apperrors.ErrStoreUnavailable)
	}
	if existing != nil && existing.Date == today && !existing.ManualEntry {
		return Outcome{}, apperrors.ErrAlreadyMarked
	}

	consumed := false
	if req.CaptureID != "" && r.captures != nil {
		ok, err := r.captures.Consume(storeCtx, req.CaptureID, studentID)
		if err != nil {
			return Outcome{}, apperrors.Store(err, apperrors.ErrStoreUnavailable)
		}
		if !ok {
			return Outcome{}, apperrors.ErrCaptureMismatch
		}
		consumed = true
	}

	// Devices are only identifiable on the gateway network; on the open
	// web many students share one NAT address.
	via, fp := ViaWeb, ""
	if req.Session.IsPortalMode {
		via = ViaCaptivePortal
		fp = fingerprint(req.ClientAddr, req.UserAgent)
	}
	rec := Record{
		ID:                uuid.NewString(),
		StudentID:         studentID,
		ClassID:           session.ClassID,
		Date:              today,
		Name:              student.Name,
		Email:             student.Email,
		Subject:           firstNonEmpty(session.Subject, "N/A"),
		Code:              session.Code,
		TeacherName:       session.TeacherName,
		Department:        firstNonEmpty(session.Department, student.Department),
		Timestamp:         now,
		MarkedVia:         via,
		DeviceFingerprint: fp,
	}
	if err := r.records.Insert(storeCtx, rec); err != nil {
		if consumed {
			r.restoreCapture(ctx, req.CaptureID, studentID)
		}
		return Outcome{}, apperrors.Store(err, apperrors.ErrStoreFailure)
	}
	logger.Info().
		Str("class_id", rec.ClassID).
		Str("student_id", rec.StudentID).
		Str("via", rec.MarkedVia).
		Msg("attendance marked")

	out := Outcome{Record: rec}
	if req.Session.IsPortalMode {
		out.AccessGranted = r.grant(ctx, studentID, req.ClientAddr)
	}
	return out, nil
}

// restoreCapture puts a consumed capture back after a rejected insert.
func (r *Recorder) restoreCapture(ctx context.Context, captureID, studentID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.captures.SaveCapture(ctx, captureID, studentID, r.capTTL); err != nil {
		logger.Warn().Err(err).Str("capture_id", captureID).Str("student_id", studentID).Msg("could not restore face capture")
	}
}

// revalidate checks the session's code is still the class's current code
// and has not expired. Verification happened earlier and may be stale.
func (r *Recorder) revalidate(ctx context.Context, session codes.Code) error {
	current, err := r.codes.Get(ctx, session.ClassID)
	if err != nil {
		return apperrors.Store(err, apperrors.ErrStoreUnavailable)
	}
	if current == nil || current.Code != session.Code || !current.CreatedAt.Equal(session.CreatedAt) {
		if current == nil && session.ExpiredAt(r.clock.Now()) {
			return apperrors.ErrExpired
		}
		return apperrors.ErrSuperseded
	}
	if current.ExpiredAt(r.clock.Now()) {
		return apperrors.ErrExpired
	}
	return nil
}

// grant makes one best-effort attempt. Failures never reach the caller.
func (r *Recorder) grant(ctx context.Context, studentID, clientAddr string) bool {
	grantCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.grantTTL)
	defer cancel()
	err := r.granter.Grant(grantCtx, portal.GrantRequest{StudentID: studentID, ClientAddr: clientAddr})
	if err != nil {
		metrics.Grants.WithLabelValues("error").Inc()
		logger.Warn().Err(err).
			Str("student_id", studentID).
			Str("client_addr", clientAddr).
			Msg("network access grant failed; attendance kept")
		return false
	}
	metrics.Grants.WithLabelValues("ok").Inc()
	return true
}

// MarkManual stores a teacher-entered record. It coexists with any
// student-marked record for the same day.
func (r *Recorder) MarkManual(ctx context.Context, req ManualRequest) (Record, error) {
	studentID := normalizeStudentID(req.StudentID)
	if studentID == "" || strings.TrimSpace(req.ClassID) == "" || strings.TrimSpace(req.Name) == "" {
		return Record{}, apperrors.ErrMissingField
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var email string
	student, err := r.roster.Student(ctx, studentID)
	if err != nil {
		return Record{}, apperrors.Store(err, apperrors.ErrStoreUnavailable)
	}
	if student != nil {
		email = student.Email
	}

	now := r.clock.Now()
	rec := Record{
		ID:          uuid.NewString(),
		StudentID:   studentID,
		ClassID:     strings.TrimSpace(req.ClassID),
		Date:        r.day(now),
		Name:        req.Name,
		Email:       email,
		Subject:     firstNonEmpty(req.Subject, "Manual entry"),
		Code:        "manual",
		TeacherName: req.TeacherName,
		Department:  req.Department,
		Timestamp:   now,
		MarkedVia:   ViaTeacherDashboard,
		ManualEntry: true,
	}
	if err := r.records.Insert(ctx, rec); err != nil {
		return Record{}, apperrors.Store(err, apperrors.ErrStoreFailure)
	}
	logger.Info().Str("class_id", rec.ClassID).Str("student_id", rec.StudentID).Msg("manual attendance recorded")
	return rec, nil
}

// List returns a class's records, newest first.
func (r *Recorder) List(ctx context.Context, classID string) ([]Record, error) {
	if strings.TrimSpace(classID) == "" {
		return nil, apperrors.ErrMissingField
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	recs, err := r.records.ListByClass(ctx, classID)
	if err != nil {
		return nil, apperrors.Store(err, apperrors.ErrStoreUnavailable)
	}
	return recs, nil
}

func (r *Recorder) day(t time.Time) string {
	return t.In(r.loc).Format(DateLayout)
}

func normalizeStudentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func fingerprint(addr, userAgent string) string {
	if addr == "" && userAgent == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(addr + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
