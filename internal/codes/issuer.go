package codes

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"attendcode/internal/apperrors"
	"attendcode/internal/clock"
	"attendcode/internal/logger"
	"attendcode/internal/metrics"
)

const maxGenerateAttempts = 8

// IssueRequest describes a new code for a class.
type IssueRequest struct {
	ClassID         string
	TeacherName     string
	Subject         string
	Department      string
	DurationMinutes int
}

// Issuer creates codes and supersedes previous ones.
type Issuer struct {
	store   Store
	classes ClassDirectory
	clock   clock.Clock
	timeout time.Duration
	random  func() (string, error)
}

// NewIssuer builds an issuer. classes may be nil.
func NewIssuer(store Store, classes ClassDirectory, clk clock.Clock, timeout time.Duration) *Issuer {
	if clk == nil {
		clk = clock.System{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Issuer{store: store, classes: classes, clock: clk, timeout: timeout, random: randomCode}
}

// Issue generates a fresh code for req.ClassID, replacing any prior code.
// A store failure aborts issuance; the teacher must retry.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (Code, error) {
	req.ClassID = strings.TrimSpace(req.ClassID)
	if req.ClassID == "" {
		return Code{}, apperrors.ErrMissingField
	}
	if req.DurationMinutes < MinDuration || req.DurationMinutes > MaxDuration {
		return Code{}, apperrors.ErrInvalidDuration
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	if i.classes != nil {
		ok, err := i.classes.ClassExists(ctx, req.ClassID)
		if err != nil {
			return Code{}, apperrors.Store(err, apperrors.ErrStoreFailure)
		}
		if !ok {
			return Code{}, apperrors.ErrUnknownClass
		}
	}

	active, err := i.store.List(ctx)
	if err != nil {
		return Code{}, apperrors.Store(err, apperrors.ErrStoreFailure)
	}
	value, err := i.generate(active, req.ClassID)
	if err != nil {
		return Code{}, err
	}

	// Millisecond precision survives every backend and the session token.
	now := i.clock.Now().Truncate(time.Millisecond)
	code := Code{
		Code:            value,
		ClassID:         req.ClassID,
		TeacherName:     req.TeacherName,
		Subject:         req.Subject,
		Department:      req.Department,
		DurationMinutes: req.DurationMinutes,
		CreatedAt:       now,
		ExpiryTime:      clock.ExpiryAt(now, req.DurationMinutes),
	}
	if err := i.store.Put(ctx, code); err != nil {
		metrics.CodesIssued.WithLabelValues("error").Inc()
		return Code{}, apperrors.Store(err, apperrors.ErrStoreFailure)
	}
	metrics.CodesIssued.WithLabelValues("ok").Inc()
	logger.Info().
		Str("class_id", code.ClassID).
		Int("duration_min", code.DurationMinutes).
		Time("expires_at", code.ExpiryTime).
		Msg("attendance code issued")
	return code, nil
}

// Active returns the unexpired code for classID, or nil.
func (i *Issuer) Active(ctx context.Context, classID string) (*Code, error) {
	if strings.TrimSpace(classID) == "" {
		return nil, apperrors.ErrMissingField
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	code, err := i.store.Get(ctx, classID)
	if err != nil {
		return nil, apperrors.Store(err, apperrors.ErrStoreUnavailable)
	}
	if code == nil || code.ExpiredAt(i.clock.Now()) {
		return nil, nil
	}
	return code, nil
}

// Revoke removes the class's code so it can no longer validate.
func (i *Issuer) Revoke(ctx context.Context, classID string) error {
	if strings.TrimSpace(classID) == "" {
		return apperrors.ErrMissingField
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	if err := i.store.Delete(ctx, classID); err != nil {
		return apperrors.Store(err, apperrors.ErrStoreFailure)
	}
	logger.Info().Str("class_id", classID).Msg("attendance code revoked")
	return nil
}

// generate picks a value not currently live in another class.
func (i *Issuer) generate(active []Code, classID string) (string, error) {
	now := i.clock.Now()
	taken := make(map[string]bool, len(active))
	for _, c := range active {
		if c.ClassID != classID && !c.ExpiredAt(now) {
			taken[c.Code] = true
		}
	}
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		value, err := i.random()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		if !taken[value] {
			return value, nil
		}
	}
	return "", fmt.Errorf("generate code: no free value after %d attempts", maxGenerateAttempts)
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()+100000), nil
}
