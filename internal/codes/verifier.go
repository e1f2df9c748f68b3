package codes

import (
	"context"
	"strings"
	"time"

	"attendcode/internal/apperrors"
	"attendcode/internal/clock"
	"attendcode/internal/metrics"
	"attendcode/internal/portal"
)

// Session is the result of a successful verification. It lives only for
// the verify, login and mark sequence of one student.
type Session struct {
	Code         Code        `json:"code"`
	Mode         portal.Mode `json:"mode"`
	IsPortalMode bool        `json:"isPortalMode"`
}

// VerifyRequest is a submitted code. ClassID optionally scopes the lookup
// to one class; Host is the host the student reached us through.
type VerifyRequest struct {
	Code    string
	ClassID string
	Host    string
}

// Modes classifies the connection a request arrived on.
type Modes interface {
	Classify(host string) portal.Mode
}

// Verifier looks up submitted codes. It never mutates the store.
type Verifier struct {
	store   Store
	modes   Modes
	clock   clock.Clock
	timeout time.Duration
}

// NewVerifier builds a verifier.
func NewVerifier(store Store, modes Modes, clk clock.Clock, timeout time.Duration) *Verifier {
	if clk == nil {
		clk = clock.System{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Verifier{store: store, modes: modes, clock: clk, timeout: timeout}
}

// Verify matches req.Code against the active codes.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (Session, error) {
	session, err := v.verify(ctx, req)
	metrics.Verifications.WithLabelValues(apperrors.CodeOrOK(err)).Inc()
	return session, err
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) (Session, error) {
	submitted := strings.TrimSpace(req.Code)
	if !ValidFormat(submitted) {
		return Session{}, apperrors.ErrInvalidFormat
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var candidates []Code
	if classID := strings.TrimSpace(req.ClassID); classID != "" {
		code, err := v.store.Get(ctx, classID)
		if err != nil {
			return Session{}, apperrors.Store(err, apperrors.ErrStoreUnavailable)
		}
		if code != nil {
			candidates = append(candidates, *code)
		}
	} else {
		all, err := v.store.List(ctx)
		if err != nil {
			return Session{}, apperrors.Store(err, apperrors.ErrStoreUnavailable)
		}
		candidates = all
	}
	if len(candidates) == 0 {
		return Session{}, apperrors.ErrNoActiveCodes
	}

	now := v.clock.Now()
	var live, dead []Code
	for _, c := range candidates {
		if c.Code != submitted {
			continue
		}
		if c.ExpiredAt(now) {
			dead = append(dead, c)
		} else {
			live = append(live, c)
		}
	}
	switch {
	case len(live) > 1:
		return Session{}, apperrors.ErrAmbiguousCode
	case len(live) == 1:
		return v.session(live[0], req.Host), nil
	case len(dead) > 0:
		return Session{}, apperrors.ErrExpired
	}
	return Session{}, apperrors.ErrInvalidCode
}

func (v *Verifier) session(code Code, host string) Session {
	mode := portal.ModeGenericNetwork
	if v.modes != nil {
		mode = v.modes.Classify(host)
	}
	return Session{Code: code, Mode: mode, IsPortalMode: mode == portal.ModePortalGateway}
}
