package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"attendcode/internal/apperrors"
	"attendcode/internal/codes"
	"attendcode/internal/portal"
)

const sessionSubject = "verified-session"

// SessionClaims carry a verified code between verify and mark. Times are
// unix milliseconds so the code's createdAt survives the round trip.
type SessionClaims struct {
	Code            string `json:"code"`
	ClassID         string `json:"cid"`
	TeacherName     string `json:"tn,omitempty"`
	SubjectName     string `json:"subj,omitempty"`
	Department      string `json:"dep,omitempty"`
	DurationMinutes int    `json:"dur"`
	CreatedAtMs     int64  `json:"cat"`
	ExpiryMs        int64  `json:"eat"`
	Mode            string `json:"mode"`
	jwt.RegisteredClaims
}

// SessionSigner mints and reads verified-session tokens.
type SessionSigner struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewSessionSigner builds a signer. now may be nil.
func NewSessionSigner(key, issuer string, now func() time.Time) *SessionSigner {
	if now == nil {
		now = time.Now
	}
	return &SessionSigner{key: []byte(key), issuer: issuer, now: now}
}

// Sign encodes s. The token expires with the code, rounded up to the
// next second.
func (s *SessionSigner) Sign(sess codes.Session) (string, error) {
	c := sess.Code
	exp := c.ExpiryTime.Truncate(time.Second)
	if exp.Before(c.ExpiryTime) {
		exp = exp.Add(time.Second)
	}
	claims := SessionClaims{
		Code:            c.Code,
		ClassID:         c.ClassID,
		TeacherName:     c.TeacherName,
		SubjectName:     c.Subject,
		Department:      c.Department,
		DurationMinutes: c.DurationMinutes,
		CreatedAtMs:     c.CreatedAt.UnixMilli(),
		ExpiryMs:        c.ExpiryTime.UnixMilli(),
		Mode:            string(sess.Mode),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sessionSubject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(s.now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse decodes a session token. An expired token yields
// apperrors.ErrExpired; anything else unreadable is ErrInvalidSession.
// Callers still re-validate the code against the store.
func (s *SessionSigner) Parse(token string) (codes.Session, error) {
	if token == "" {
		return codes.Session{}, apperrors.ErrInvalidSession
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, keyFunc(string(s.key)),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(time.Second),
		jwt.WithSubject(sessionSubject),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return codes.Session{}, apperrors.ErrExpired
		}
		return codes.Session{}, apperrors.ErrInvalidSession
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return codes.Session{}, apperrors.ErrInvalidSession
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return codes.Session{}, apperrors.ErrInvalidSession
	}
	mode := portal.Mode(claims.Mode)
	return codes.Session{
		Code: codes.Code{
			Code:            claims.Code,
			ClassID:         claims.ClassID,
			TeacherName:     claims.TeacherName,
			Subject:         claims.SubjectName,
			Department:      claims.Department,
			DurationMinutes: claims.DurationMinutes,
			CreatedAt:       time.UnixMilli(claims.CreatedAtMs).UTC(),
			ExpiryTime:      time.UnixMilli(claims.ExpiryMs).UTC(),
		},
		Mode:         mode,
		IsPortalMode: mode == portal.ModePortalGateway,
	}, nil
}
