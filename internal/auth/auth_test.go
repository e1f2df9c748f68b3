package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"attendcode/internal/apperrors"
	"attendcode/internal/clock"
	"attendcode/internal/codes"
	"attendcode/internal/portal"
)

const testKey = "test-signing-key"

func TestTeacherTokenRoundTrip(t *testing.T) {
	token, exp, err := IssueTeacher(Teacher{ID: "t-1", Name: "Dr. Rao", ClassID: "cs101"}, "attendcode", testKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := Parse(token, testKey, "attendcode")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "t-1" || claims.Role != RoleTeacher || claims.Name != "Dr. Rao" || claims.ClassID != "cs101" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := Parse(token, "other-key", "attendcode"); err == nil {
		t.Fatalf("expected signature failure")
	}
	if _, err := Parse(token, testKey, "someone-else"); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
}

func TestSessionTokenPreservesCode(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	created := clk.Now().Add(123 * time.Millisecond)
	sess := codes.Session{
		Code: codes.Code{
			Code:            "482913",
			ClassID:         "cs101",
			TeacherName:     "Dr. Rao",
			Subject:         "Networks",
			DurationMinutes: 3,
			CreatedAt:       created,
			ExpiryTime:      clock.ExpiryAt(created, 3),
		},
		Mode:         portal.ModePortalGateway,
		IsPortalMode: true,
	}
	signer := NewSessionSigner(testKey, "attendcode", clk.Now)
	token, err := signer.Sign(sess)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Code.CreatedAt.Equal(created) || !got.Code.ExpiryTime.Equal(sess.Code.ExpiryTime) {
		t.Fatalf("times lost: %+v", got.Code)
	}
	if got.Code.Code != "482913" || got.Code.ClassID != "cs101" || !got.IsPortalMode {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestSessionTokenExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	created := clk.Now()
	sess := codes.Session{Code: codes.Code{Code: "111111", ClassID: "cs101", DurationMinutes: 1, CreatedAt: created, ExpiryTime: clock.ExpiryAt(created, 1)}}
	signer := NewSessionSigner(testKey, "attendcode", clk.Now)
	token, err := signer.Sign(sess)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	clk.Advance(60 * time.Second)
	if _, err := signer.Parse(token); err != nil {
		t.Fatalf("token at expiry instant should still parse: %v", err)
	}
	clk.Advance(5 * time.Second)
	if _, err := signer.Parse(token); !errors.Is(err, apperrors.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestSessionTokenRejectsGarbage(t *testing.T) {
	signer := NewSessionSigner(testKey, "attendcode", nil)
	for name, token := range map[string]string{
		"empty":   "",
		"garbage": "not-a-jwt",
	} {
		if _, err := signer.Parse(token); !errors.Is(err, apperrors.ErrInvalidSession) {
			t.Fatalf("%s: expected invalid session, got %v", name, err)
		}
	}
	teacher, _, _ := IssueTeacher(Teacher{ID: "t-1"}, "attendcode", testKey, time.Hour)
	if _, err := signer.Parse(teacher); !errors.Is(err, apperrors.ErrInvalidSession) {
		t.Fatalf("teacher token accepted as session: %v", err)
	}
}

func TestTeacherAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", TeacherAuth(testKey, "attendcode"), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			t.Fatalf("claims missing")
		}
		c.String(http.StatusOK, claims.Subject)
	})

	token, _, _ := IssueTeacher(Teacher{ID: "t-9"}, "attendcode", testKey, time.Hour)
	cases := map[string]struct {
		header string
		status int
	}{
		"missing": {"", http.StatusUnauthorized},
		"bad":     {"Bearer nope", http.StatusUnauthorized},
		"valid":   {"Bearer " + token, http.StatusOK},
	}
	for name, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", name, tc.status, rec.Code)
		}
		if tc.status == http.StatusOK && rec.Body.String() != "t-9" {
			t.Fatalf("%s: unexpected body %q", name, rec.Body.String())
		}
	}
}
