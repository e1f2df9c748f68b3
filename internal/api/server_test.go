package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"attendcode/internal/api"
	"attendcode/internal/attendance"
	"attendcode/internal/auth"
	"attendcode/internal/capture"
	"attendcode/internal/clock"
	"attendcode/internal/codes"
	"attendcode/internal/config"
	"attendcode/internal/faceclient"
	"attendcode/internal/portal"
	"attendcode/internal/store"
)

const (
	signingKey = "api-test-key"
	issuer     = "attendcode"
	portalHost = "192.168.137.1:8080"
	webHost    = "attend.example.edu"
)

type fakeGranter struct {
	mu    sync.Mutex
	calls []portal.GrantRequest
	err   error
}

func (f *fakeGranter) Grant(_ context.Context, req portal.GrantRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
}

func (f *fakeGranter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	t       *testing.T
	clock   *clock.Fake
	mem     *store.Memory
	granter *fakeGranter
	router  *gin.Engine
	teacher string
}

func hashFor(t *testing.T, studentID string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte("pw-"+studentID), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(h)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test adjust deps before the router is built.
func newHarnessWith(t *testing.T, tweak func(*api.Deps)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)
	mem.AddClass("cs101")
	mem.AddClass("ee200")
	mem.AddStudent(attendance.Student{ID: "s1", Name: "Asha", Email: "asha@example.edu", PasswordHash: hashFor(t, "s1")})
	mem.AddStudent(attendance.Student{ID: "s2", Name: "Ravi", Email: "ravi@example.edu", PasswordHash: hashFor(t, "s2")})

	cfg := config.App{
		JWTIssuer:       issuer,
		JWTSigningKey:   signingKey,
		RateLimitPerMin: 600,
		GrantTimeout:    time.Second,
		CORSOrigins:     []string{"*"},
	}
	modes := portal.NewClassifier([]string{"192.168.137.1"})
	granter := &fakeGranter{}
	deps := api.Deps{
		Config:   cfg,
		Clock:    clk,
		Issuer:   codes.NewIssuer(mem, mem, clk, time.Second),
		Verifier: codes.NewVerifier(mem, modes, clk, time.Second),
		Recorder: attendance.NewRecorder(mem, mem, mem, granter, attendance.Options{
			Clock:    clk,
			Captures: mem,
		}),
		Sessions: auth.NewSessionSigner(signingKey, issuer, clk.Now),
		Captures: capture.NewService(nil, faceclient.New("", true), mem, time.Minute, time.Second),
		Granter:  granter,
		Modes:    modes,
	}
	if tweak != nil {
		tweak(&deps)
	}
	srv := api.New(deps)
	token, _, err := auth.IssueTeacher(auth.Teacher{ID: "t-1", Name: "Dr. Rao", ClassID: "cs101"}, issuer, signingKey, time.Hour)
	if err != nil {
		t.Fatalf("teacher token: %v", err)
	}
	return &harness{t: t, clock: clk, mem: mem, granter: granter, router: srv.Router(), teacher: token}
}

type envelope struct {
	Success       bool            `json:"success"`
	Error         string          `json:"error"`
	Code          string          `json:"code"`
	Data          json.RawMessage `json:"data"`
	AccessGranted bool            `json:"accessGranted"`
	CaptureID     string          `json:"captureId"`
}

func (h *harness) do(method, path, host string, body any, teacher bool) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent/"+path)
	if host != "" {
		req.Host = host
	}
	if teacher {
		req.Header.Set("Authorization", "Bearer "+h.teacher)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec.Code, env
}

func (h *harness) issue(classID string, minutes int) codes.Code {
	h.t.Helper()
	status, env := h.do(http.MethodPost, "/v1/codes", "", map[string]any{"classId": classID, "durationMinutes": minutes, "subject": "Networks"}, true)
	if status != http.StatusCreated {
		h.t.Fatalf("issue: status %d %+v", status, env)
	}
	var c codes.Code
	if err := json.Unmarshal(env.Data, &c); err != nil {
		h.t.Fatalf("decode code: %v", err)
	}
	return c
}

type verifyData struct {
	SessionToken string    `json:"sessionToken"`
	IsPortalMode bool      `json:"isPortalMode"`
	ExpiryTime   time.Time `json:"expiryTime"`
	ServerTime   time.Time `json:"serverTime"`
}

func (h *harness) verify(code, host string) (int, envelope, verifyData) {
	h.t.Helper()
	status, env := h.do(http.MethodPost, "/v1/verify", host, map[string]string{"code": code}, false)
	var d verifyData
	if status == http.StatusOK {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			h.t.Fatalf("decode verify: %v", err)
		}
	}
	return status, env, d
}

func (h *harness) mark(studentID, token, host string) (int, envelope) {
	h.t.Helper()
	return h.do(http.MethodPost, "/v1/attendance", host, map[string]string{"studentId": studentID, "password": "pw-" + studentID, "sessionToken": token}, false)
}

func TestVerifyWithinWindowThenMarkOnce(t *testing.T) {
	h := newHarness(t)
	c := h.issue("cs101", 3)

	h.clock.Advance(60 * time.Second)
	status, env, d := h.verify(c.Code, webHost)
	if status != http.StatusOK || d.SessionToken == "" {
		t.Fatalf("verify: %d %+v", status, env)
	}
	if d.IsPortalMode {
		t.Fatalf("web host must not be portal mode")
	}
	if !d.ExpiryTime.Equal(c.ExpiryTime) || !d.ServerTime.Equal(h.clock.Now()) {
		t.Fatalf("unexpected times %+v", d)
	}

	status, env = h.mark("s1", d.SessionToken, webHost)
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("mark: %d %+v", status, env)
	}
	var rec attendance.Record
	_ = json.Unmarshal(env.Data, &rec)
	if rec.StudentID != "s1" || rec.ClassID != "cs101" || rec.MarkedVia != attendance.ViaWeb || rec.Date != "2026-03-02" {
		t.Fatalf("unexpected record %+v", rec)
	}

	status, env = h.mark("s1", d.SessionToken, webHost)
	if status != http.StatusConflict || env.Code != "already_marked" {
		t.Fatalf("second mark: %d %+v", status, env)
	}
	recs, _ := h.mem.ListByClass(context.Background(), "cs101")
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("existing record must be unchanged, got %+v", recs)
	}
	if h.granter.count() != 0 {
		t.Fatalf("web mode must not grant access")
	}
}

func TestVerifyAfterExpiry(t *testing.T) {
	h := newHarness(t)
	c := h.issue("cs101", 1)

	h.clock.Advance(60 * time.Second)
	if status, env, _ := h.verify(c.Code, webHost); status != http.StatusOK {
		t.Fatalf("verify at expiry instant: %d %+v", status, env)
	}
	h.clock.Advance(time.Second)
	status, env, _ := h.verify(c.Code, webHost)
	if status != http.StatusBadRequest || env.Code != "expired" {
		t.Fatalf("expected expired, got %d %+v", status, env)
	}
	if env.Error != "This code has expired. Please ask your teacher for a new code." {
		t.Fatalf("unexpected message %q", env.Error)
	}
}

func TestVerifyNoActiveVersusInvalid(t *testing.T) {
	h := newHarness(t)
	if status, env, _ := h.verify("123456", webHost); status != http.StatusBadRequest || env.Code != "no_active_codes" {
		t.Fatalf("empty store: %d %+v", status, env)
	}
	h.issue("cs101", 5)
	if status, env, _ := h.verify("000000", webHost); status != http.StatusBadRequest || env.Code != "invalid_code" {
		t.Fatalf("unmatched: %d %+v", status, env)
	}
	if status, env, _ := h.verify("12ab", webHost); status != http.StatusBadRequest || env.Code != "invalid_format" {
		t.Fatalf("bad format: %d %+v", status, env)
	}
}

func TestReissueSupersedesSession(t *testing.T) {
	h := newHarness(t)
	first := h.issue("cs101", 5)
	_, _, d := h.verify(first.Code, webHost)
	if d.SessionToken == "" {
		t.Fatalf("verify failed")
	}
	h.clock.Advance(10 * time.Second)
	second := h.issue("cs101", 5)

	status, env := h.mark("s1", d.SessionToken, webHost)
	if status != http.StatusBadRequest || env.Code != "superseded" {
		t.Fatalf("expected superseded, got %d %+v", status, env)
	}
	if second.Code != first.Code {
		if status, env, _ := h.verify(first.Code, webHost); status == http.StatusOK {
			t.Fatalf("old code must not validate: %+v", env)
		}
	}
}

func TestCaptiveMarkGrantsAccess(t *testing.T) {
	h := newHarness(t)
	c := h.issue("cs101", 5)
	_, _, d := h.verify(c.Code, portalHost)
	if !d.IsPortalMode {
		t.Fatalf("gateway host must be portal mode")
	}
	status, env := h.mark("s1", d.SessionToken, portalHost)
	if status != http.StatusCreated || !env.AccessGranted {
		t.Fatalf("captive mark: %d %+v", status, env)
	}
	var rec attendance.Record
	_ = json.Unmarshal(env.Data, &rec)
	if rec.MarkedVia != attendance.ViaCaptivePortal {
		t.Fatalf("expected captive-portal, got %s", rec.MarkedVia)
	}
	if h.granter.count() != 1 {
		t.Fatalf("expected one grant, got %d", h.granter.count())
	}
}

func TestCaptiveGrantFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	h.granter.err = errors.New("gateway down")
	c := h.issue("cs101", 5)
	_, _, d := h.verify(c.Code, portalHost)

	status, env := h.mark("s1", d.SessionToken, portalHost)
	if status != http.StatusCreated || !env.Success || env.AccessGranted {
		t.Fatalf("expected success without access, got %d %+v", status, env)
	}
	if h.granter.count() != 1 {
		t.Fatalf("grant must be attempted exactly once, got %d", h.granter.count())
	}
	latest, _ := h.mem.Latest(context.Background(), "cs101", "s1")
	if latest == nil {
		t.Fatalf("record must persist when grant fails")
	}
}

func TestTeacherRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	status, env := h.do(http.MethodPost, "/v1/codes", "", map[string]any{"classId": "cs101", "durationMinutes": 3}, false)
	if status != http.StatusUnauthorized || env.Code != "unauthorized" {
		t.Fatalf("expected 401, got %d %+v", status, env)
	}
	status, env = h.do(http.MethodPost, "/v1/codes", "", map[string]any{"durationMinutes": 9}, true)
	if status != http.StatusBadRequest || env.Code != "invalid_duration" {
		t.Fatalf("expected invalid duration, got %d %+v", status, env)
	}
	status, env = h.do(http.MethodPost, "/v1/codes", "", map[string]any{"classId": "nope", "durationMinutes": 2}, true)
	if status != http.StatusNotFound || env.Code != "unknown_class" {
		t.Fatalf("expected unknown class, got %d %+v", status, env)
	}
}

func TestActiveCodeAndRevoke(t *testing.T) {
	h := newHarness(t)
	status, env := h.do(http.MethodGet, "/v1/codes/active", "", nil, true)
	if status != http.StatusOK || !bytes.Contains(env.Data, []byte(`"code":null`)) {
		t.Fatalf("expected null code, got %d %s", status, env.Data)
	}
	c := h.issue("cs101", 2)
	_, env = h.do(http.MethodGet, "/v1/codes/active?classId=cs101", "", nil, true)
	var active struct {
		Code       *codes.Code `json:"code"`
		ServerTime time.Time   `json:"serverTime"`
	}
	_ = json.Unmarshal(env.Data, &active)
	if active.Code == nil || active.Code.Code != c.Code || !active.ServerTime.Equal(h.clock.Now()) {
		t.Fatalf("unexpected active code %+v", active)
	}

	if status, env = h.do(http.MethodDelete, "/v1/codes?classId=cs101", "", nil, true); status != http.StatusOK {
		t.Fatalf("revoke: %d %+v", status, env)
	}
	if status, env, _ := h.verify(c.Code, webHost); env.Code != "no_active_codes" {
		t.Fatalf("revoked code must not validate: %d %+v", status, env)
	}
}

func TestManualAttendanceCoexists(t *testing.T) {
	h := newHarness(t)
	c := h.issue("cs101", 5)
	_, _, d := h.verify(c.Code, webHost)
	if status, env := h.mark("s1", d.SessionToken, webHost); status != http.StatusCreated {
		t.Fatalf("mark: %d %+v", status, env)
	}
	status, env := h.do(http.MethodPost, "/v1/attendance/manual", "", map[string]string{"studentId": "s1", "name": "Asha"}, true)
	if status != http.StatusCreated {
		t.Fatalf("manual: %d %+v", status, env)
	}
	status, env = h.do(http.MethodGet, "/v1/attendance", "", nil, true)
	var recs []attendance.Record
	_ = json.Unmarshal(env.Data, &recs)
	if status != http.StatusOK || len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d %+v", status, recs)
	}
}

func TestFaceCaptureConsumedByMark(t *testing.T) {
	h := newHarness(t)
	status, env := h.do(http.MethodPost, "/v1/face-capture", "", map[string]string{"studentId": "s1", "imageData": "data:image/png;base64,AAAA"}, false)
	if status != http.StatusOK || env.CaptureID == "" {
		t.Fatalf("capture: %d %+v", status, env)
	}
	c := h.issue("cs101", 5)
	_, _, d := h.verify(c.Code, webHost)

	status, env = h.do(http.MethodPost, "/v1/attendance", webHost, map[string]string{"studentId": "s2", "password": "pw-s2", "sessionToken": d.SessionToken, "captureId": env.CaptureID}, false)
	if status != http.StatusBadRequest || env.Code != "capture_mismatch" {
		t.Fatalf("foreign capture accepted: %d %+v", status, env)
	}
}

func TestMarkChecksStudentCredentials(t *testing.T) {
	h := newHarness(t)
	c := h.issue("cs101", 5)
	_, _, d := h.verify(c.Code, webHost)

	cases := map[string]struct {
		body   map[string]string
		status int
		code   string
		msg    string
	}{
		"wrong password": {
			map[string]string{"studentId": "s1", "password": "nope", "sessionToken": d.SessionToken},
			http.StatusUnauthorized, "invalid_credentials", "Invalid password.",
		},
		"missing password": {
			map[string]string{"studentId": "s1", "sessionToken": d.SessionToken},
			http.StatusUnauthorized, "invalid_credentials", "Invalid password.",
		},
		"unknown student": {
			map[string]string{"studentId": "ghost", "password": "pw-ghost", "sessionToken": d.SessionToken},
			http.StatusNotFound, "unknown_student", "",
		},
	}
	for name, tc := range cases {
		status, env := h.do(http.MethodPost, "/v1/attendance", webHost, tc.body, false)
		if status != tc.status || env.Code != tc.code {
			t.Fatalf("%s: expected %d %s, got %d %+v", name, tc.status, tc.code, status, env)
		}
		if tc.msg != "" && env.Error != tc.msg {
			t.Fatalf("%s: unexpected message %q", name, env.Error)
		}
	}
	if latest, _ := h.mem.Latest(context.Background(), "cs101", "s1"); latest != nil {
		t.Fatalf("failed credentials must not record attendance")
	}
	if status, env := h.mark("s1", d.SessionToken, webHost); status != http.StatusCreated {
		t.Fatalf("correct password: %d %+v", status, env)
	}
}

func TestMarkRejectsBadSession(t *testing.T) {
	h := newHarness(t)
	status, env := h.mark("s1", "forged", webHost)
	if status != http.StatusBadRequest || env.Code != "invalid_session" {
		t.Fatalf("expected invalid session, got %d %+v", status, env)
	}
}

func TestConnectivityChecksRedirect(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/generate_204", "/hotspot-detect.html", "/ncsi.txt"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusFound || rec.Header().Get("Location") != api.VerifyPage {
			t.Fatalf("%s: expected redirect, got %d %q", path, rec.Code, rec.Header().Get("Location"))
		}
	}
}

func TestGrantAccessAndClientIP(t *testing.T) {
	h := newHarness(t)
	status, env := h.do(http.MethodPost, "/v1/grant-access", "", map[string]string{"studentId": "s1", "ipAddress": "192.168.137.23"}, false)
	if status != http.StatusOK || !env.Success || h.granter.count() != 1 {
		t.Fatalf("grant: %d %+v", status, env)
	}
	h.granter.err = errors.New("down")
	status, env = h.do(http.MethodPost, "/v1/grant-access", "", map[string]string{"studentId": "s1"}, false)
	if status != http.StatusServiceUnavailable || env.Code != "grant_failed" {
		t.Fatalf("expected grant failure, got %d %+v", status, env)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/client-ip", nil)
	req.Host = portalHost
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	var body struct {
		IP           string `json:"ip"`
		IsPortalMode bool   `json:"isPortalMode"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusOK || body.IP == "" || !body.IsPortalMode {
		t.Fatalf("client ip: %d %s", rec.Code, rec.Body.String())
	}
}

func TestForwardedForIgnoredWithoutTrustedProxies(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/client-ip", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.77")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	var body struct {
		IP string `json:"ip"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.IP != "192.0.2.1" {
		t.Fatalf("spoofed forwarded header honoured: %s", rec.Body.String())
	}
}

func TestForwardedForFromTrustedProxy(t *testing.T) {
	h := newHarnessWith(t, func(d *api.Deps) {
		d.Config.TrustedProxies = []string{"192.0.2.0/24"}
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/client-ip", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.77")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	var body struct {
		IP string `json:"ip"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.IP != "198.51.100.77" {
		t.Fatalf("expected forwarded address from trusted proxy, got %s", rec.Body.String())
	}
}

func TestHealthzReportsDegraded(t *testing.T) {
	h := newHarnessWith(t, func(d *api.Deps) {
		d.Health = []api.HealthCheck{
			{Name: "db", Check: func(context.Context) bool { return true }},
			{Name: "face", Check: func(context.Context) bool { return false }},
		}
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" || body["face"] != false || body["db"] != true {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}
}
