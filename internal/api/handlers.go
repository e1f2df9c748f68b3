package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"attendcode/internal/apperrors"
	"attendcode/internal/attendance"
	"attendcode/internal/auth"
	"attendcode/internal/codes"
	"attendcode/internal/logger"
	"attendcode/internal/portal"
)

// fail writes the error envelope for err.
func fail(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"success": false, "error": apperrors.Message(err), "code": apperrors.Code(err)})
}

// bind decodes a JSON body; a malformed body is a validation error.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body.", "code": "bad_request"})
		return false
	}
	return true
}

func (s *Server) serverTime() string {
	return s.deps.Clock.Now().UTC().Format(timeLayout)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// teacherClass resolves the class a teacher request targets: the explicit
// value, else the class in the teacher's token.
func teacherClass(c *gin.Context, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	claims, _ := auth.ClaimsFrom(c)
	return claims.ClassID
}

func (s *Server) issueCode(c *gin.Context) {
	var req struct {
		ClassID         string `json:"classId"`
		DurationMinutes int    `json:"durationMinutes"`
		Subject         string `json:"subject"`
		TeacherName     string `json:"teacherName"`
		Department      string `json:"department"`
	}
	if !bind(c, &req) {
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	code, err := s.deps.Issuer.Issue(c.Request.Context(), codes.IssueRequest{
		ClassID:         teacherClass(c, req.ClassID),
		TeacherName:     firstNonEmpty(req.TeacherName, claims.Name, claims.Subject),
		Subject:         req.Subject,
		Department:      firstNonEmpty(req.Department, claims.Department),
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": code, "serverTime": s.serverTime()})
}

func (s *Server) activeCode(c *gin.Context) {
	code, err := s.deps.Issuer.Active(c.Request.Context(), teacherClass(c, c.Query("classId")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"code": code, "serverTime": s.serverTime()}})
}

func (s *Server) revokeCode(c *gin.Context) {
	if err := s.deps.Issuer.Revoke(c.Request.Context(), teacherClass(c, c.Query("classId"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) verifyCode(c *gin.Context) {
	var req struct {
		Code    string `json:"code"`
		ClassID string `json:"classId"`
	}
	if !bind(c, &req) {
		return
	}
	session, err := s.deps.Verifier.Verify(c.Request.Context(), codes.VerifyRequest{
		Code:    req.Code,
		ClassID: req.ClassID,
		Host:    c.Request.Host,
	})
	if err != nil {
		fail(c, err)
		return
	}
	token, err := s.deps.Sessions.Sign(session)
	if err != nil {
		fail(c, err)
		return
	}
	code := session.Code
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"classId":         code.ClassID,
		"teacherName":     code.TeacherName,
		"subject":         code.Subject,
		"department":      code.Department,
		"durationMinutes": code.DurationMinutes,
		"createdAt":       code.CreatedAt,
		"expiryTime":      code.ExpiryTime,
		"mode":            session.Mode,
		"isPortalMode":    session.IsPortalMode,
		"sessionToken":    token,
		"serverTime":      s.serverTime(),
	}})
}

func (s *Server) markAttendance(c *gin.Context) {
	var req struct {
		StudentID    string `json:"studentId"`
		Password     string `json:"password"`
		SessionToken string `json:"sessionToken"`
		CaptureID    string `json:"captureId"`
	}
	if !bind(c, &req) {
		return
	}
	session, err := s.deps.Sessions.Parse(req.SessionToken)
	if err != nil {
		fail(c, err)
		return
	}
	out, err := s.deps.Recorder.Mark(c.Request.Context(), attendance.MarkRequest{
		StudentID:  req.StudentID,
		Password:   req.Password,
		Session:    session,
		ClientAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		CaptureID:  req.CaptureID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": out.Record, "accessGranted": out.AccessGranted})
}

func (s *Server) manualAttendance(c *gin.Context) {
	var req struct {
		ClassID    string `json:"classId"`
		StudentID  string `json:"studentId"`
		Name       string `json:"name"`
		Subject    string `json:"subject"`
		Department string `json:"department"`
	}
	if !bind(c, &req) {
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	rec, err := s.deps.Recorder.MarkManual(c.Request.Context(), attendance.ManualRequest{
		ClassID:     teacherClass(c, req.ClassID),
		StudentID:   req.StudentID,
		Name:        req.Name,
		Subject:     req.Subject,
		TeacherName: firstNonEmpty(claims.Name, claims.Subject),
		Department:  firstNonEmpty(req.Department, claims.Department),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": rec})
}

func (s *Server) listAttendance(c *gin.Context) {
	recs, err := s.deps.Recorder.List(c.Request.Context(), teacherClass(c, c.Query("classId")))
	if err != nil {
		fail(c, err)
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": recs})
}

func (s *Server) grantAccess(c *gin.Context) {
	var req portal.GrantRequest
	if !bind(c, &req) {
		return
	}
	req.StudentID = firstNonEmpty(strings.TrimSpace(req.StudentID), "anonymous")
	req.ClientAddr = firstNonEmpty(strings.TrimSpace(req.ClientAddr), c.ClientIP())

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.Config.GrantTimeout)
	defer cancel()
	if err := s.deps.Granter.Grant(ctx, req); err != nil {
		logger.Warn().Err(err).Str("student_id", req.StudentID).Str("client_addr", req.ClientAddr).Msg("manual access grant failed")
		if errors.Is(err, portal.ErrGrantDisabled) {
			c.JSON(http.StatusOK, gin.H{"success": false})
			return
		}
		fail(c, apperrors.ErrGrantFailed)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) faceCapture(c *gin.Context) {
	var req struct {
		ImageData string `json:"imageData"`
		StudentID string `json:"studentId"`
	}
	if !bind(c, &req) {
		return
	}
	if s.deps.Captures == nil {
		fail(c, apperrors.ErrCaptureFailed)
		return
	}
	id, err := s.deps.Captures.Capture(c.Request.Context(), req.StudentID, req.ImageData)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "captureId": id})
}

func (s *Server) clientIP(c *gin.Context) {
	ip := c.ClientIP()
	mode := s.deps.Modes.Classify(c.Request.Host)
	c.JSON(http.StatusOK, gin.H{"success": true, "ip": ip, "mode": mode, "isPortalMode": mode == portal.ModePortalGateway})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
