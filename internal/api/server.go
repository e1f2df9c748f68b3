// Package api exposes the attendance code engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendcode/internal/attendance"
	"attendcode/internal/auth"
	"attendcode/internal/capture"
	"attendcode/internal/clock"
	"attendcode/internal/codes"
	"attendcode/internal/config"
	"attendcode/internal/httpmiddleware"
	"attendcode/internal/logger"
	"attendcode/internal/portal"
)

// HealthCheck reports on one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) bool
}

// Deps are the collaborators a Server routes to. Captures and Granter may
// be nil.
type Deps struct {
	Config   config.App
	Clock    clock.Clock
	Issuer   *codes.Issuer
	Verifier *codes.Verifier
	Recorder *attendance.Recorder
	Sessions *auth.SessionSigner
	Captures *capture.Service
	Granter  portal.Granter
	Modes    *portal.Classifier
	Health   []HealthCheck
}

// Server holds HTTP handlers.
type Server struct {
	deps    Deps
	limiter *httpmiddleware.TokenBucket
}

// New builds a server.
func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Granter == nil {
		deps.Granter = portal.NopGranter{}
	}
	if deps.Config.GrantTimeout <= 0 {
		deps.Config.GrantTimeout = 2 * time.Second
	}
	return &Server{
		deps:    deps,
		limiter: httpmiddleware.NewTokenBucket(deps.Config.RateLimitPerMin, deps.Config.RateLimitPerMin),
	}
}

// Router wires every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(s.deps.Config.TrustedProxies); err != nil {
		logger.Warn().Err(err).Msg("invalid TRUSTED_PROXIES, trusting none")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(s.corsConfig()))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)
	s.registerConnectivityChecks(r)

	v1 := r.Group("/v1")

	student := v1.Group("", s.limiter.GinMiddleware("student"))
	student.POST("/verify", s.verifyCode)
	student.POST("/attendance", s.markAttendance)
	student.POST("/face-capture", s.faceCapture)

	v1.POST("/grant-access", s.grantAccess)
	v1.GET("/client-ip", s.clientIP)

	teacher := v1.Group("", auth.TeacherAuth(s.deps.Config.JWTSigningKey, s.deps.Config.JWTIssuer))
	teacher.POST("/codes", s.issueCode)
	teacher.GET("/codes/active", s.activeCode)
	teacher.DELETE("/codes", s.revokeCode)
	teacher.POST("/attendance/manual", s.manualAttendance)
	teacher.GET("/attendance", s.listAttendance)

	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	origins := s.deps.Config.CORSOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// securityHeaders sets the standard hardening headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for _, h := range s.deps.Health {
		ok := h.Check(ctx)
		body[h.Name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
