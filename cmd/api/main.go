package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"attendcode/internal/api"
	"attendcode/internal/attendance"
	"attendcode/internal/auth"
	"attendcode/internal/capture"
	"attendcode/internal/clock"
	"attendcode/internal/cloudinary"
	"attendcode/internal/codes"
	"attendcode/internal/config"
	"attendcode/internal/faceclient"
	"attendcode/internal/logger"
	"attendcode/internal/portal"
	"attendcode/internal/queue"
	"attendcode/internal/store"
)

// GrantQueueKey is the Redis list shared with the worker.
const GrantQueueKey = "attendcode:grants"

func main() {
	cfg := config.Load()
	logger.Configure(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		logger.Fatal().Err(err).Msg("http server failed")
	}
}

// backends groups the storage roles a deployment fills.
type backends struct {
	codes    codes.Store
	classes  codes.ClassDirectory
	records  attendance.RecordStore
	roster   attendance.Roster
	captures interface {
		attendance.Captures
		capture.Store
	}
	redis   *store.Redis
	health  []api.HealthCheck
	closers []func() error
}

func openBackends(ctx context.Context, cfg config.App, clk clock.Clock) (*backends, error) {
	b := &backends{}
	switch cfg.StoreBackend {
	case "memory":
		mem := store.NewMemory(clk)
		if !cfg.Production() {
			seedDemo(mem, demoStudent())
		}
		b.codes, b.classes, b.records, b.roster, b.captures = mem, mem, mem, mem, mem
		logger.Warn().Msg("using in-memory store; data is lost on restart")

	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.codes, b.classes, b.records, b.roster = db, db, db, db
		if !cfg.Production() {
			if err := db.PutClass(ctx, demoClass, "Demo class"); err != nil {
				logger.Warn().Err(err).Msg("seed demo class")
			}
			if err := db.PutStudent(ctx, demoStudent()); err != nil {
				logger.Warn().Err(err).Msg("seed demo student")
			}
		}
		b.closers = append(b.closers, db.Close)
		b.health = append(b.health, api.HealthCheck{Name: "db", Check: db.Healthy})

		// Captures are short-lived; keep them in Redis when it is reachable.
		rdb := store.NewRedis(cfg.RedisAddr)
		if rdb.Healthy(ctx) {
			b.redis = rdb
			b.captures = rdb
			b.closers = append(b.closers, rdb.Close)
			b.health = append(b.health, api.HealthCheck{Name: "redis", Check: rdb.Healthy})
		} else {
			_ = rdb.Close()
			logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable, captures kept in memory")
			b.captures = store.NewMemory(clk)
		}

	default:
		rdb := store.NewRedis(cfg.RedisAddr)
		if !rdb.Healthy(ctx) {
			logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable at startup")
		}
		b.redis = rdb
		b.codes, b.records, b.roster, b.captures = rdb, rdb, rdb, rdb
		if !cfg.Production() {
			if err := rdb.PutStudent(ctx, demoStudent()); err != nil {
				logger.Warn().Err(err).Msg("seed demo student")
			}
		}
		b.closers = append(b.closers, rdb.Close)
		b.health = append(b.health, api.HealthCheck{Name: "redis", Check: rdb.Healthy})
	}
	return b, nil
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("close backend")
		}
	}
}

const demoClass = "demo"

// demoPassword is the dev-only credential of the seeded student.
const demoPassword = "student1"

func demoStudent() attendance.Student {
	s := attendance.Student{ID: "student1", Name: "Demo Student", Email: "student1@example.edu"}
	hash, err := attendance.HashPassword(demoPassword)
	if err != nil {
		logger.Warn().Err(err).Msg("hash demo password")
		return s
	}
	s.PasswordHash = hash
	logger.Info().Str("student_id", s.ID).Str("password", demoPassword).Msg("demo student credentials")
	return s
}

func seedDemo(mem *store.Memory, s attendance.Student) {
	mem.AddClass(demoClass)
	mem.AddStudent(s)
	logger.Info().Str("class_id", demoClass).Str("student_id", s.ID).Msg("seeded demo roster")
}

func newGranter(cfg config.App, b *backends) portal.Granter {
	switch cfg.GrantMode {
	case "off":
		return portal.NopGranter{}
	case "queue":
		if b.redis == nil {
			logger.Warn().Msg("GRANT_MODE=queue needs redis; access grants disabled")
			return portal.NopGranter{}
		}
		return portal.QueueGranter{Queue: queue.NewRedisQueue(b.redis.Client, GrantQueueKey)}
	default:
		if cfg.GatewayURL == "" {
			logger.Info().Msg("GATEWAY_URL not set; access grants disabled")
			return portal.NopGranter{}
		}
		return portal.NewHTTPGateway(cfg.GatewayURL, cfg.GrantTimeout)
	}
}

func newCaptureService(cfg config.App, b *backends, face *faceclient.Client) *capture.Service {
	var uploader capture.Uploader
	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	if cdn.Configured() {
		uploader = cdn
		logger.Info().Str("cloud", cfg.CloudinaryCloudName).Msg("cloudinary configured")
	} else {
		logger.Info().Msg("cloudinary not configured, captures go straight to the face service")
	}
	return capture.NewService(uploader, face, b.captures, cfg.CaptureTTL, cfg.StoreTimeout)
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()
	clk := clock.System{}

	b, err := openBackends(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer b.Close()

	modes := portal.NewClassifier(cfg.PortalHosts)
	granter := newGranter(cfg, b)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		b.health = append(b.health, api.HealthCheck{Name: "face", Check: func(ctx context.Context) bool {
			return face.Health(ctx) == nil
		}})
	}

	deps := api.Deps{
		Config:   cfg,
		Clock:    clk,
		Issuer:   codes.NewIssuer(b.codes, b.classes, clk, cfg.StoreTimeout),
		Verifier: codes.NewVerifier(b.codes, modes, clk, cfg.StoreTimeout),
		Recorder: attendance.NewRecorder(b.records, b.roster, b.codes, granter, attendance.Options{
			Clock:        clk,
			Location:     cfg.Location(),
			StoreTimeout: cfg.StoreTimeout,
			GrantTimeout: cfg.GrantTimeout,
			Captures:     b.captures,
			CaptureTTL:   cfg.CaptureTTL,
		}),
		Sessions: auth.NewSessionSigner(cfg.JWTSigningKey, cfg.JWTIssuer, clk.Now),
		Captures: newCaptureService(cfg, b, face),
		Granter:  granter,
		Modes:    modes,
		Health:   b.health,
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.New(deps).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreBackend).Str("grant_mode", cfg.GrantMode).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced shutdown")
	}

	logger.Info().Msg("server exited")
	return nil
}
