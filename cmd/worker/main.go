package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendcode/internal/config"
	"attendcode/internal/logger"
	"attendcode/internal/metrics"
	"attendcode/internal/portal"
	"attendcode/internal/queue"
	"attendcode/internal/store"
)

// grantQueueKey must match the api binary.
const grantQueueKey = "attendcode:grants"

// Worker drains queued access grants and forwards each to the gateway once.
func main() {
	cfg := config.Load()
	logger.Configure(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logger.With("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if cfg.GatewayURL == "" {
		log.Fatal().Msg("GATEWAY_URL is required")
	}

	metricsSrv := newMetricsServer(":" + cfg.WorkerMetricsPort)
	go func() {
		log.Info().Str("port", cfg.WorkerMetricsPort).Msg("serving worker metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable; will keep retrying")
	}

	q := queue.NewRedisQueue(redisClient.Client, grantQueueKey)
	gateway := portal.NewHTTPGateway(cfg.GatewayURL, cfg.GrantTimeout)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("queue consume init failed")
	}

	log.Info().Str("gateway", cfg.GatewayURL).Msg("worker started, waiting for grant jobs")
	for msg := range messages {
		if err := process(ctx, gateway, msg, cfg.GrantTimeout); err != nil {
			log.Warn().Err(err).Msg("grant job failed")
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}

	log.Info().Msg("worker stopped")
}

// newMetricsServer exposes the grant counters for scraping.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// process makes one grant attempt for msg; the student already has a record.
func process(ctx context.Context, g portal.Granter, msg queue.Message, timeout time.Duration) error {
	req, err := portal.DecodeGrantJob(msg)
	if err != nil {
		metrics.Grants.WithLabelValues("invalid").Inc()
		return err
	}

	grantCtx, done := context.WithTimeout(ctx, timeout)
	defer done()
	if err := g.Grant(grantCtx, req); err != nil {
		metrics.Grants.WithLabelValues("error").Inc()
		return fmt.Errorf("grant %s at %s: %w", req.StudentID, req.ClientAddr, err)
	}
	metrics.Grants.WithLabelValues("ok").Inc()
	logger.Info().Str("student_id", req.StudentID).Str("client_addr", req.ClientAddr).Msg("network access granted")
	return nil
}
