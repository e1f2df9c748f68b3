// Command codewatch follows a class's active code and prints the
// countdown once per second, the way the teacher display renders it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendcode/internal/clock"
	"attendcode/internal/config"
	"attendcode/internal/countdown"
	"attendcode/internal/logger"
)

func main() {
	cfg := config.Load()
	logger.Configure(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logger.With("codewatch")

	baseURL := flag.String("url", "http://localhost:"+cfg.HTTPPort, "api base url")
	token := flag.String("token", os.Getenv("TEACHER_TOKEN"), "teacher bearer token")
	classID := flag.String("class", "", "class id (defaults to the token's class)")
	interval := flag.Duration("poll", 5*time.Second, "active code poll interval")
	flag.Parse()

	if *token == "" {
		log.Fatal().Msg("a teacher token is required (-token or TEACHER_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewOffset(clock.System{})
	cd := countdown.New(clk, func(target time.Time) {
		log.Info().Time("expiry", target).Msg("code expired")
	})
	source := countdown.HTTPSource{BaseURL: *baseURL, Token: *token, ClassID: *classID}
	poller := countdown.NewPoller(cd, source, *interval, func(a countdown.Active) {
		if !a.Present {
			log.Info().Msg("no active code")
			return
		}
		log.Info().Str("code", a.Code).Time("expiry", a.Expiry).Msg("active code changed")
	})

	go cd.Run(ctx)
	go poller.Run(ctx)

	ticker := time.NewTicker(countdown.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := cd.Snapshot()
			if snap.Target.IsZero() || snap.Expired {
				continue
			}
			log.Debug().
				Int("seconds", snap.SecondsRemaining).
				Float64("percent", snap.PercentRemaining).
				Msg("countdown")
		}
	}
}
