package config

import (
	"testing"
	"time"
)

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "18081")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("PORTAL_HOSTS", "10.0.0.1, portal.local ,")
	t.Setenv("FACE_SKIP", "false")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	t.Setenv("CLASS_TIMEZONE", "Asia/Kolkata")
	t.Setenv("TRUSTED_PROXIES", "10.1.0.0/16")
	t.Setenv("WORKER_METRICS_PORT", "19091")

	cfg := Load()
	if cfg.HTTPPort != "18081" {
		t.Fatalf("expected HTTP_PORT override, got %s", cfg.HTTPPort)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected memory backend, got %s", cfg.StoreBackend)
	}
	if cfg.StoreTimeout != 750*time.Millisecond {
		t.Fatalf("expected 750ms store timeout, got %s", cfg.StoreTimeout)
	}
	if len(cfg.PortalHosts) != 2 || cfg.PortalHosts[0] != "10.0.0.1" || cfg.PortalHosts[1] != "portal.local" {
		t.Fatalf("unexpected portal hosts %v", cfg.PortalHosts)
	}
	if cfg.FaceSkip {
		t.Fatalf("expected FACE_SKIP=false")
	}
	if cfg.RateLimitPerMin != 30 {
		t.Fatalf("expected rate limit 30, got %d", cfg.RateLimitPerMin)
	}
	if len(cfg.TrustedProxies) != 1 || cfg.TrustedProxies[0] != "10.1.0.0/16" {
		t.Fatalf("unexpected trusted proxies %v", cfg.TrustedProxies)
	}
	if cfg.WorkerMetricsPort != "19091" {
		t.Fatalf("expected worker metrics port override, got %s", cfg.WorkerMetricsPort)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Fatalf("expected Asia/Kolkata location, got %s", cfg.Location())
	}
}

func TestLoadFallbacks(t *testing.T) {
	t.Setenv("STORE_TIMEOUT", "soon")
	t.Setenv("CLASS_TIMEZONE", "Nowhere/Special")
	cfg := Load()
	if cfg.StoreTimeout != 3*time.Second {
		t.Fatalf("expected fallback timeout, got %s", cfg.StoreTimeout)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("expected no trusted proxies by default, got %v", cfg.TrustedProxies)
	}
	if cfg.GrantMode != "direct" {
		t.Fatalf("expected direct grant mode, got %s", cfg.GrantMode)
	}
}
