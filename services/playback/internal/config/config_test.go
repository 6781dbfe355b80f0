package config

import (
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Setenv("SERVICE_NAME", "playback")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CATALOG_BACKEND", "memory")
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != "auto" || cfg.GRPC.Addr != ":9096" || cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AsyncWrites || !cfg.RecommendShuffle || cfg.CacheTTL != 10*time.Minute {
		t.Fatalf("unexpected feature defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBase(t)
	t.Setenv("PLAYBACK_STORE", "Redis")
	t.Setenv("RECOMMEND_SEED", "42")
	t.Setenv("RECOMMEND_SHUFFLE", "false")
	t.Setenv("CB_FAILURE_THRESHOLD", "9")
	t.Setenv("WORKER_BATCH_INTERVAL", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != "redis" || cfg.RecommendSeed != 42 || cfg.RecommendShuffle {
		t.Fatalf("overrides not applied %+v", cfg)
	}
	if cfg.CBFailureThreshold != 9 || cfg.BatchWait != 500*time.Millisecond {
		t.Fatalf("overrides not applied %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"missing jwt secret":         {"JWT_SECRET": ""},
		"bad seed":                   {"RECOMMEND_SEED": "-1"},
		"postgres catalog needs dsn": {"CATALOG_BACKEND": "postgres"},
		"async needs nats":           {"PLAYBACK_ASYNC_WRITES": "true"},
		"prod needs signing secret":  {"APP_ENV": "production"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setBase(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
