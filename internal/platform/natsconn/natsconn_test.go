package natsconn

import (
	"strings"
	"testing"
	"time"
)

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("NATS_MAX_RECONNECTS", "")
	t.Setenv("NATS_RECONNECT_WAIT", "")
	if got := envInt("NATS_MAX_RECONNECTS", 5); got != 5 {
		t.Fatalf("expected default 5, got %d", got)
	}
	if got := envDuration("NATS_RECONNECT_WAIT", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected default 2s, got %s", got)
	}

	ints := map[string]int{"7": 7, "0": 0, "-3": 5, "many": 5}
	for raw, want := range ints {
		t.Setenv("NATS_MAX_RECONNECTS", raw)
		if got := envInt("NATS_MAX_RECONNECTS", 5); got != want {
			t.Fatalf("envInt(%q) = %d, want %d", raw, got, want)
		}
	}

	durations := map[string]time.Duration{"250ms": 250 * time.Millisecond, "0s": 2 * time.Second, "soon": 2 * time.Second}
	for raw, want := range durations {
		t.Setenv("NATS_RECONNECT_WAIT", raw)
		if got := envDuration("NATS_RECONNECT_WAIT", 2*time.Second); got != want {
			t.Fatalf("envDuration(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestConnectFailsFast(t *testing.T) {
	_, err := Connect(Options{
		URL:           "nats://127.0.0.1:19999",
		MaxReconnects: 1,
		ReconnectWait: 10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error connecting to an unreachable server")
	}
	if !strings.Contains(err.Error(), "nats://127.0.0.1:19999") {
		t.Fatalf("expected url in error, got %v", err)
	}
}
