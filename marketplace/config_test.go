package main

import (
	"testing"
	"time"
)

func TestLoadConfigSettlementBackoff(t *testing.T) {
	t.Setenv("ADMIN_KEY", "k")

	t.Setenv("SETTLEMENT_BACKOFF", "1s, 10s,2m")
	cfg := loadConfig()
	want := []time.Duration{time.Second, 10 * time.Second, 2 * time.Minute}
	if len(cfg.SettlementBackoff) != len(want) {
		t.Fatalf("Expected %d steps, got %v", len(want), cfg.SettlementBackoff)
	}
	for i, d := range want {
		if cfg.SettlementBackoff[i] != d {
			t.Errorf("Step %d: expected %s, got %s", i, d, cfg.SettlementBackoff[i])
		}
	}

	// Malformed schedules fall back to the built-in one.
	t.Setenv("SETTLEMENT_BACKOFF", "1s,banana")
	if cfg = loadConfig(); cfg.SettlementBackoff != nil {
		t.Errorf("Malformed schedule must be ignored, got %v", cfg.SettlementBackoff)
	}

	t.Setenv("SETTLEMENT_BACKOFF", "0s")
	if cfg = loadConfig(); cfg.SettlementBackoff != nil {
		t.Errorf("Non-positive steps must be rejected, got %v", cfg.SettlementBackoff)
	}
}
