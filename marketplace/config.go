package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read from environment variables.
type Config struct {
	ListenAddr  string
	DatabaseURL string // empty: in-memory store
	RedisAddr   string // empty: in-memory idempotency cache

	AdminKey       string
	TreasuryWallet string

	HeartbeatTimeout  time.Duration
	RebalanceInterval time.Duration
	TimeoutBuffer     float64

	MaxRetries           int
	SettlementWorkers    int
	SettlementBackoff    []time.Duration // empty: built-in schedule
	DefaultMaxConcurrent int
}

func loadConfig() Config {
	cfg := Config{
		ListenAddr:        ":8080",
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		AdminKey:          os.Getenv("ADMIN_KEY"),
		TreasuryWallet:    "TREASURY",
		HeartbeatTimeout:  60 * time.Second,
		RebalanceInterval: 30 * time.Second,
		TimeoutBuffer:     1.2,

		MaxRetries:           3,
		SettlementWorkers:    4,
		DefaultMaxConcurrent: 2,
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if wallet := os.Getenv("TREASURY_WALLET"); wallet != "" {
		cfg.TreasuryWallet = wallet
	}
	if cfg.AdminKey == "" {
		cfg.AdminKey = "dev-admin-key"
		log.Println("WARNING: ADMIN_KEY not set, using insecure development default")
	}

	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("REBALANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RebalanceInterval = d
		}
	}
	if v := os.Getenv("TIMEOUT_BUFFER"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil && f >= 1 {
			cfg.TimeoutBuffer = f
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("SETTLEMENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SettlementWorkers = n
		}
	}
	if v := os.Getenv("SETTLEMENT_BACKOFF"); v != "" {
		if steps, err := parseBackoff(v); err == nil {
			cfg.SettlementBackoff = steps
		} else {
			log.Printf("WARNING: ignoring SETTLEMENT_BACKOFF %q: %v", v, err)
		}
	}
	if v := os.Getenv("DEFAULT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultMaxConcurrent = n
		}
	}

	return cfg
}

// parseBackoff parses a comma-separated duration list, e.g. "1s,5s,30s".
func parseBackoff(v string) ([]time.Duration, error) {
	var steps []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("non-positive step %s", d)
		}
		steps = append(steps, d)
	}
	return steps, nil
}
