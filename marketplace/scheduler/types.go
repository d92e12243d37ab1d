package scheduler

import (
	"time"
)

// Config holds the maintenance loop tuning knobs.
type Config struct {
	// RebalanceInterval is the period between maintenance passes.
	RebalanceInterval time.Duration

	// HeartbeatTimeout marks an agent unhealthy once its last heartbeat
	// is older than this.
	HeartbeatTimeout time.Duration

	// TimeoutBuffer scales a job's declared timeout before the
	// maintenance loop reclaims it, absorbing clock skew and transfer
	// overhead.
	TimeoutBuffer float64

	// DispatchBatch caps how many queued jobs one pass tries to place.
	DispatchBatch int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RebalanceInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		TimeoutBuffer:     1.2,
		DispatchBatch:     100,
	}
}
