package store

import (
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobAssigned  JobState = "ASSIGNED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobAbandoned JobState = "ABANDONED"
)

// JobPriority orders jobs in the queue. Higher wins.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN"
	}
}

// Promote bumps a retried job one priority level, capped at URGENT.
func (p JobPriority) Promote() JobPriority {
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

// PriorityForReward maps a job reward to its admission priority.
func PriorityForReward(reward float64) JobPriority {
	switch {
	case reward >= 0.01:
		return PriorityHigh
	case reward >= 0.001:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// PaymentState tracks a payment through settlement.
type PaymentState string

const (
	PaymentPending   PaymentState = "PENDING"
	PaymentSubmitted PaymentState = "SUBMITTED"
	PaymentConfirmed PaymentState = "CONFIRMED"
	PaymentFailed    PaymentState = "FAILED"
)

// Agent is a registered execution node that owns GPU hardware.
type Agent struct {
	AgentID    string `json:"agent_id" db:"agent_id"`
	Credential string `json:"-" db:"credential"` // opaque bearer, returned exactly once
	Wallet     string `json:"wallet" db:"wallet"`

	GPUVendor string `json:"gpu_vendor" db:"gpu_vendor"`
	GPUModel  string `json:"gpu_model" db:"gpu_model"`
	GPUMemory int64  `json:"gpu_memory" db:"gpu_memory"` // bytes
	Framework string `json:"framework" db:"framework"`

	MaxConcurrent   int       `json:"max_concurrent" db:"max_concurrent"`
	CurrentLoad     int       `json:"current_load" db:"current_load"`
	Healthy         bool      `json:"healthy" db:"healthy"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	LastAssignedAt  time.Time `json:"last_assigned_at" db:"last_assigned_at"`

	Completed          int64   `json:"completed" db:"completed"`
	Failed             int64   `json:"failed" db:"failed"`
	Retried            int64   `json:"retried" db:"retried"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds" db:"avg_duration_seconds"`
	Reputation         float64 `json:"reputation" db:"reputation"`
	TotalEarned        float64 `json:"total_earned" db:"total_earned"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasGPU reports whether the agent advertises any GPU at all.
func (a *Agent) HasGPU() bool {
	return a.GPUVendor != "" || a.GPUMemory > 0
}

// AvailableSlots is the number of additional jobs the agent can take.
func (a *Agent) AvailableSlots() int {
	n := a.MaxConcurrent - a.CurrentLoad
	if n < 0 {
		return 0
	}
	return n
}

// Job is a unit of compute work brokered by the marketplace.
type Job struct {
	JobID       string            `json:"job_id" db:"job_id"`
	JobType     string            `json:"job_type" db:"job_type"`
	DockerImage string            `json:"docker_image" db:"docker_image"`
	Command     []string          `json:"command" db:"command"`
	Env         map[string]string `json:"env" db:"env"`

	RequiresGPU       bool  `json:"requires_gpu" db:"requires_gpu"`
	GPUMemoryRequired int64 `json:"gpu_memory_required" db:"gpu_memory_required"`
	TimeoutSeconds    int   `json:"timeout_seconds" db:"timeout_seconds"`

	Reward float64 `json:"reward" db:"reward"` // SOL

	State      JobState    `json:"state" db:"state"`
	Priority   JobPriority `json:"priority" db:"priority"`
	RetryCount int         `json:"retry_count" db:"retry_count"`
	MaxRetries int         `json:"max_retries" db:"max_retries"`

	AssignedAgentID string     `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	LastError       string     `json:"last_error,omitempty" db:"last_error"`
	PaymentID       string     `json:"payment_id,omitempty" db:"payment_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Active reports whether the job currently occupies an agent slot.
func (j *Job) Active() bool {
	return j.State == JobAssigned || j.State == JobRunning
}

// Payment records settlement of a completed job. At most one per job.
type Payment struct {
	PaymentID  string       `json:"payment_id" db:"payment_id"`
	JobID      string       `json:"job_id" db:"job_id"`
	FromWallet string       `json:"from_wallet" db:"from_wallet"`
	ToWallet   string       `json:"to_wallet" db:"to_wallet"`
	Amount     float64      `json:"amount" db:"amount"`
	Signature  string       `json:"signature,omitempty" db:"signature"`
	State      PaymentState `json:"state" db:"state"`

	Attempts      int       `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	Parked        bool      `json:"parked" db:"parked"` // exhausted backoff, awaiting manual review

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
