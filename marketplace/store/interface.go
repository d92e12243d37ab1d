package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced agent, job or payment
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a state guard fails: the row is not in
	// the state the operation requires, or a capacity/uniqueness guard
	// would be violated. The caller should refresh its view.
	ErrConflict = errors.New("state conflict")

	// ErrUnavailable is returned when the backend is transiently
	// unreachable. Callers degrade to read-only behavior until recovery.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the durable mapping of agents, jobs and payments. The compound
// operations are atomic: either every effect commits or none does.
type Store interface {
	// Agent operations.
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	GetAgentByCredential(ctx context.Context, credential string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, agentID string, t time.Time) error

	// Job operations.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListJobsByState returns jobs in the given state ordered by
	// (priority desc, created_at asc). limit <= 0 means no limit.
	ListJobsByState(ctx context.Context, state JobState, limit int) ([]*Job, error)
	ListJobsByAgent(ctx context.Context, agentID string) ([]*Job, error)
	CountJobsByState(ctx context.Context) (map[JobState]int, error)

	// Compound operations. Each runs in a single transaction.

	// AssignJob transitions QUEUED -> ASSIGNED, pins the job to the agent
	// and increments the agent's load, guarded by max_concurrent.
	AssignJob(ctx context.Context, jobID, agentID string, at time.Time) error

	// StartJob transitions ASSIGNED -> RUNNING for the owning agent.
	StartJob(ctx context.Context, jobID, agentID string, at time.Time) error

	// CompleteJobAndCreatePayment transitions RUNNING -> COMPLETED for the
	// owning agent, decrements the agent's load and creates the PENDING
	// payment row. Fails with ErrConflict if a payment already exists for
	// the job.
	CompleteJobAndCreatePayment(ctx context.Context, jobID, agentID string, at time.Time, p *Payment) error

	// RequeueJob moves an ASSIGNED/RUNNING job back to QUEUED with the
	// given retry count and priority, clears assignment fields and
	// decrements the old agent's load.
	RequeueJob(ctx context.Context, jobID string, retryCount int, priority JobPriority, reason string) error

	// AbandonJob terminally abandons an ASSIGNED/RUNNING job and
	// decrements the old agent's load. No payment row is created.
	AbandonJob(ctx context.Context, jobID, reason string, at time.Time) error

	// Payment operations.
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	GetPaymentByJob(ctx context.Context, jobID string) (*Payment, error)
	// ListPaymentsDue returns non-confirmed, non-parked payments whose
	// next retry time has arrived.
	ListPaymentsDue(ctx context.Context, now time.Time) ([]*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	SumPayments(ctx context.Context) (count int, total float64, err error)
}
