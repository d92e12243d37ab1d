package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/squirtgunhero/node3/marketplace/clock"
	"github.com/squirtgunhero/node3/marketplace/observability"
	"github.com/squirtgunhero/node3/marketplace/registry"
	"github.com/squirtgunhero/node3/marketplace/scheduler"
	"github.com/squirtgunhero/node3/marketplace/store"
	"github.com/squirtgunhero/node3/marketplace/timeline"
)

const defaultMaxRetries = 3

// PaymentQueue accepts payment IDs for asynchronous settlement.
type PaymentQueue interface {
	Enqueue(paymentID string)
}

// JobSpec is the admission request for a new job.
type JobSpec struct {
	JobType           string            `json:"job_type"`
	DockerImage       string            `json:"docker_image"`
	Command           []string          `json:"command,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	RequiresGPU       bool              `json:"requires_gpu"`
	GPUMemoryRequired int64             `json:"gpu_memory_required"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	Reward            float64           `json:"reward"`
	MaxRetries        int               `json:"max_retries,omitempty"`
}

// Controller owns every job state transition. Outside its methods nothing
// writes job state, which keeps the invariants checkable in one place.
type Controller struct {
	st       store.Store
	reg      *registry.Registry
	queue    *scheduler.JobQueue
	payments PaymentQueue
	events   *timeline.Store
	clk      clock.Clock

	// TreasuryWallet is the payer for all job rewards.
	TreasuryWallet string

	// DefaultMaxRetries applies to admitted jobs that don't set their own.
	DefaultMaxRetries int
}

func NewController(st store.Store, reg *registry.Registry, queue *scheduler.JobQueue, payments PaymentQueue, events *timeline.Store, clk clock.Clock, treasuryWallet string) *Controller {
	return &Controller{
		st:                st,
		reg:               reg,
		queue:             queue,
		payments:          payments,
		events:            events,
		clk:               clk,
		TreasuryWallet:    treasuryWallet,
		DefaultMaxRetries: defaultMaxRetries,
	}
}

// Admit validates a job spec and writes it QUEUED. Priority derives from
// the offered reward.
func (c *Controller) Admit(ctx context.Context, spec JobSpec) (*store.Job, error) {
	if spec.DockerImage == "" {
		return nil, fmt.Errorf("%w: docker_image is required", ErrBadRequest)
	}
	if spec.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must be positive", ErrBadRequest)
	}
	if spec.Reward < 0 {
		return nil, fmt.Errorf("%w: reward cannot be negative", ErrBadRequest)
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.DefaultMaxRetries
	}

	now := c.clk.Now()
	j := &store.Job{
		JobID:             uuid.NewString(),
		JobType:           spec.JobType,
		DockerImage:       spec.DockerImage,
		Command:           spec.Command,
		Env:               spec.Env,
		RequiresGPU:       spec.RequiresGPU,
		GPUMemoryRequired: spec.GPUMemoryRequired,
		TimeoutSeconds:    spec.TimeoutSeconds,
		Reward:            spec.Reward,
		State:             store.JobQueued,
		Priority:          store.PriorityForReward(spec.Reward),
		MaxRetries:        maxRetries,
		CreatedAt:         now,
	}

	if err := c.st.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	c.queue.Push(j.JobID, j.Priority, j.CreatedAt)

	observability.JobsAdmitted.WithLabelValues(j.Priority.String()).Inc()
	c.record(j.JobID, "ADMITTED", "", map[string]string{"priority": j.Priority.String()})
	log.Printf("[LIFECYCLE] admitted job %s (priority=%s reward=%.9f)", j.JobID, j.Priority, j.Reward)
	return j, nil
}

// Available previews QUEUED jobs an agent with the given capability could
// run, in queue order. Read-only: nothing transitions.
func (c *Controller) Available(ctx context.Context, gpuMemory int64, hasGPU bool, max int) ([]*store.Job, error) {
	if max <= 0 || max > 50 {
		max = 10
	}

	var result []*store.Job
	for _, e := range c.queue.PeekAll() {
		j, err := c.st.GetJob(ctx, e.JobID)
		if err != nil {
			continue
		}
		if j.State != store.JobQueued {
			continue
		}
		if j.RequiresGPU && !hasGPU {
			continue
		}
		if j.GPUMemoryRequired > gpuMemory {
			continue
		}
		result = append(result, j)
		if len(result) >= max {
			break
		}
	}
	return result, nil
}

// Accept claims a QUEUED job for a pull-style agent. Atomic with the load
// increment; a losing racer sees Conflict.
func (c *Controller) Accept(ctx context.Context, agentID, jobID string) error {
	a, ok := c.reg.Get(agentID)
	if !ok {
		return store.ErrNotFound
	}
	j, err := c.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	// Repeated accept of an already-owned job is a success, not a
	// conflict.
	if j.State == store.JobAssigned && j.AssignedAgentID == agentID {
		return nil
	}
	if !registry.Eligible(a, j) {
		return store.ErrConflict
	}

	now := c.clk.Now()
	if err := c.st.AssignJob(ctx, jobID, agentID, now); err != nil {
		return err
	}
	c.reg.NoteAssigned(agentID, now)
	c.queue.Remove(jobID)

	observability.JobsAssigned.WithLabelValues("pull").Inc()
	c.record(jobID, "ASSIGNED", agentID, map[string]string{"mode": "pull"})
	log.Printf("[LIFECYCLE] agent %s accepted job %s", agentID, jobID)
	return nil
}

// Started records that execution began: ASSIGNED -> RUNNING.
func (c *Controller) Started(ctx context.Context, agentID, jobID string) error {
	j, err := c.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State == store.JobRunning && j.AssignedAgentID == agentID {
		return nil
	}

	now := c.clk.Now()
	if err := c.st.StartJob(ctx, jobID, agentID, now); err != nil {
		return err
	}
	c.record(jobID, "STARTED", agentID, nil)
	return nil
}

// Complete finishes a RUNNING job. One transaction flips the job to
// COMPLETED, frees the agent slot and creates the PENDING payment row;
// settlement is enqueued after commit so the payment exists before any
// worker touches it.
func (c *Controller) Complete(ctx context.Context, agentID, jobID string, duration time.Duration) (*store.Payment, error) {
	j, err := c.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Repeated complete: return the payment created the first time.
	if j.State == store.JobCompleted && j.AssignedAgentID == agentID {
		return c.st.GetPaymentByJob(ctx, jobID)
	}

	a, ok := c.reg.Get(agentID)
	if !ok {
		return nil, store.ErrNotFound
	}

	now := c.clk.Now()
	p := &store.Payment{
		PaymentID:     uuid.NewString(),
		JobID:         jobID,
		FromWallet:    c.TreasuryWallet,
		ToWallet:      a.Wallet,
		Amount:        j.Reward,
		State:         store.PaymentPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.st.CompleteJobAndCreatePayment(ctx, jobID, agentID, now, p); err != nil {
		return nil, err
	}
	c.reg.NoteReleased(agentID)

	if err := c.reg.ObserveCompletion(ctx, agentID, duration, j.Reward, now); err != nil {
		log.Printf("[LIFECYCLE] update stats for agent %s: %v", agentID, err)
	}

	observability.JobsCompleted.Inc()
	observability.JobRunSeconds.Observe(duration.Seconds())
	c.record(jobID, "COMPLETED", agentID, map[string]string{"payment_id": p.PaymentID})
	log.Printf("[LIFECYCLE] job %s completed by agent %s in %s (payment=%s)", jobID, agentID, duration, p.PaymentID)

	c.payments.Enqueue(p.PaymentID)
	return p, nil
}

// Fail handles an agent-reported execution failure: the job goes back to
// the queue while retries remain, the agent's record takes the hit.
func (c *Controller) Fail(ctx context.Context, agentID, jobID, reason string) error {
	j, err := c.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Active() || j.AssignedAgentID != agentID {
		return store.ErrConflict
	}

	now := c.clk.Now()
	if err := c.reg.ObserveFailure(ctx, agentID, now); err != nil {
		log.Printf("[LIFECYCLE] record failure for agent %s: %v", agentID, err)
	}
	return c.reassign(ctx, j, reason, "agent_failure")
}

// Dispatch places one queued job on the highest-scoring eligible agent.
// Called by the maintenance loop's dispatch sweep.
func (c *Controller) Dispatch(ctx context.Context, jobID string) (string, error) {
	j, err := c.st.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.State != store.JobQueued {
		return "", store.ErrConflict
	}

	candidates := c.candidates(j)
	if len(candidates) == 0 {
		return "", scheduler.ErrNoAgent
	}

	now := c.clk.Now()
	for _, a := range candidates {
		err := c.st.AssignJob(ctx, jobID, a.AgentID, now)
		if errors.Is(err, store.ErrConflict) {
			// Agent filled up since the snapshot; try the next one.
			continue
		}
		if err != nil {
			return "", err
		}
		c.reg.NoteAssigned(a.AgentID, now)
		c.record(jobID, "ASSIGNED", a.AgentID, map[string]string{"mode": "push"})
		return a.AgentID, nil
	}
	return "", store.ErrConflict
}

// Reassign takes an active job away from its agent. While retries remain
// it re-enters the queue one priority level up; otherwise it is abandoned.
func (c *Controller) Reassign(ctx context.Context, jobID, reason string) error {
	j, err := c.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Active() {
		return nil
	}

	now := c.clk.Now()
	if err := c.reg.ObserveRetry(ctx, j.AssignedAgentID, now); err != nil {
		log.Printf("[LIFECYCLE] record retry for agent %s: %v", j.AssignedAgentID, err)
	}
	return c.reassign(ctx, j, reason, categorize(reason))
}

// reassign implements the shared requeue-or-abandon decision. j must be
// ASSIGNED or RUNNING.
func (c *Controller) reassign(ctx context.Context, j *store.Job, reason, category string) error {
	agentID := j.AssignedAgentID
	now := c.clk.Now()

	if j.RetryCount < j.MaxRetries {
		promoted := j.Priority.Promote()
		if err := c.st.RequeueJob(ctx, j.JobID, j.RetryCount+1, promoted, reason); err != nil {
			return err
		}
		c.reg.NoteReleased(agentID)
		// Admission time is preserved so the retry keeps its FIFO spot
		// within the promoted class.
		c.queue.Push(j.JobID, promoted, j.CreatedAt)

		observability.JobsRequeued.WithLabelValues(category).Inc()
		c.record(j.JobID, "REQUEUED", agentID, map[string]string{
			"reason":   reason,
			"retry":    fmt.Sprintf("%d/%d", j.RetryCount+1, j.MaxRetries),
			"priority": promoted.String(),
		})
		log.Printf("[LIFECYCLE] requeued job %s (reason=%q retry=%d/%d priority=%s)",
			j.JobID, reason, j.RetryCount+1, j.MaxRetries, promoted)
		return nil
	}

	if err := c.st.AbandonJob(ctx, j.JobID, reason, now); err != nil {
		return err
	}
	c.reg.NoteReleased(agentID)

	observability.JobsAbandoned.WithLabelValues(category).Inc()
	c.record(j.JobID, "ABANDONED", agentID, map[string]string{"reason": reason})
	log.Printf("[LIFECYCLE] abandoned job %s after %d retries (reason=%q)", j.JobID, j.RetryCount, reason)
	return nil
}

// candidates returns eligible agents best first: score desc, then least
// recently assigned, then agent_id.
func (c *Controller) candidates(j *store.Job) []*store.Agent {
	var eligible []*store.Agent
	for _, a := range c.reg.Snapshot() {
		if registry.Eligible(a, j) {
			eligible = append(eligible, a)
		}
	}
	sort.Slice(eligible, func(i, k int) bool {
		si, sk := registry.ScoreAgent(eligible[i]), registry.ScoreAgent(eligible[k])
		if si != sk {
			return si > sk
		}
		if !eligible[i].LastAssignedAt.Equal(eligible[k].LastAssignedAt) {
			return eligible[i].LastAssignedAt.Before(eligible[k].LastAssignedAt)
		}
		return eligible[i].AgentID < eligible[k].AgentID
	})
	return eligible
}

// categorize folds maintenance reasons into low-cardinality metric labels.
func categorize(reason string) string {
	switch reason {
	case "agent unhealthy":
		return "agent_unhealthy"
	case "timeout":
		return "timeout"
	default:
		return "agent_failure"
	}
}

func (c *Controller) record(jobID, stage, agentID string, metadata map[string]string) {
	c.events.Record(timeline.Event{
		JobID:     jobID,
		Stage:     stage,
		Timestamp: c.clk.Now(),
		AgentID:   agentID,
		Metadata:  metadata,
	})
}
