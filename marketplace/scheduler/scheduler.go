package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/squirtgunhero/node3/marketplace/clock"
	"github.com/squirtgunhero/node3/marketplace/observability"
	"github.com/squirtgunhero/node3/marketplace/registry"
	"github.com/squirtgunhero/node3/marketplace/store"
)

// ErrNoAgent means no healthy agent with free capacity matches the job.
// The job stays queued.
var ErrNoAgent = errors.New("no eligible agent")

// Lifecycle is the contract the maintenance loop drives transitions
// through. Implemented by the lifecycle controller; declared here so the
// scheduler never imports it.
type Lifecycle interface {
	// Dispatch places one queued job on the best eligible agent.
	Dispatch(ctx context.Context, jobID string) (agentID string, err error)

	// Reassign takes an active job away from its agent: requeue with
	// promoted priority while retries remain, abandon otherwise.
	Reassign(ctx context.Context, jobID, reason string) error
}

// Settler retries unfinished payments.
type Settler interface {
	SubmitDue(ctx context.Context, now time.Time)
}

// Scheduler runs the periodic maintenance pass: heartbeat sweep, timeout
// sweep, dispatch sweep, payment retry sweep. Single instance per process.
type Scheduler struct {
	queue   *JobQueue
	reg     *registry.Registry
	st      store.Store
	lc      Lifecycle
	settler Settler
	clk     clock.Clock
	cfg     Config
}

func New(queue *JobQueue, reg *registry.Registry, st store.Store, lc Lifecycle, settler Settler, clk clock.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		queue:   queue,
		reg:     reg,
		st:      st,
		lc:      lc,
		settler: settler,
		clk:     clk,
		cfg:     cfg,
	}
}

// Start runs maintenance passes until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		log.Printf("[SCHEDULER] maintenance loop started (interval=%s)", s.cfg.RebalanceInterval)
		for {
			s.clk.Sleep(ctx, s.cfg.RebalanceInterval)
			if ctx.Err() != nil {
				log.Printf("[SCHEDULER] maintenance loop stopped")
				return
			}
			s.RunOnce(ctx)
		}
	}()
}

// RunOnce performs one full maintenance pass. Order matters: liveness
// first so the timeout and dispatch sweeps see fresh health, payments last
// so completions from this pass get their first settlement attempt.
func (s *Scheduler) RunOnce(ctx context.Context) {
	started := time.Now()
	now := s.clk.Now()

	s.sweepHeartbeats(ctx, now)
	s.sweepTimeouts(ctx, now)
	s.sweepDispatch(ctx)
	s.settler.SubmitDue(ctx, now)

	s.publishGauges()
	observability.MaintenancePassDuration.Observe(time.Since(started).Seconds())
}

// sweepHeartbeats flips silent agents to unhealthy and reclaims their
// active jobs.
func (s *Scheduler) sweepHeartbeats(ctx context.Context, now time.Time) {
	expired := s.reg.SweepExpired(ctx, now, s.cfg.HeartbeatTimeout)
	for _, agentID := range expired {
		jobs, err := s.st.ListJobsByAgent(ctx, agentID)
		if err != nil {
			log.Printf("[SCHEDULER] list jobs for unhealthy agent %s: %v", agentID, err)
			continue
		}
		for _, j := range jobs {
			if !j.Active() {
				continue
			}
			if err := s.lc.Reassign(ctx, j.JobID, "agent unhealthy"); err != nil {
				log.Printf("[SCHEDULER] reassign %s from unhealthy agent %s: %v", j.JobID, agentID, err)
				continue
			}
			logDecision("reclaim", j.JobID, agentID, "agent unhealthy")
		}
	}
}

// sweepTimeouts reclaims jobs that blew their declared timeout plus
// buffer. ASSIGNED jobs count from assignment, RUNNING from start.
func (s *Scheduler) sweepTimeouts(ctx context.Context, now time.Time) {
	for _, state := range []store.JobState{store.JobAssigned, store.JobRunning} {
		jobs, err := s.st.ListJobsByState(ctx, state, 0)
		if err != nil {
			log.Printf("[SCHEDULER] list %s jobs: %v", state, err)
			continue
		}
		for _, j := range jobs {
			var since *time.Time
			switch state {
			case store.JobRunning:
				since = j.StartedAt
			case store.JobAssigned:
				since = j.AssignedAt
			}
			if since == nil {
				continue
			}
			allowed := time.Duration(float64(j.TimeoutSeconds) * s.cfg.TimeoutBuffer * float64(time.Second))
			if now.Sub(*since) <= allowed {
				continue
			}
			if err := s.lc.Reassign(ctx, j.JobID, "timeout"); err != nil {
				log.Printf("[SCHEDULER] reassign timed-out job %s: %v", j.JobID, err)
				continue
			}
			logDecision("reclaim", j.JobID, j.AssignedAgentID, "timeout")
		}
	}
}

// sweepDispatch pushes queued jobs onto agents with free capacity. Each
// iteration takes the best job some agent can run right now, so an
// unplaceable head (say a 16GB GPU job on a 4GB fleet) never starves
// placeable jobs behind it.
func (s *Scheduler) sweepDispatch(ctx context.Context) {
	var unplaced []*Entry
	defer func() {
		for _, e := range unplaced {
			s.queue.Push(e.JobID, e.Priority, e.AdmittedAt)
		}
	}()

	for i := 0; i < s.cfg.DispatchBatch; i++ {
		fleet := s.reg.Snapshot()
		e := s.queue.PopBestMatch(func(jobID string) bool {
			j, err := s.st.GetJob(ctx, jobID)
			if err != nil {
				// Pop it; the dispatch path classifies the error.
				return true
			}
			for _, a := range fleet {
				if registry.Eligible(a, j) {
					return true
				}
			}
			return false
		})
		if e == nil {
			return
		}

		agentID, err := s.lc.Dispatch(ctx, e.JobID)
		switch {
		case err == nil:
			observability.JobsAssigned.WithLabelValues("push").Inc()
			logDecision("dispatch", e.JobID, agentID, e.Priority.String())

		case errors.Is(err, ErrNoAgent):
			// Eligibility changed between the match and the act. Set the
			// entry aside so the rest of the queue still gets a look.
			unplaced = append(unplaced, e)

		case errors.Is(err, store.ErrConflict):
			// Lost a race. If the job is still queued the conflict was
			// agent capacity, so keep the entry; otherwise an agent
			// pulled it and the entry is stale.
			j, gerr := s.st.GetJob(ctx, e.JobID)
			if gerr == nil && j.State == store.JobQueued {
				s.queue.Push(e.JobID, e.Priority, e.AdmittedAt)
			}

		case errors.Is(err, store.ErrNotFound):
			// Stale entry, drop it.

		default:
			log.Printf("[SCHEDULER] dispatch job %s: %v", e.JobID, err)
			unplaced = append(unplaced, e)
			return
		}
	}
}

// RehydrateQueue rebuilds queue entries from QUEUED rows after a restart.
func (s *Scheduler) RehydrateQueue(ctx context.Context) error {
	jobs, err := s.st.ListJobsByState(ctx, store.JobQueued, 0)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		s.queue.Push(j.JobID, j.Priority, j.CreatedAt)
	}
	log.Printf("[SCHEDULER] rehydrated queue with %d jobs", len(jobs))
	return nil
}

// logDecision emits one machine-parseable line per scheduling decision so
// assignment history can be grepped out of the logs.
func logDecision(action, jobID, agentID, detail string) {
	line, _ := json.Marshal(map[string]string{
		"action": action,
		"job_id": jobID,
		"agent":  agentID,
		"detail": detail,
	})
	log.Printf("[SCHEDULER] %s", line)
}

func (s *Scheduler) publishGauges() {
	depth := s.queue.DepthByPriority()
	for _, p := range []store.JobPriority{store.PriorityLow, store.PriorityNormal, store.PriorityHigh, store.PriorityUrgent} {
		observability.QueueDepth.WithLabelValues(p.String()).Set(float64(depth[p]))
	}

	total, healthy := s.reg.Counts()
	observability.RegisteredAgents.WithLabelValues("true").Set(float64(healthy))
	observability.RegisteredAgents.WithLabelValues("false").Set(float64(total - healthy))

	load := 0
	for _, a := range s.reg.Snapshot() {
		load += a.CurrentLoad
	}
	observability.ActiveJobs.Set(float64(load))
}

// Queue exposes the queue for the API layer and debug snapshot.
func (s *Scheduler) Queue() *JobQueue { return s.queue }

// Config exposes the loop configuration for the debug snapshot.
func (s *Scheduler) Config() Config { return s.cfg }
