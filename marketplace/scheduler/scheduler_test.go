package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/squirtgunhero/node3/marketplace/clock"
	"github.com/squirtgunhero/node3/marketplace/registry"
	"github.com/squirtgunhero/node3/marketplace/store"
)

// mockLifecycle records dispatch and reassign calls; per-job errors can be
// injected for dispatch.
type mockLifecycle struct {
	dispatched  []string
	reassigned  map[string]string
	dispatchErr map[string]error
}

func newMockLifecycle() *mockLifecycle {
	return &mockLifecycle{
		reassigned:  make(map[string]string),
		dispatchErr: make(map[string]error),
	}
}

func (m *mockLifecycle) Dispatch(ctx context.Context, jobID string) (string, error) {
	m.dispatched = append(m.dispatched, jobID)
	if err, ok := m.dispatchErr[jobID]; ok {
		return "", err
	}
	return "agent-1", nil
}

func (m *mockLifecycle) Reassign(ctx context.Context, jobID, reason string) error {
	m.reassigned[jobID] = reason
	return nil
}

type mockSettler struct {
	calls []time.Time
}

func (m *mockSettler) SubmitDue(ctx context.Context, now time.Time) {
	m.calls = append(m.calls, now)
}

func testScheduler(t *testing.T, t0 time.Time) (*Scheduler, *store.MemoryStore, *registry.Registry, *clock.Virtual, *mockLifecycle, *mockSettler) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewVirtual(t0)
	reg := registry.New(st)
	lc := newMockLifecycle()
	settler := &mockSettler{}
	s := New(NewJobQueue(), reg, st, lc, settler, clk, DefaultConfig())
	return s, st, reg, clk, lc, settler
}

func seedAssignedJob(t *testing.T, st *store.MemoryStore, jobID, agentID string, timeoutSeconds int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	j := &store.Job{
		JobID:          jobID,
		DockerImage:    "img",
		TimeoutSeconds: timeoutSeconds,
		State:          store.JobQueued,
		Priority:       store.PriorityNormal,
		MaxRetries:     3,
		CreatedAt:      at,
	}
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob %s: %v", jobID, err)
	}
	if err := st.AssignJob(ctx, jobID, agentID, at); err != nil {
		t.Fatalf("AssignJob %s: %v", jobID, err)
	}
}

func TestSweepHeartbeatsReassignsActiveJobs(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, st, reg, clk, lc, _ := testScheduler(t, t0)

	a, _, err := reg.Register(ctx, registry.Registration{Wallet: "w", MaxConcurrent: 4}, t0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	seedAssignedJob(t, st, "j-active", a.AgentID, 600, t0)
	seedAssignedJob(t, st, "j-done", a.AgentID, 600, t0)
	st.StartJob(ctx, "j-done", a.AgentID, t0)
	st.CompleteJobAndCreatePayment(ctx, "j-done", a.AgentID, t0, &store.Payment{
		PaymentID: "p1", JobID: "j-done", State: store.PaymentPending,
	})

	clk.Advance(61 * time.Second)
	s.RunOnce(ctx)

	if reason := lc.reassigned["j-active"]; reason != "agent unhealthy" {
		t.Errorf("Expected j-active reassigned with reason %q, got %q", "agent unhealthy", reason)
	}
	if _, ok := lc.reassigned["j-done"]; ok {
		t.Error("Completed job must not be reassigned")
	}

	// The agent flips only once; a second pass reclaims nothing new.
	lc.reassigned = map[string]string{}
	clk.Advance(time.Minute)
	s.RunOnce(ctx)
	if len(lc.reassigned) != 0 {
		t.Errorf("Expected no repeat reassignments, got %v", lc.reassigned)
	}
}

func TestSweepTimeoutsUsesBuffer(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, st, reg, clk, lc, _ := testScheduler(t, t0)

	a, _, _ := reg.Register(ctx, registry.Registration{Wallet: "w", MaxConcurrent: 4}, t0)
	seedAssignedJob(t, st, "j1", a.AgentID, 10, t0)

	// 10s timeout with a 1.2 buffer allows 12s.
	clk.Advance(11 * time.Second)
	reg.Heartbeat(ctx, a.AgentID, clk.Now())
	s.RunOnce(ctx)
	if _, ok := lc.reassigned["j1"]; ok {
		t.Fatal("Job reclaimed inside its buffered timeout")
	}

	clk.Advance(2 * time.Second)
	reg.Heartbeat(ctx, a.AgentID, clk.Now())
	s.RunOnce(ctx)
	if reason := lc.reassigned["j1"]; reason != "timeout" {
		t.Errorf("Expected timeout reassignment, got %q", reason)
	}
}

func TestSweepTimeoutsRunningCountsFromStart(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, st, reg, clk, lc, _ := testScheduler(t, t0)

	a, _, _ := reg.Register(ctx, registry.Registration{Wallet: "w", MaxConcurrent: 4}, t0)
	seedAssignedJob(t, st, "j1", a.AgentID, 10, t0)

	// Started 8s after assignment: the clock restarts.
	clk.Advance(8 * time.Second)
	st.StartJob(ctx, "j1", a.AgentID, clk.Now())

	clk.Advance(11 * time.Second)
	reg.Heartbeat(ctx, a.AgentID, clk.Now())
	s.RunOnce(ctx)
	if _, ok := lc.reassigned["j1"]; ok {
		t.Fatal("Running job reclaimed 11s after start despite 12s allowance")
	}

	clk.Advance(2 * time.Second)
	reg.Heartbeat(ctx, a.AgentID, clk.Now())
	s.RunOnce(ctx)
	if reason := lc.reassigned["j1"]; reason != "timeout" {
		t.Errorf("Expected timeout reassignment, got %q", reason)
	}
}

func TestSweepDispatchSkipsUnplaceableHead(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _, _, _, lc, _ := testScheduler(t, t0)

	s.queue.Push("j1", store.PriorityHigh, t0)
	s.queue.Push("j2", store.PriorityNormal, t0)
	lc.dispatchErr["j1"] = ErrNoAgent

	s.RunOnce(ctx)

	// The head failing to place must not block the entry behind it.
	if len(lc.dispatched) != 2 || lc.dispatched[0] != "j1" || lc.dispatched[1] != "j2" {
		t.Errorf("Expected dispatch attempts for j1 then j2, got %v", lc.dispatched)
	}
	if s.queue.Len() != 1 {
		t.Fatalf("Only the unplaced entry must survive, len=%d", s.queue.Len())
	}
	e := s.queue.Pop()
	if e.JobID != "j1" || e.Priority != store.PriorityHigh || !e.AdmittedAt.Equal(t0) {
		t.Errorf("Unplaced entry must be restored intact, got %+v", e)
	}
}

func TestSweepDispatchLeavesIneligibleHeadQueued(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, st, reg, _, lc, _ := testScheduler(t, t0)

	// 4GB of GPU memory on the whole fleet.
	reg.Register(ctx, registry.Registration{
		Wallet: "w", GPUVendor: "nvidia", GPUMemory: 4 << 30, MaxConcurrent: 4,
	}, t0)

	st.CreateJob(ctx, &store.Job{
		JobID: "j-big", DockerImage: "img", TimeoutSeconds: 60,
		RequiresGPU: true, GPUMemoryRequired: 16 << 30,
		State: store.JobQueued, Priority: store.PriorityHigh, CreatedAt: t0,
	})
	st.CreateJob(ctx, &store.Job{
		JobID: "j-small", DockerImage: "img", TimeoutSeconds: 60,
		GPUMemoryRequired: 2 << 30,
		State:             store.JobQueued, Priority: store.PriorityNormal, CreatedAt: t0,
	})
	s.queue.Push("j-big", store.PriorityHigh, t0)
	s.queue.Push("j-small", store.PriorityNormal, t0)

	s.sweepDispatch(ctx)

	// The 16GB head never matches, so only the small job is attempted.
	if len(lc.dispatched) != 1 || lc.dispatched[0] != "j-small" {
		t.Errorf("Expected a dispatch attempt for j-small only, got %v", lc.dispatched)
	}
	if s.queue.Len() != 1 {
		t.Fatalf("The unmatchable entry must stay queued, len=%d", s.queue.Len())
	}
	if e := s.queue.Pop(); e.JobID != "j-big" {
		t.Errorf("Expected j-big retained, got %s", e.JobID)
	}
}

func TestSweepDispatchConflictKeepsQueuedJob(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, st, reg, _, lc, _ := testScheduler(t, t0)

	reg.Register(ctx, registry.Registration{Wallet: "w", MaxConcurrent: 4}, t0)

	// Still QUEUED in the store: the conflict was agent capacity, the entry
	// stays.
	st.CreateJob(ctx, &store.Job{
		JobID: "j1", DockerImage: "img", TimeoutSeconds: 60,
		State: store.JobQueued, Priority: store.PriorityNormal, CreatedAt: t0,
	})
	s.queue.Push("j1", store.PriorityNormal, t0)
	lc.dispatchErr["j1"] = store.ErrConflict

	s.sweepDispatch(ctx)
	if s.queue.Len() != 1 {
		t.Errorf("Capacity conflict must keep the entry, len=%d", s.queue.Len())
	}
}

func TestSweepDispatchConflictDropsTakenJob(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, st, reg, _, lc, _ := testScheduler(t, t0)

	a, _, _ := reg.Register(ctx, registry.Registration{Wallet: "w", MaxConcurrent: 4}, t0)
	seedAssignedJob(t, st, "j1", a.AgentID, 60, t0)

	// An agent pulled the job between Pop and Dispatch: stale entry.
	s.queue.Push("j1", store.PriorityNormal, t0)
	lc.dispatchErr["j1"] = store.ErrConflict

	s.sweepDispatch(ctx)
	if s.queue.Len() != 0 {
		t.Errorf("Stale entry must be dropped, len=%d", s.queue.Len())
	}
}

func TestSweepDispatchDropsMissingJob(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _, _, _, lc, _ := testScheduler(t, t0)

	s.queue.Push("ghost", store.PriorityNormal, t0)
	lc.dispatchErr["ghost"] = store.ErrNotFound

	s.sweepDispatch(ctx)
	if s.queue.Len() != 0 {
		t.Errorf("Missing job must be dropped, len=%d", s.queue.Len())
	}
}

func TestRunOnceInvokesSettler(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _, _, clk, _, settler := testScheduler(t, t0)

	s.RunOnce(ctx)
	clk.Advance(30 * time.Second)
	s.RunOnce(ctx)

	if len(settler.calls) != 2 {
		t.Fatalf("Expected settler called every pass, got %d calls", len(settler.calls))
	}
	if !settler.calls[1].Equal(t0.Add(30 * time.Second)) {
		t.Errorf("Settler must see the pass time, got %s", settler.calls[1])
	}
}

func TestRehydrateQueue(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, st, _, _, _, _ := testScheduler(t, t0)

	st.CreateJob(ctx, &store.Job{
		JobID: "j-low", DockerImage: "img", TimeoutSeconds: 60,
		State: store.JobQueued, Priority: store.PriorityLow, CreatedAt: t0,
	})
	st.CreateJob(ctx, &store.Job{
		JobID: "j-high", DockerImage: "img", TimeoutSeconds: 60,
		State: store.JobQueued, Priority: store.PriorityHigh, CreatedAt: t0,
	})
	st.CreateJob(ctx, &store.Job{
		JobID: "j-done", DockerImage: "img", TimeoutSeconds: 60,
		State: store.JobCompleted, Priority: store.PriorityHigh, CreatedAt: t0,
	})

	if err := s.RehydrateQueue(ctx); err != nil {
		t.Fatalf("RehydrateQueue: %v", err)
	}
	if s.queue.Len() != 2 {
		t.Fatalf("Expected 2 rehydrated entries, got %d", s.queue.Len())
	}
	if e := s.queue.Pop(); e.JobID != "j-high" {
		t.Errorf("Expected j-high first, got %s", e.JobID)
	}
}
