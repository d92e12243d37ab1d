package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testAgent(id string, maxConcurrent int) *Agent {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Agent{
		AgentID:            id,
		Credential:         "cred-" + id,
		Wallet:             "wallet-" + id,
		GPUVendor:          "nvidia",
		GPUModel:           "rtx4090",
		GPUMemory:          24e9,
		MaxConcurrent:      maxConcurrent,
		Healthy:            true,
		LastHeartbeatAt:    now,
		AvgDurationSeconds: 60,
		Reputation:         1.0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func testJob(id string) *Job {
	return &Job{
		JobID:          id,
		JobType:        "inference",
		DockerImage:    "busybox:latest",
		TimeoutSeconds: 60,
		Reward:         0.001,
		State:          JobQueued,
		Priority:       PriorityNormal,
		MaxRetries:     3,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAgentCredentialLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := testAgent("a1", 2)
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	got, err := s.GetAgentByCredential(ctx, "cred-a1")
	if err != nil {
		t.Fatalf("GetAgentByCredential: %v", err)
	}
	if got.AgentID != "a1" {
		t.Errorf("Expected agent a1, got %s", got.AgentID)
	}

	if _, err := s.GetAgentByCredential(ctx, "bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown credential, got %v", err)
	}
}

func TestAssignJobCapacityGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.UpsertAgent(ctx, testAgent("a1", 1)); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	for _, id := range []string{"j1", "j2"} {
		if err := s.CreateJob(ctx, testJob(id)); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
	}

	if err := s.AssignJob(ctx, "j1", "a1", now); err != nil {
		t.Fatalf("First AssignJob: %v", err)
	}
	if err := s.AssignJob(ctx, "j2", "a1", now); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict at capacity, got %v", err)
	}

	a, _ := s.GetAgent(ctx, "a1")
	if a.CurrentLoad != 1 {
		t.Errorf("Expected load 1 after failed assign, got %d", a.CurrentLoad)
	}
	j, _ := s.GetJob(ctx, "j2")
	if j.State != JobQueued {
		t.Errorf("Expected j2 still QUEUED, got %s", j.State)
	}
}

func TestAssignJobStateGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.UpsertAgent(ctx, testAgent("a1", 2))
	s.UpsertAgent(ctx, testAgent("a2", 2))
	s.CreateJob(ctx, testJob("j1"))

	if err := s.AssignJob(ctx, "j1", "a1", now); err != nil {
		t.Fatalf("AssignJob: %v", err)
	}
	// Second assignment of the same job must lose.
	if err := s.AssignJob(ctx, "j1", "a2", now); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for double assign, got %v", err)
	}
	a2, _ := s.GetAgent(ctx, "a2")
	if a2.CurrentLoad != 0 {
		t.Errorf("Losing agent's load must stay 0, got %d", a2.CurrentLoad)
	}
}

func TestCompleteCreatesPaymentOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.UpsertAgent(ctx, testAgent("a1", 2))
	s.CreateJob(ctx, testJob("j1"))
	s.AssignJob(ctx, "j1", "a1", now)
	s.StartJob(ctx, "j1", "a1", now)

	p := &Payment{
		PaymentID:     "p1",
		JobID:         "j1",
		FromWallet:    "TREASURY",
		ToWallet:      "wallet-a1",
		Amount:        0.001,
		State:         PaymentPending,
		NextAttemptAt: now,
	}
	if err := s.CompleteJobAndCreatePayment(ctx, "j1", "a1", now, p); err != nil {
		t.Fatalf("CompleteJobAndCreatePayment: %v", err)
	}

	j, _ := s.GetJob(ctx, "j1")
	if j.State != JobCompleted {
		t.Errorf("Expected COMPLETED, got %s", j.State)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.CurrentLoad != 0 {
		t.Errorf("Expected load released, got %d", a.CurrentLoad)
	}

	// A second completion must not create a second payment.
	p2 := &Payment{PaymentID: "p2", JobID: "j1", State: PaymentPending}
	if err := s.CompleteJobAndCreatePayment(ctx, "j1", "a1", now, p2); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on repeat complete, got %v", err)
	}
	count, total, _ := s.SumPayments(ctx)
	if count != 1 || total != 0.001 {
		t.Errorf("Expected exactly one payment totaling 0.001, got %d/%f", count, total)
	}
}

func TestRequeueJobReleasesSlot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.UpsertAgent(ctx, testAgent("a1", 2))
	s.CreateJob(ctx, testJob("j1"))
	s.AssignJob(ctx, "j1", "a1", now)

	if err := s.RequeueJob(ctx, "j1", 1, PriorityHigh, "timeout"); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	j, _ := s.GetJob(ctx, "j1")
	if j.State != JobQueued || j.RetryCount != 1 || j.Priority != PriorityHigh {
		t.Errorf("Unexpected job after requeue: state=%s retry=%d priority=%s", j.State, j.RetryCount, j.Priority)
	}
	if j.AssignedAgentID != "" || j.AssignedAt != nil {
		t.Error("Requeue must clear assignment fields")
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.CurrentLoad != 0 {
		t.Errorf("Expected load 0 after requeue, got %d", a.CurrentLoad)
	}

	// Requeue of a non-active job is a conflict.
	if err := s.RequeueJob(ctx, "j1", 2, PriorityUrgent, "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict requeueing a QUEUED job, got %v", err)
	}
}

func TestAbandonJobIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.UpsertAgent(ctx, testAgent("a1", 2))
	s.CreateJob(ctx, testJob("j1"))
	s.AssignJob(ctx, "j1", "a1", now)

	if err := s.AbandonJob(ctx, "j1", "retries exhausted", now); err != nil {
		t.Fatalf("AbandonJob: %v", err)
	}
	j, _ := s.GetJob(ctx, "j1")
	if j.State != JobAbandoned || j.LastError != "retries exhausted" {
		t.Errorf("Unexpected abandoned job: state=%s err=%q", j.State, j.LastError)
	}
	if _, err := s.GetPaymentByJob(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Abandoned job must have no payment, got %v", err)
	}
}

func TestListJobsByStateOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	low := testJob("low")
	low.Priority = PriorityLow
	low.CreatedAt = base
	highOld := testJob("high-old")
	highOld.Priority = PriorityHigh
	highOld.CreatedAt = base.Add(1 * time.Minute)
	highNew := testJob("high-new")
	highNew.Priority = PriorityHigh
	highNew.CreatedAt = base.Add(2 * time.Minute)

	for _, j := range []*Job{low, highNew, highOld} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	jobs, err := s.ListJobsByState(ctx, JobQueued, 0)
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	want := []string{"high-old", "high-new", "low"}
	if len(jobs) != len(want) {
		t.Fatalf("Expected %d jobs, got %d", len(want), len(jobs))
	}
	for i, id := range want {
		if jobs[i].JobID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, jobs[i].JobID)
		}
	}
}

func TestListPaymentsDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	seed := func(id string, state PaymentState, parked bool, next time.Time) {
		s.payments[id] = &Payment{PaymentID: id, JobID: "job-" + id, State: state, Parked: parked, NextAttemptAt: next}
		s.paymentByJob["job-"+id] = id
	}
	seed("due", PaymentPending, false, now.Add(-time.Second))
	seed("future", PaymentFailed, false, now.Add(time.Hour))
	seed("confirmed", PaymentConfirmed, false, now.Add(-time.Hour))
	seed("parked", PaymentFailed, true, now.Add(-time.Hour))

	due, err := s.ListPaymentsDue(ctx, now)
	if err != nil {
		t.Fatalf("ListPaymentsDue: %v", err)
	}
	if len(due) != 1 || due[0].PaymentID != "due" {
		t.Errorf("Expected only 'due' payment, got %v", due)
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	j := testJob("j1")
	j.Env = map[string]string{"KEY": "one"}
	s.CreateJob(ctx, j)

	got, _ := s.GetJob(ctx, "j1")
	got.Env["KEY"] = "mutated"
	got.State = JobRunning

	again, _ := s.GetJob(ctx, "j1")
	if again.Env["KEY"] != "one" || again.State != JobQueued {
		t.Error("GetJob must return an isolated copy")
	}
}
