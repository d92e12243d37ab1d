package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/squirtgunhero/node3/marketplace/clock"
	"github.com/squirtgunhero/node3/marketplace/store"
	"github.com/squirtgunhero/node3/marketplace/timeline"
)

// fakeBackend fails a configured number of times, then succeeds.
type fakeBackend struct {
	failuresLeft int
	calls        int
}

func (f *fakeBackend) Pay(ctx context.Context, from, to string, amount float64, memo string) (string, error) {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", errors.New("rpc timeout")
	}
	return fmt.Sprintf("SIG-%d", f.calls), nil
}

// seedPayment drives a job through the full lifecycle so a PENDING payment
// row exists, and returns its ID.
func seedPayment(t *testing.T, st *store.MemoryStore, now time.Time) string {
	t.Helper()
	ctx := context.Background()

	agent := &store.Agent{
		AgentID: "a1", Credential: "c1", Wallet: "wallet-a1",
		MaxConcurrent: 2, Healthy: true, LastHeartbeatAt: now,
	}
	if err := st.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	job := &store.Job{
		JobID: "j1", DockerImage: "img", TimeoutSeconds: 60,
		Reward: 0.001, State: store.JobQueued, Priority: store.PriorityNormal,
		MaxRetries: 3, CreatedAt: now,
	}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	st.AssignJob(ctx, "j1", "a1", now)
	st.StartJob(ctx, "j1", "a1", now)

	p := &store.Payment{
		PaymentID: "p1", JobID: "j1",
		FromWallet: "TREASURY", ToWallet: "wallet-a1",
		Amount: 0.001, State: store.PaymentPending, NextAttemptAt: now,
	}
	if err := st.CompleteJobAndCreatePayment(ctx, "j1", "a1", now, p); err != nil {
		t.Fatalf("CompleteJobAndCreatePayment: %v", err)
	}
	return p.PaymentID
}

func TestProcessConfirmsPayment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	backend := &fakeBackend{}
	pool := NewPool(st, backend, clk, timeline.NewStore(64))

	id := seedPayment(t, st, now)
	pool.process(ctx, id)

	p, _ := st.GetPayment(ctx, id)
	if p.State != store.PaymentConfirmed {
		t.Errorf("Expected CONFIRMED, got %s", p.State)
	}
	if p.Signature == "" {
		t.Error("Expected a signature on confirmed payment")
	}
	if p.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", p.Attempts)
	}
}

func TestProcessBackoffSchedule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	backend := &fakeBackend{failuresLeft: 100}
	pool := NewPool(st, backend, clk, nil)

	id := seedPayment(t, st, now)

	for i, want := range backoffSteps {
		pool.process(ctx, id)
		p, _ := st.GetPayment(ctx, id)
		if p.State != store.PaymentFailed {
			t.Fatalf("Attempt %d: expected FAILED, got %s", i+1, p.State)
		}
		if p.Parked {
			t.Fatalf("Attempt %d: parked too early", i+1)
		}
		gap := p.NextAttemptAt.Sub(clk.Now())
		if gap != want {
			t.Errorf("Attempt %d: expected backoff %s, got %s", i+1, want, gap)
		}
		clk.Advance(want)
	}

	// One more failure exhausts the schedule.
	pool.process(ctx, id)
	p, _ := st.GetPayment(ctx, id)
	if !p.Parked {
		t.Error("Expected payment parked after exhausting backoff")
	}

	// Parked payments are never retried.
	calls := backend.calls
	pool.process(ctx, id)
	if backend.calls != calls {
		t.Error("Parked payment must not reach the backend")
	}
}

func TestSetBackoffOverridesSchedule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	backend := &fakeBackend{failuresLeft: 100}
	pool := NewPool(st, backend, clk, nil)
	pool.SetBackoff([]time.Duration{2 * time.Second})

	id := seedPayment(t, st, now)

	pool.process(ctx, id)
	p, _ := st.GetPayment(ctx, id)
	if p.Parked {
		t.Fatal("First failure must schedule a retry, not park")
	}
	if gap := p.NextAttemptAt.Sub(clk.Now()); gap != 2*time.Second {
		t.Errorf("Expected the overridden 2s backoff, got %s", gap)
	}

	// A single-step schedule parks on the second failure.
	clk.Advance(2 * time.Second)
	pool.process(ctx, id)
	p, _ = st.GetPayment(ctx, id)
	if !p.Parked {
		t.Error("Expected payment parked after exhausting the short schedule")
	}

	// Empty overrides are ignored.
	pool.SetBackoff(nil)
	if len(pool.backoff) != 1 {
		t.Errorf("Empty override must keep the schedule, got %d steps", len(pool.backoff))
	}
}

func TestSubmitDueRespectsSchedule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	backend := &fakeBackend{failuresLeft: 1}
	pool := NewPool(st, backend, clk, nil)

	id := seedPayment(t, st, now)
	pool.process(ctx, id) // fails, schedules retry in 1s

	pool.SubmitDue(ctx, clk.Now())
	if len(pool.pending) != 0 {
		t.Error("Payment enqueued before its retry time")
	}

	clk.Advance(time.Second)
	pool.SubmitDue(ctx, clk.Now())
	if len(pool.pending) != 1 {
		t.Errorf("Expected 1 due payment, got %d", len(pool.pending))
	}
}

func TestEnqueueDeduplicatesInflight(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewVirtual(time.Now())
	pool := NewPool(st, &fakeBackend{}, clk, nil)

	pool.Enqueue("p1")
	pool.Enqueue("p1")
	if len(pool.pending) != 1 {
		t.Errorf("Expected single pending entry, got %d", len(pool.pending))
	}
}

func TestSettlementFailureThenRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	backend := &fakeBackend{failuresLeft: 2}
	pool := NewPool(st, backend, clk, timeline.NewStore(64))

	id := seedPayment(t, st, now)

	// Two failures, then success on the third try.
	for i := 0; i < 3; i++ {
		pool.process(ctx, id)
		p, _ := st.GetPayment(ctx, id)
		if p.State == store.PaymentConfirmed {
			break
		}
		clk.Advance(p.NextAttemptAt.Sub(clk.Now()))
	}

	p, _ := st.GetPayment(ctx, id)
	if p.State != store.PaymentConfirmed {
		t.Fatalf("Expected CONFIRMED after recovery, got %s", p.State)
	}
	if p.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", p.Attempts)
	}

	count, total, _ := st.SumPayments(ctx)
	if count != 1 || total != 0.001 {
		t.Errorf("Still exactly one payment expected, got %d/%f", count, total)
	}
}
