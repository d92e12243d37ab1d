package settlement

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/squirtgunhero/node3/marketplace/clock"
	"github.com/squirtgunhero/node3/marketplace/observability"
	"github.com/squirtgunhero/node3/marketplace/store"
	"github.com/squirtgunhero/node3/marketplace/timeline"
)

const (
	defaultWorkers     = 4
	defaultCallTimeout = 30 * time.Second
	queueCapacity      = 1024
)

// backoffSteps space out settlement retries. A payment that fails after
// the last step is parked for manual review rather than retried forever.
var backoffSteps = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
}

// Pool drives payments through the settlement backend. The payment row is
// the source of truth: a crash between submit and confirm leaves the row
// SUBMITTED and the retry sweep picks it up again.
type Pool struct {
	st       store.Store
	backend  Settlement
	clk      clock.Clock
	events   *timeline.Store
	workers  int
	timeout  time.Duration
	backoff  []time.Duration
	pending  chan string
	mu       sync.Mutex
	inflight map[string]bool
}

func NewPool(st store.Store, backend Settlement, clk clock.Clock, events *timeline.Store) *Pool {
	return &Pool{
		st:       st,
		backend:  backend,
		clk:      clk,
		events:   events,
		workers:  defaultWorkers,
		timeout:  defaultCallTimeout,
		backoff:  backoffSteps,
		pending:  make(chan string, queueCapacity),
		inflight: make(map[string]bool),
	}
}

// SetWorkers overrides the worker count. Must be called before Start.
func (p *Pool) SetWorkers(n int) {
	if n > 0 {
		p.workers = n
	}
}

// SetBackoff overrides the retry schedule. Must be called before Start.
func (p *Pool) SetBackoff(steps []time.Duration) {
	if len(steps) > 0 {
		p.backoff = steps
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
	log.Printf("[SETTLEMENT] started %d workers", p.workers)
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case paymentID := <-p.pending:
			p.process(ctx, paymentID)
			p.mu.Lock()
			delete(p.inflight, paymentID)
			p.mu.Unlock()
		}
	}
}

// Enqueue schedules a payment for settlement. Duplicate enqueues while an
// attempt is in flight are dropped, so sweeps and completion paths can
// both enqueue freely.
func (p *Pool) Enqueue(paymentID string) {
	p.mu.Lock()
	if p.inflight[paymentID] {
		p.mu.Unlock()
		return
	}
	p.inflight[paymentID] = true
	p.mu.Unlock()

	select {
	case p.pending <- paymentID:
	default:
		// Channel full; the next retry sweep finds the row again.
		p.mu.Lock()
		delete(p.inflight, paymentID)
		p.mu.Unlock()
	}
}

// SubmitDue enqueues every payment whose retry time has arrived. Called by
// the maintenance loop.
func (p *Pool) SubmitDue(ctx context.Context, now time.Time) {
	due, err := p.st.ListPaymentsDue(ctx, now)
	if err != nil {
		log.Printf("[SETTLEMENT] list due payments: %v", err)
		return
	}
	observability.PaymentsPending.Set(float64(len(due)))
	for _, payment := range due {
		p.Enqueue(payment.PaymentID)
	}
}

func (p *Pool) process(ctx context.Context, paymentID string) {
	payment, err := p.st.GetPayment(ctx, paymentID)
	if err != nil {
		log.Printf("[SETTLEMENT] load payment %s: %v", paymentID, err)
		return
	}
	if payment.State == store.PaymentConfirmed || payment.Parked {
		return
	}

	payment.Attempts++
	payment.State = store.PaymentSubmitted
	payment.UpdatedAt = p.clk.Now()
	if err := p.st.UpdatePayment(ctx, payment); err != nil {
		log.Printf("[SETTLEMENT] mark payment %s submitted: %v", paymentID, err)
		return
	}
	p.record(payment, "PAYMENT_SUBMITTED", "")

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	sig, payErr := p.backend.Pay(callCtx, payment.FromWallet, payment.ToWallet, payment.Amount, payment.JobID)
	cancel()

	now := p.clk.Now()
	if payErr == nil {
		payment.State = store.PaymentConfirmed
		payment.Signature = sig
		payment.UpdatedAt = now
		if err := p.st.UpdatePayment(ctx, payment); err != nil {
			// The transfer went through; the row stays SUBMITTED and
			// the next attempt must be a no-op at the backend.
			log.Printf("[SETTLEMENT] confirm payment %s: %v", paymentID, err)
			return
		}
		observability.PaymentAttempts.WithLabelValues("confirmed").Inc()
		p.record(payment, "PAYMENT_CONFIRMED", sig)
		log.Printf("[SETTLEMENT] payment %s confirmed (job=%s amount=%.9f attempts=%d)",
			paymentID, payment.JobID, payment.Amount, payment.Attempts)
		return
	}

	payment.State = store.PaymentFailed
	payment.UpdatedAt = now
	if payment.Attempts > len(p.backoff) {
		payment.Parked = true
		observability.PaymentAttempts.WithLabelValues("parked").Inc()
		log.Printf("[SETTLEMENT] payment %s parked after %d attempts: %v", paymentID, payment.Attempts, payErr)
	} else {
		payment.NextAttemptAt = now.Add(p.backoff[payment.Attempts-1])
		observability.PaymentAttempts.WithLabelValues("failed").Inc()
		log.Printf("[SETTLEMENT] payment %s attempt %d failed, retry at %s: %v",
			paymentID, payment.Attempts, payment.NextAttemptAt.Format(time.RFC3339), payErr)
	}
	if err := p.st.UpdatePayment(ctx, payment); err != nil {
		log.Printf("[SETTLEMENT] persist payment %s failure: %v", paymentID, err)
	}
	p.record(payment, "PAYMENT_FAILED", payErr.Error())
}

func (p *Pool) record(payment *store.Payment, stage, detail string) {
	if p.events == nil {
		return
	}
	e := timeline.Event{
		JobID:     payment.JobID,
		Stage:     stage,
		Timestamp: p.clk.Now(),
	}
	if detail != "" {
		e.Metadata = map[string]string{"detail": detail}
	}
	p.events.Record(e)
}
