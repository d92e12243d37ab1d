package resilience

import (
	"log"
	"sync"
	"time"

	"github.com/squirtgunhero/node3/marketplace/observability"
)

// DegradedMode tracks store availability. While the store is unreachable the
// API keeps serving reads from warm caches and rejects writes, so a database
// blip never turns into accepted-then-lost jobs.
type DegradedMode struct {
	mu        sync.RWMutex
	storeDown bool
	since     time.Time
}

func NewDegradedMode() *DegradedMode {
	return &DegradedMode{}
}

// MarkStoreDown enters degraded mode on the first store failure.
func (d *DegradedMode) MarkStoreDown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.storeDown {
		log.Printf("[DEGRADED] store unreachable, entering read-only mode")
		d.storeDown = true
		d.since = time.Now()
		observability.DegradedMode.Set(1)
	}
}

// MarkStoreUp exits degraded mode once a store call succeeds again.
func (d *DegradedMode) MarkStoreUp() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.storeDown {
		log.Printf("[DEGRADED] store recovered after %s, resuming writes", time.Since(d.since).Round(time.Second))
		d.storeDown = false
		observability.DegradedMode.Set(0)
	}
}

// IsDegraded reports whether writes are currently rejected.
func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.storeDown
}

// Since returns when degraded mode began, zero if not degraded.
func (d *DegradedMode) Since() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.storeDown {
		return time.Time{}
	}
	return d.since
}
