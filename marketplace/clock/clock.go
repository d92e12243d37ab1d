package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so timeout and heartbeat decisions can be driven
// deterministically in tests. State decisions must never read the wall
// clock directly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

// Real wraps the OS monotonic clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Virtual is a manually advanced clock for tests.
type Virtual struct {
	mu  sync.Mutex
	now time.Time
}

func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves virtual time forward.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
}

// Sleep advances the clock instead of blocking. Tests drive maintenance
// passes explicitly, so there is nothing to wait for.
func (v *Virtual) Sleep(ctx context.Context, d time.Duration) {
	v.Advance(d)
}
