package timeline

import (
	"sync"
	"time"
)

// Event records one lifecycle transition of a job.
type Event struct {
	JobID     string            `json:"job_id"`
	Stage     string            `json:"stage"` // ADMITTED, ASSIGNED, STARTED, COMPLETED, REQUEUED, ABANDONED, PAYMENT_SUBMITTED, PAYMENT_CONFIRMED, PAYMENT_FAILED
	Timestamp time.Time         `json:"timestamp"`
	AgentID   string            `json:"agent_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is a bounded in-memory ring of recent transition events, kept for
// the admin debug surface. Oldest events are overwritten once full.
type Store struct {
	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Store{ring: make([]Event, capacity)}
}

func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
}

// ForJob returns all retained events for the job, oldest first.
func (s *Store) ForJob(jobID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	s.scan(func(e Event) {
		if e.JobID == jobID {
			results = append(results, e)
		}
	})
	return results
}

// Tail returns the most recent n events, oldest first.
func (s *Store) Tail(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > s.count {
		n = s.count
	}
	all := make([]Event, 0, s.count)
	s.scan(func(e Event) { all = append(all, e) })
	return all[len(all)-n:]
}

// scan visits retained events oldest first. Caller holds the lock.
func (s *Store) scan(visit func(Event)) {
	start := s.next - s.count
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < s.count; i++ {
		visit(s.ring[(start+i)%len(s.ring)])
	}
}
