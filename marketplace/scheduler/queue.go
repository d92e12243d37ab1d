package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/squirtgunhero/node3/marketplace/store"
)

// Entry is one queued job reference. The queue holds references only; the
// Store owns the job rows, so a restart rebuilds the queue from QUEUED rows.
type Entry struct {
	JobID      string
	Priority   store.JobPriority
	AdmittedAt time.Time // original creation time, kept across retries
	seq        uint64
}

// entryHeap implements heap.Interface ordered by (priority desc,
// admitted_at asc, seq asc).
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].AdmittedAt.Equal(h[j].AdmittedAt) {
		return h[i].AdmittedAt.Before(h[j].AdmittedAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*Entry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// JobQueue is a mutex-guarded priority queue of job references.
type JobQueue struct {
	mu  sync.Mutex
	h   entryHeap
	seq uint64
}

func NewJobQueue() *JobQueue {
	return &JobQueue{h: make(entryHeap, 0)}
}

func (q *JobQueue) Push(jobID string, priority store.JobPriority, admittedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.h, &Entry{JobID: jobID, Priority: priority, AdmittedAt: admittedAt, seq: q.seq})
}

// Pop removes and returns the best entry, or nil if empty.
func (q *JobQueue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Entry)
}

// PopBestMatch removes and returns the best entry accepted by match,
// preserving queue order for the entries it skips.
func (q *JobQueue) PopBestMatch(match func(jobID string) bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*Entry
	var found *Entry
	for len(q.h) > 0 {
		e := heap.Pop(&q.h).(*Entry)
		if match(e.JobID) {
			found = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&q.h, e)
	}
	return found
}

// Remove drops the entry for jobID if present.
func (q *JobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.h {
		if e.JobID == jobID {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}

// PeekAll returns copies of all entries in queue order without removing
// them.
func (q *JobQueue) PeekAll() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	tmp := make(entryHeap, len(q.h))
	copy(tmp, q.h)
	result := make([]Entry, 0, len(tmp))
	for len(tmp) > 0 {
		result = append(result, *heap.Pop(&tmp).(*Entry))
	}
	return result
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// DepthByPriority returns the queue depth per priority level.
func (q *JobQueue) DepthByPriority() map[store.JobPriority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := make(map[store.JobPriority]int)
	for _, e := range q.h {
		depth[e.Priority]++
	}
	return depth
}
