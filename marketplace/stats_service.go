package main

import (
	"context"

	"github.com/squirtgunhero/node3/marketplace/registry"
	"github.com/squirtgunhero/node3/marketplace/resilience"
	"github.com/squirtgunhero/node3/marketplace/scheduler"
	"github.com/squirtgunhero/node3/marketplace/store"
	"github.com/squirtgunhero/node3/marketplace/timeline"
)

// AgentStats summarizes the fleet.
type AgentStats struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	CurrentLoad int `json:"current_load"`
	Capacity    int `json:"capacity"`
}

// PaymentStats summarizes settlement totals.
type PaymentStats struct {
	Count     int     `json:"count"`
	TotalPaid float64 `json:"total_paid"`
}

// Stats is the aggregate counter view behind /admin/stats.
type Stats struct {
	Jobs       map[string]int `json:"jobs"`
	Agents     AgentStats     `json:"agents"`
	QueueDepth map[string]int `json:"queue_depth"`
	Payments   PaymentStats   `json:"payments"`
	Degraded   bool           `json:"degraded"`
}

// AgentDetail is one agent's row in the load-balancer snapshot.
type AgentDetail struct {
	AgentID            string  `json:"agent_id"`
	GPUVendor          string  `json:"gpu_vendor"`
	GPUModel           string  `json:"gpu_model"`
	GPUMemory          int64   `json:"gpu_memory"`
	Healthy            bool    `json:"healthy"`
	CurrentLoad        int     `json:"current_load"`
	MaxConcurrent      int     `json:"max_concurrent"`
	Score              float64 `json:"score"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	Retried            int64   `json:"retried"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	Reputation         float64 `json:"reputation"`
	TotalEarned        float64 `json:"total_earned"`
}

// Snapshot is the full load-balancer view: aggregates plus per-agent
// detail and the recent event tail.
type Snapshot struct {
	Stats  Stats            `json:"stats"`
	Agents []AgentDetail    `json:"agents"`
	Events []timeline.Event `json:"events"`
}

// StatsService assembles read-only views over the registry, queue and
// store for the admin surface and the WebSocket stream.
type StatsService struct {
	st       store.Store
	reg      *registry.Registry
	queue    *scheduler.JobQueue
	events   *timeline.Store
	degraded *resilience.DegradedMode
}

func NewStatsService(st store.Store, reg *registry.Registry, queue *scheduler.JobQueue, events *timeline.Store, degraded *resilience.DegradedMode) *StatsService {
	return &StatsService{st: st, reg: reg, queue: queue, events: events, degraded: degraded}
}

func (s *StatsService) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.st.CountJobsByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	jobs := make(map[string]int, len(counts))
	for state, n := range counts {
		jobs[string(state)] = n
	}

	var agents AgentStats
	for _, a := range s.reg.Snapshot() {
		agents.Total++
		if a.Healthy {
			agents.Healthy++
		}
		agents.CurrentLoad += a.CurrentLoad
		agents.Capacity += a.MaxConcurrent
	}

	depth := make(map[string]int)
	for p, n := range s.queue.DepthByPriority() {
		depth[p.String()] = n
	}

	count, total, err := s.st.SumPayments(ctx)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Jobs:       jobs,
		Agents:     agents,
		QueueDepth: depth,
		Payments:   PaymentStats{Count: count, TotalPaid: total},
		Degraded:   s.degraded.IsDegraded(),
	}, nil
}

func (s *StatsService) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	fleet := s.reg.Snapshot()
	details := make([]AgentDetail, 0, len(fleet))
	for _, a := range fleet {
		details = append(details, AgentDetail{
			AgentID:            a.AgentID,
			GPUVendor:          a.GPUVendor,
			GPUModel:           a.GPUModel,
			GPUMemory:          a.GPUMemory,
			Healthy:            a.Healthy,
			CurrentLoad:        a.CurrentLoad,
			MaxConcurrent:      a.MaxConcurrent,
			Score:              registry.ScoreAgent(a),
			Completed:          a.Completed,
			Failed:             a.Failed,
			Retried:            a.Retried,
			AvgDurationSeconds: a.AvgDurationSeconds,
			Reputation:         a.Reputation,
			TotalEarned:        a.TotalEarned,
		})
	}

	return Snapshot{
		Stats:  stats,
		Agents: details,
		Events: s.events.Tail(100),
	}, nil
}
