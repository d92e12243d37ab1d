package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all rows in process memory behind a single mutex, which
// gives the linearizable single-writer semantics the compound operations
// require. Used for tests and single-node deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	agents       map[string]*Agent
	byCredential map[string]string // credential -> agent_id
	jobs         map[string]*Job
	payments     map[string]*Payment
	paymentByJob map[string]string // job_id -> payment_id
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*Agent),
		byCredential: make(map[string]string),
		jobs:         make(map[string]*Job),
		payments:     make(map[string]*Payment),
		paymentByJob: make(map[string]string),
	}
}

// --- Agent operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	if old, ok := s.agents[a.AgentID]; ok && old.Credential != cp.Credential {
		delete(s.byCredential, old.Credential)
	}
	s.agents[cp.AgentID] = &cp
	if cp.Credential != "" {
		s.byCredential[cp.Credential] = cp.AgentID
	}
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAgentByCredential(ctx context.Context, credential string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCredential[credential]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.agents[id]
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

func (s *MemoryStore) UpdateAgentHeartbeat(ctx context.Context, agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastHeartbeatAt = t
	a.Healthy = true
	a.UpdatedAt = t
	return nil
}

// --- Job operations ---

func (s *MemoryStore) CreateJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.JobID]; ok {
		return ErrConflict
	}
	cp := cloneJob(j)
	s.jobs[j.JobID] = cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListJobsByState(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Job
	for _, j := range s.jobs {
		if j.State == state {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, k int) bool {
		if result[i].Priority != result[k].Priority {
			return result[i].Priority > result[k].Priority
		}
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListJobsByAgent(ctx context.Context, agentID string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Job
	for _, j := range s.jobs {
		if j.AssignedAgentID == agentID {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) CountJobsByState(ctx context.Context) (map[JobState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[JobState]int)
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return counts, nil
}

// --- Compound operations ---

func (s *MemoryStore) AssignJob(ctx context.Context, jobID, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if j.State != JobQueued {
		return ErrConflict
	}
	if a.CurrentLoad >= a.MaxConcurrent {
		return ErrConflict
	}

	j.State = JobAssigned
	j.AssignedAgentID = agentID
	t := at
	j.AssignedAt = &t
	a.CurrentLoad++
	a.LastAssignedAt = at
	a.UpdatedAt = at
	return nil
}

func (s *MemoryStore) StartJob(ctx context.Context, jobID, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != JobAssigned || j.AssignedAgentID != agentID {
		return ErrConflict
	}
	t := at
	j.StartedAt = &t
	j.State = JobRunning
	return nil
}

func (s *MemoryStore) CompleteJobAndCreatePayment(ctx context.Context, jobID, agentID string, at time.Time, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != JobRunning || j.AssignedAgentID != agentID {
		return ErrConflict
	}
	if _, exists := s.paymentByJob[jobID]; exists {
		return ErrConflict
	}
	if _, exists := s.payments[p.PaymentID]; exists {
		return ErrConflict
	}

	t := at
	j.State = JobCompleted
	j.CompletedAt = &t
	j.PaymentID = p.PaymentID

	if a, ok := s.agents[agentID]; ok && a.CurrentLoad > 0 {
		a.CurrentLoad--
		a.UpdatedAt = at
	}

	cp := *p
	s.payments[cp.PaymentID] = &cp
	s.paymentByJob[cp.JobID] = cp.PaymentID
	return nil
}

func (s *MemoryStore) RequeueJob(ctx context.Context, jobID string, retryCount int, priority JobPriority, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !j.Active() {
		return ErrConflict
	}

	if a, ok := s.agents[j.AssignedAgentID]; ok && a.CurrentLoad > 0 {
		a.CurrentLoad--
	}

	j.State = JobQueued
	j.RetryCount = retryCount
	j.Priority = priority
	j.LastError = reason
	j.AssignedAgentID = ""
	j.AssignedAt = nil
	j.StartedAt = nil
	return nil
}

func (s *MemoryStore) AbandonJob(ctx context.Context, jobID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !j.Active() {
		return ErrConflict
	}

	if a, ok := s.agents[j.AssignedAgentID]; ok && a.CurrentLoad > 0 {
		a.CurrentLoad--
	}

	t := at
	j.State = JobAbandoned
	j.LastError = reason
	j.CompletedAt = &t
	j.AssignedAgentID = ""
	j.AssignedAt = nil
	j.StartedAt = nil
	return nil
}

// --- Payment operations ---

func (s *MemoryStore) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPaymentByJob(ctx context.Context, jobID string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentByJob[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.payments[id]
	return &cp, nil
}

func (s *MemoryStore) ListPaymentsDue(ctx context.Context, now time.Time) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Payment
	for _, p := range s.payments {
		if p.State == PaymentConfirmed || p.Parked {
			continue
		}
		if p.NextAttemptAt.After(now) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextAttemptAt.Before(result[j].NextAttemptAt) })
	return result, nil
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.PaymentID]; !ok {
		return ErrNotFound
	}
	cp := *p
	s.payments[cp.PaymentID] = &cp
	return nil
}

func (s *MemoryStore) SumPayments(ctx context.Context) (int, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0.0
	for _, p := range s.payments {
		total += p.Amount
	}
	return len(s.payments), total, nil
}

func cloneJob(j *Job) *Job {
	cp := *j
	if j.Command != nil {
		cp.Command = append([]string(nil), j.Command...)
	}
	if j.Env != nil {
		cp.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			cp.Env[k] = v
		}
	}
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		cp.AssignedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
