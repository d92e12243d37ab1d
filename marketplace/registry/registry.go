package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squirtgunhero/node3/marketplace/store"
)

const (
	// Heartbeats older than this mark the agent unhealthy.
	DefaultHeartbeatTimeout = 60 * time.Second

	// Seed for the duration EWMA before any completion is observed.
	defaultAvgDuration = 60.0

	// Weight of the newest sample in the duration EWMA.
	ewmaAlpha = 0.2

	reputationPenalty = 0.01
)

// Registration is the accepted hardware profile of a new agent.
type Registration struct {
	Wallet        string
	GPUVendor     string
	GPUModel      string
	GPUMemory     int64
	Framework     string
	MaxConcurrent int
}

// Registry is the in-memory view of the agent fleet, backed by the Store.
// The Store owns durability; the registry mirrors it for fast matching and
// is rebuilt from the Store on startup.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*store.Agent

	st store.Store

	// DefaultMaxConcurrent applies to registrations that don't declare a
	// slot count.
	DefaultMaxConcurrent int
}

func New(st store.Store) *Registry {
	return &Registry{
		agents:               make(map[string]*store.Agent),
		st:                   st,
		DefaultMaxConcurrent: 2,
	}
}

// Rebuild replaces the in-memory view with the Store's contents.
func (r *Registry) Rebuild(ctx context.Context) error {
	agents, err := r.st.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*store.Agent, len(agents))
	for _, a := range agents {
		r.agents[a.AgentID] = a
	}
	log.Printf("[REGISTRY] rebuilt with %d agents", len(agents))
	return nil
}

// newCredential returns an opaque URL-safe bearer token with 256 bits of
// entropy.
func newCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Register admits a new agent and mints its credential. The credential is
// returned exactly once; only its owner ever sees it again.
func (r *Registry) Register(ctx context.Context, reg Registration, now time.Time) (*store.Agent, string, error) {
	credential, err := newCredential()
	if err != nil {
		return nil, "", fmt.Errorf("mint credential: %w", err)
	}

	maxConcurrent := reg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = r.DefaultMaxConcurrent
	}

	a := &store.Agent{
		AgentID:            uuid.NewString(),
		Credential:         credential,
		Wallet:             reg.Wallet,
		GPUVendor:          reg.GPUVendor,
		GPUModel:           reg.GPUModel,
		GPUMemory:          reg.GPUMemory,
		Framework:          reg.Framework,
		MaxConcurrent:      maxConcurrent,
		Healthy:            true,
		LastHeartbeatAt:    now,
		AvgDurationSeconds: defaultAvgDuration,
		Reputation:         1.0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := r.st.UpsertAgent(ctx, a); err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	cp := *a
	r.agents[a.AgentID] = &cp
	r.mu.Unlock()

	log.Printf("[REGISTRY] registered agent %s (gpu=%s/%s mem=%d slots=%d)",
		a.AgentID, a.GPUVendor, a.GPUModel, a.GPUMemory, a.MaxConcurrent)
	return a, credential, nil
}

// Authenticate resolves a bearer credential to its agent.
func (r *Registry) Authenticate(ctx context.Context, credential string) (*store.Agent, error) {
	r.mu.RLock()
	for _, a := range r.agents {
		if a.Credential == credential {
			cp := *a
			r.mu.RUnlock()
			return &cp, nil
		}
	}
	r.mu.RUnlock()

	// Cache miss: another replica may have registered the agent.
	a, err := r.st.GetAgentByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.agents[a.AgentID] = a
	r.mu.Unlock()
	cp := *a
	return &cp, nil
}

// Heartbeat refreshes the agent's liveness and restores health.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, now time.Time) error {
	if err := r.st.UpdateAgentHeartbeat(ctx, agentID, now); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		if !a.Healthy {
			log.Printf("[REGISTRY] agent %s recovered", agentID)
		}
		a.LastHeartbeatAt = now
		a.Healthy = true
		a.UpdatedAt = now
	}
	return nil
}

// SweepExpired marks agents with stale heartbeats unhealthy and returns the
// IDs that newly flipped.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	var expired []string
	for _, a := range r.agents {
		if a.Healthy && now.Sub(a.LastHeartbeatAt) > timeout {
			a.Healthy = false
			a.UpdatedAt = now
			expired = append(expired, a.AgentID)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		log.Printf("[REGISTRY] agent %s missed heartbeat, marking unhealthy", id)
		a, ok := r.get(id)
		if !ok {
			continue
		}
		if err := r.st.UpsertAgent(ctx, a); err != nil {
			log.Printf("[REGISTRY] persist unhealthy agent %s: %v", id, err)
		}
	}
	return expired
}

// ObserveCompletion folds a finished job into the agent's stats: completion
// count, duration EWMA, and earnings.
func (r *Registry) ObserveCompletion(ctx context.Context, agentID string, duration time.Duration, reward float64, now time.Time) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	a.Completed++
	a.AvgDurationSeconds = (1-ewmaAlpha)*a.AvgDurationSeconds + ewmaAlpha*duration.Seconds()
	a.TotalEarned += reward
	a.UpdatedAt = now
	cp := *a
	r.mu.Unlock()

	return r.st.UpsertAgent(ctx, &cp)
}

// ObserveFailure counts a reported failure and dents reputation.
func (r *Registry) ObserveFailure(ctx context.Context, agentID string, now time.Time) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	a.Failed++
	a.Reputation -= reputationPenalty
	if a.Reputation < 0 {
		a.Reputation = 0
	}
	a.UpdatedAt = now
	cp := *a
	r.mu.Unlock()

	return r.st.UpsertAgent(ctx, &cp)
}

// ObserveRetry counts a job taken away from the agent by the maintenance
// loop (missed heartbeat or timeout).
func (r *Registry) ObserveRetry(ctx context.Context, agentID string, now time.Time) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	a.Retried++
	a.UpdatedAt = now
	cp := *a
	r.mu.Unlock()

	return r.st.UpsertAgent(ctx, &cp)
}

// NoteAssigned mirrors a committed assignment into the cache. The Store
// already incremented the load transactionally.
func (r *Registry) NoteAssigned(agentID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.CurrentLoad++
		a.LastAssignedAt = at
	}
}

// NoteReleased mirrors a committed slot release into the cache.
func (r *Registry) NoteReleased(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok && a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (*store.Agent, bool) {
	return r.get(agentID)
}

func (r *Registry) get(agentID string) (*store.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// Snapshot returns copies of all agents.
func (r *Registry) Snapshot() []*store.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*store.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		result = append(result, &cp)
	}
	return result
}

// Counts returns (total, healthy) agent counts.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	healthy := 0
	for _, a := range r.agents {
		if a.Healthy {
			healthy++
		}
	}
	return len(r.agents), healthy
}

// ScoreAgent ranks an agent for assignment. Availability dominates so load
// spreads across the fleet, then historical success rate, then speed.
func ScoreAgent(a *store.Agent) float64 {
	availability := 0.0
	if a.MaxConcurrent > 0 {
		availability = float64(a.AvailableSlots()) / float64(a.MaxConcurrent)
	}

	// completed / max(1, completed+failed): a zero-history agent scores 0
	// here and earns its success-rate weight by finishing jobs.
	total := a.Completed + a.Failed
	if total < 1 {
		total = 1
	}
	successRate := float64(a.Completed) / float64(total)

	avg := a.AvgDurationSeconds
	if avg < 1 {
		avg = 1
	}
	speed := defaultAvgDuration / avg
	if speed > 1 {
		speed = 1
	}

	return 0.5*availability + 0.3*successRate + 0.2*speed
}

// Eligible reports whether the agent can take the job right now.
func Eligible(a *store.Agent, j *store.Job) bool {
	if !a.Healthy || a.AvailableSlots() <= 0 {
		return false
	}
	if j.RequiresGPU && !a.HasGPU() {
		return false
	}
	if j.GPUMemoryRequired > 0 && a.GPUMemory < j.GPUMemoryRequired {
		return false
	}
	return true
}
