package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/squirtgunhero/node3/marketplace/clock"
	"github.com/squirtgunhero/node3/marketplace/idempotency"
	"github.com/squirtgunhero/node3/marketplace/lifecycle"
	"github.com/squirtgunhero/node3/marketplace/middleware"
	"github.com/squirtgunhero/node3/marketplace/observability"
	"github.com/squirtgunhero/node3/marketplace/registry"
	"github.com/squirtgunhero/node3/marketplace/resilience"
	"github.com/squirtgunhero/node3/marketplace/scheduler"
	"github.com/squirtgunhero/node3/marketplace/store"
)

type API struct {
	st       store.Store
	reg      *registry.Registry
	lc       *lifecycle.Controller
	sched    *scheduler.Scheduler
	stats    *StatsService
	degraded *resilience.DegradedMode
	idem     idempotency.Backend
	clk      clock.Clock
	wsHub    *SnapshotHub

	// Storm protection: one global bucket plus one per agent.
	heartbeatLimiter *rate.Limiter
	agentLimiter     *scheduler.TokenBucketLimiter
}

func NewAPI(st store.Store, reg *registry.Registry, lc *lifecycle.Controller, sched *scheduler.Scheduler, stats *StatsService, degraded *resilience.DegradedMode, idem idempotency.Backend, clk clock.Clock) *API {
	api := &API{
		st:       st,
		reg:      reg,
		lc:       lc,
		sched:    sched,
		stats:    stats,
		degraded: degraded,
		idem:     idem,
		clk:      clk,
		// Allow 100 heartbeats/sec fleet-wide, burst 200.
		heartbeatLimiter: rate.NewLimiter(rate.Limit(100), 200),
		// Each agent gets 2/sec, burst 5.
		agentLimiter: scheduler.NewTokenBucketLimiter(2, 5),
	}
	api.wsHub = NewSnapshotHub(stats)
	return api
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP. Unavailable additionally
// flips degraded mode.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var code string
	var status int
	switch {
	case errors.Is(err, lifecycle.ErrBadRequest):
		code, status = "BadRequest", http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrUnauthorized):
		code, status = "Unauthorized", http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		code, status = "NotFound", http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		code, status = "Conflict", http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		code, status = "Unavailable", http.StatusServiceUnavailable
		a.degraded.MarkStoreDown()
	default:
		correlation := uuid.NewString()
		log.Printf("[API] internal error (correlation=%s): %v", correlation, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "Internal", Message: "internal error, correlation " + correlation})
		return
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRateLimitError returns 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string, delay time.Duration) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := int(delay.Seconds()) + 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "Unavailable", Message: "rate limited, retry later"})
}

// requireWritable rejects mutations while the store is unreachable.
func (a *API) requireWritable(w http.ResponseWriter) bool {
	if a.degraded.IsDegraded() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "Unavailable", Message: "read-only: store unavailable"})
		return false
	}
	return true
}

// responseRecorder captures status and body so idempotent replays return
// the exact original response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Node3-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found, err := a.idem.Get(r.Context(), key); err == nil && found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if err := a.idem.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		}, time.Hour); err != nil {
			log.Printf("[API] cache idempotent response: %v", err)
		}
	}
}

// -- Agent endpoints --

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.requireWritable(w) {
		return
	}

	var req struct {
		Wallet        string `json:"wallet"`
		GPUVendor     string `json:"gpu_vendor"`
		GPUModel      string `json:"gpu_model"`
		GPUMemory     int64  `json:"gpu_memory"`
		Framework     string `json:"compute_framework"`
		MaxConcurrent int    `json:"max_concurrent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid request body", lifecycle.ErrBadRequest))
		return
	}
	if req.Wallet == "" {
		a.writeError(w, fmt.Errorf("%w: wallet is required", lifecycle.ErrBadRequest))
		return
	}

	agent, credential, err := a.reg.Register(r.Context(), registry.Registration{
		Wallet:        req.Wallet,
		GPUVendor:     req.GPUVendor,
		GPUModel:      req.GPUModel,
		GPUMemory:     req.GPUMemory,
		Framework:     req.Framework,
		MaxConcurrent: req.MaxConcurrent,
	}, a.clk.Now())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.degraded.MarkStoreUp()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agent_id":       agent.AgentID,
		"credential":     credential,
		"max_concurrent": agent.MaxConcurrent,
	})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		a.writeError(w, lifecycle.ErrUnauthorized)
		return
	}

	if !a.heartbeatLimiter.Allow() {
		a.writeRateLimitError(w, "heartbeat", time.Second)
		return
	}
	if allowed, delay := a.agentLimiter.Reserve(agent.AgentID); !allowed {
		a.writeRateLimitError(w, "heartbeat", delay)
		return
	}

	if err := a.reg.Heartbeat(r.Context(), agent.AgentID, a.clk.Now()); err != nil {
		a.writeError(w, err)
		return
	}
	a.degraded.MarkStoreUp()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAvailableJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		a.writeError(w, lifecycle.ErrUnauthorized)
		return
	}

	var req struct {
		GPUMemory   int64 `json:"gpu_memory"`
		RequiresGPU bool  `json:"requires_gpu"`
		Max         int   `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid request body", lifecycle.ErrBadRequest))
		return
	}

	// Missing capability fields fall back to the registered profile.
	gpuMemory := req.GPUMemory
	if gpuMemory <= 0 {
		gpuMemory = agent.GPUMemory
	}
	hasGPU := req.RequiresGPU || agent.HasGPU()

	jobs, err := a.lc.Available(r.Context(), gpuMemory, hasGPU, req.Max)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleJobAction routes POST /jobs/{id}/{accept|start|complete|fail}.
func (a *API) handleJobAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		a.writeError(w, lifecycle.ErrUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "jobs" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	jobID, action := parts[1], parts[2]

	if !a.requireWritable(w) {
		return
	}

	switch action {
	case "accept":
		if err := a.lc.Accept(r.Context(), agent.AgentID, jobID); err != nil {
			a.writeError(w, err)
			return
		}
		a.degraded.MarkStoreUp()
		w.WriteHeader(http.StatusNoContent)

	case "start":
		if err := a.lc.Started(r.Context(), agent.AgentID, jobID); err != nil {
			a.writeError(w, err)
			return
		}
		a.degraded.MarkStoreUp()
		w.WriteHeader(http.StatusNoContent)

	case "complete":
		var req struct {
			DurationSeconds float64 `json:"duration_seconds"`
			OutputSummary   string  `json:"output_summary"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, fmt.Errorf("%w: invalid request body", lifecycle.ErrBadRequest))
			return
		}
		if req.DurationSeconds < 0 {
			a.writeError(w, fmt.Errorf("%w: duration_seconds cannot be negative", lifecycle.ErrBadRequest))
			return
		}
		duration := time.Duration(req.DurationSeconds * float64(time.Second))
		p, err := a.lc.Complete(r.Context(), agent.AgentID, jobID, duration)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.degraded.MarkStoreUp()
		writeJSON(w, http.StatusOK, map[string]string{"payment_id": p.PaymentID})

	case "fail":
		var req struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, fmt.Errorf("%w: invalid request body", lifecycle.ErrBadRequest))
			return
		}
		if req.Error == "" {
			req.Error = "agent reported failure"
		}
		if err := a.lc.Fail(r.Context(), agent.AgentID, jobID, req.Error); err != nil {
			a.writeError(w, err)
			return
		}
		a.degraded.MarkStoreUp()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// -- Public endpoints --

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "node3-marketplace",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"register":  "POST /agents/register",
			"heartbeat": "POST /agents/heartbeat",
			"available": "POST /jobs/available",
			"agents":    "GET /marketplace/agents",
			"health":    "GET /health",
			"metrics":   "GET /metrics",
		},
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, healthy := a.reg.Counts()
	status := "healthy"
	if a.degraded.IsDegraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"agents":         total,
		"agents_healthy": healthy,
		"queue_depth":    a.sched.Queue().Len(),
	})
}

// handleMarketplaceAgents is the public, anonymized capability view.
func (a *API) handleMarketplaceAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type publicAgent struct {
		GPUVendor     string `json:"gpu_vendor"`
		GPUModel      string `json:"gpu_model"`
		GPUMemory     int64  `json:"gpu_memory"`
		Framework     string `json:"compute_framework,omitempty"`
		CurrentLoad   int    `json:"current_load"`
		MaxConcurrent int    `json:"max_concurrent"`
	}

	agents := []publicAgent{}
	for _, ag := range a.reg.Snapshot() {
		if !ag.Healthy {
			continue
		}
		agents = append(agents, publicAgent{
			GPUVendor:     ag.GPUVendor,
			GPUModel:      ag.GPUModel,
			GPUMemory:     ag.GPUMemory,
			Framework:     ag.Framework,
			CurrentLoad:   ag.CurrentLoad,
			MaxConcurrent: ag.MaxConcurrent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}
