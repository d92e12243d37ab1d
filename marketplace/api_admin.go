package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/squirtgunhero/node3/marketplace/lifecycle"
	"github.com/squirtgunhero/node3/marketplace/store"
)

// handleAdminJobs serves POST /admin/jobs (admit) and GET /admin/jobs
// (list by state).
func (a *API) handleAdminJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.withIdempotency(a.handleAdminSubmitJob)(w, r)
	case http.MethodGet:
		a.handleAdminListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleAdminSubmitJob(w http.ResponseWriter, r *http.Request) {
	if !a.requireWritable(w) {
		return
	}

	var spec lifecycle.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid request body", lifecycle.ErrBadRequest))
		return
	}

	j, err := a.lc.Admit(r.Context(), spec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.degraded.MarkStoreUp()

	writeJSON(w, http.StatusCreated, map[string]string{"job_id": j.JobID})
}

func (a *API) handleAdminListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	stateParam := r.URL.Query().Get("state")
	var jobs []*store.Job
	var err error
	if stateParam != "" {
		jobs, err = a.st.ListJobsByState(r.Context(), store.JobState(stateParam), limit)
	} else {
		// No filter: concatenate every state in lifecycle order.
		for _, state := range []store.JobState{
			store.JobQueued, store.JobAssigned, store.JobRunning,
			store.JobCompleted, store.JobFailed, store.JobAbandoned,
		} {
			var batch []*store.Job
			batch, err = a.st.ListJobsByState(r.Context(), state, limit-len(jobs))
			if err != nil {
				break
			}
			jobs = append(jobs, batch...)
			if len(jobs) >= limit {
				break
			}
		}
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (a *API) handleAdminGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Path[len("/admin/jobs/"):]
	if jobID == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	j, err := a.st.GetJob(r.Context(), jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := a.stats.Stats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleAdminLoadBalancer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := a.stats.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleDebugSnapshot exposes scheduler internals for operators.
func (a *API) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	queue := a.sched.Queue()
	entries := queue.PeekAll()
	queued := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		queued = append(queued, map[string]interface{}{
			"job_id":      e.JobID,
			"priority":    e.Priority.String(),
			"admitted_at": e.AdmittedAt,
		})
	}

	agents := make([]map[string]interface{}, 0)
	for _, ag := range a.reg.Snapshot() {
		agents = append(agents, map[string]interface{}{
			"agent_id":       ag.AgentID,
			"healthy":        ag.Healthy,
			"current_load":   ag.CurrentLoad,
			"max_concurrent": ag.MaxConcurrent,
		})
	}

	cfg := a.sched.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_depth": queue.Len(),
		"queue":       queued,
		"agents":      agents,
		"config": map[string]interface{}{
			"rebalance_interval": cfg.RebalanceInterval.String(),
			"heartbeat_timeout":  cfg.HeartbeatTimeout.String(),
			"timeout_buffer":     cfg.TimeoutBuffer,
		},
		"degraded": a.degraded.IsDegraded(),
	})
}
