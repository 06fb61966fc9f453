package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/757built/engine/pkg/queue"
)

const staleWorkerAge = 5 * time.Minute

func (s *Server) clusterReady(w http.ResponseWriter) bool {
	if s.jobs == nil || s.workers == nil {
		writeError(w, http.StatusServiceUnavailable, "coordination store not configured")
		return false
	}
	return true
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	ctx := r.Context()

	workers, err := s.workers.List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	depth, err := s.jobs.Depth(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	completed := 0
	for _, j := range jobs {
		if j.Status == queue.StatusCompleted {
			completed++
		}
	}
	stale := []string{}
	now := time.Now()
	for _, wk := range workers {
		if now.Sub(wk.LastHeartbeat) > staleWorkerAge {
			stale = append(stale, wk.ID)
		}
	}

	status := map[string]any{
		"active_workers": len(workers),
		"queue_depth":    depth,
		"total_jobs":     len(jobs),
		"completed_jobs": completed,
		"stale_workers":  stale,
		"workers":        workers,
	}
	if s.nodes != nil {
		storage, err := s.nodes.List(ctx)
		if err == nil {
			status["storage_nodes"] = len(storage)
			status["storage_details"] = storage
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// workerView adds a derived status to the registry record.
type workerView struct {
	queue.WorkerInfo
	HeartbeatAge float64 `json:"heartbeat_age_seconds"`
	Status       string  `json:"status"`
}

func (s *Server) handleClusterWorkers(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	workers, err := s.workers.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now()
	views := make([]workerView, 0, len(workers))
	for _, wk := range workers {
		age := now.Sub(wk.LastHeartbeat)
		status := "active"
		switch {
		case age > staleWorkerAge:
			status = "stale"
		case age > time.Minute:
			status = "idle"
		}
		views = append(views, workerView{wk, age.Seconds(), status})
	}
	order := map[string]int{"active": 0, "idle": 1, "stale": 2}
	sort.SliceStable(views, func(i, j int) bool {
		if order[views[i].Status] != order[views[j].Status] {
			return order[views[i].Status] < order[views[j].Status]
		}
		return views[i].ID < views[j].ID
	})
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleClusterJobs(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleClusterCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	id, err := s.jobs.Enqueue(r.Context(), req.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "queued"})
}

func (s *Server) handleClusterJob(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleClusterRetryJob(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.jobs.Retry(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "queued"})
}

func (s *Server) handleClusterPrune(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	ctx := r.Context()
	reaped, err := s.workers.ReapStale(ctx, staleWorkerAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pruned, err := s.jobs.PruneCompleted(ctx, 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reaped_workers": reaped,
		"pruned_jobs":    pruned,
	})
}
