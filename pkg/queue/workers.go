package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/757built/engine/pkg/coord"
)

const (
	activeWorkersKey = "active_workers"
	workerKeyPrefix  = "worker:"
)

// WorkerInfo is the registry record for one processing worker.
type WorkerInfo struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	DocsProcessed int64     `json:"docs_processed"`
	Cost          float64   `json:"cost"`
}

// Workers is the worker registry.
type Workers struct {
	st  *coord.Store
	now func() time.Time
}

// NewWorkers creates a worker registry on the given store.
func NewWorkers(st *coord.Store) *Workers {
	return &Workers{st: st, now: time.Now}
}

func workerKey(id string) string { return workerKeyPrefix + id }

// Register adds a worker to the active set and records its metadata.
func (w *Workers) Register(ctx context.Context, id, hostname string) error {
	now := w.now().UTC().Format(time.RFC3339)
	err := w.st.HSet(ctx, workerKey(id),
		"hostname", hostname,
		"started_at", now,
		"last_heartbeat", now,
		"docs_processed", 0,
		"cost", "0",
	)
	if err != nil {
		return fmt.Errorf("queue: register worker %s: %w", id, err)
	}
	if err := w.st.SAdd(ctx, activeWorkersKey, id); err != nil {
		return fmt.Errorf("queue: register worker %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness and progress counters.
func (w *Workers) Heartbeat(ctx context.Context, id string, docsProcessed int64, cost float64) error {
	err := w.st.HSet(ctx, workerKey(id),
		"last_heartbeat", w.now().UTC().Format(time.RFC3339),
		"docs_processed", docsProcessed,
		"cost", strconv.FormatFloat(cost, 'f', -1, 64),
	)
	if err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", id, err)
	}
	return nil
}

// Deregister removes a worker from the registry on clean shutdown.
func (w *Workers) Deregister(ctx context.Context, id string) error {
	if err := w.st.SRem(ctx, activeWorkersKey, id); err != nil {
		return fmt.Errorf("queue: deregister %s: %w", id, err)
	}
	return w.st.Del(ctx, workerKey(id))
}

// List returns every registered worker.
func (w *Workers) List(ctx context.Context) ([]WorkerInfo, error) {
	ids, err := w.st.SMembers(ctx, activeWorkersKey)
	if err != nil {
		return nil, fmt.Errorf("queue: list workers: %w", err)
	}
	out := make([]WorkerInfo, 0, len(ids))
	for _, id := range ids {
		h, err := w.st.HGetAll(ctx, workerKey(id))
		if err != nil {
			return nil, fmt.Errorf("queue: load worker %s: %w", id, err)
		}
		if len(h) == 0 {
			continue
		}
		info := WorkerInfo{ID: id, Hostname: h["hostname"]}
		info.StartedAt, _ = time.Parse(time.RFC3339, h["started_at"])
		info.LastHeartbeat, _ = time.Parse(time.RFC3339, h["last_heartbeat"])
		info.DocsProcessed, _ = strconv.ParseInt(h["docs_processed"], 10, 64)
		info.Cost, _ = strconv.ParseFloat(h["cost"], 64)
		out = append(out, info)
	}
	return out, nil
}

// ReapStale removes workers whose heartbeat is older than olderThan and
// returns the reaped ids. Requeueing their claims is the job queue's task.
func (w *Workers) ReapStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	workers, err := w.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := w.now().Add(-olderThan)
	var reaped []string
	for _, info := range workers {
		if info.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := w.Deregister(ctx, info.ID); err != nil {
			return reaped, err
		}
		reaped = append(reaped, info.ID)
	}
	// Clean up set members whose hash vanished.
	ids, err := w.st.SMembers(ctx, activeWorkersKey)
	if err != nil {
		return reaped, err
	}
	for _, id := range ids {
		ok, err := w.st.HExists(ctx, workerKey(id), "last_heartbeat")
		if err != nil {
			return reaped, err
		}
		if !ok {
			if err := w.st.SRem(ctx, activeWorkersKey, id); err != nil {
				return reaped, err
			}
			if !contains(reaped, id) {
				reaped = append(reaped, id)
			}
		}
	}
	return reaped, nil
}

// lastHeartbeat returns the heartbeat time for a worker id.
func (w *Workers) lastHeartbeat(ctx context.Context, id string) (time.Time, error) {
	v, err := w.st.HGet(ctx, workerKey(id), "last_heartbeat")
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return time.Time{}, coord.ErrNotFound
		}
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: bad heartbeat for %s: %w", id, err)
	}
	return t, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
