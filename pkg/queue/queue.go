// Package queue implements the shared document job queue and the worker and
// storage node registries on top of the coordination store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/757built/engine/pkg/coord"
)

// Job statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Coordination store keys.
const (
	DefaultQueueKey = "doc_queue"
	resultsKey      = "processing_results"
	jobKeyPrefix    = "job:"
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("queue: job not found")

// Job is one document processing job.
type Job struct {
	ID                string    `json:"id"`
	Path              string    `json:"path"`
	Status            string    `json:"status"`
	Worker            string    `json:"worker,omitempty"`
	SubmittedAt       time.Time `json:"submitted_at"`
	ProcessingStarted time.Time `json:"processing_started,omitempty"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
	Error             string    `json:"error,omitempty"`
	Attempts          int       `json:"attempts"`
	ClaimHistory      []string  `json:"claim_history,omitempty"`
}

// Jobs manages the document queue and per-job records.
type Jobs struct {
	st       *coord.Store
	queueKey string
	now      func() time.Time
}

// NewJobs creates a job queue on the given store. Empty queueKey uses the default.
func NewJobs(st *coord.Store, queueKey string) *Jobs {
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	return &Jobs{st: st, queueKey: queueKey, now: time.Now}
}

// NewJobID returns a fresh job id.
func NewJobID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func jobKey(id string) string { return jobKeyPrefix + id }

// Enqueue records a job for path and pushes it onto the queue.
func (j *Jobs) Enqueue(ctx context.Context, path string) (string, error) {
	id := NewJobID()
	err := j.st.HSet(ctx, jobKey(id),
		"path", path,
		"status", StatusQueued,
		"submitted_at", j.now().UTC().Format(time.RFC3339),
		"attempts", 0,
	)
	if err != nil {
		return "", fmt.Errorf("queue: record job: %w", err)
	}
	if err := j.st.LPush(ctx, j.queueKey, id); err != nil {
		return "", fmt.Errorf("queue: push job: %w", err)
	}
	return id, nil
}

// Get loads one job record.
func (j *Jobs) Get(ctx context.Context, id string) (Job, error) {
	h, err := j.st.HGetAll(ctx, jobKey(id))
	if err != nil {
		return Job{}, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	if len(h) == 0 {
		return Job{}, ErrJobNotFound
	}
	return jobFromHash(id, h), nil
}

// List returns every job record.
func (j *Jobs) List(ctx context.Context) ([]Job, error) {
	keys, err := j.st.ScanKeys(ctx, jobKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(keys))
	for _, k := range keys {
		h, err := j.st.HGetAll(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("queue: load %s: %w", k, err)
		}
		if len(h) == 0 {
			continue
		}
		out = append(out, jobFromHash(strings.TrimPrefix(k, jobKeyPrefix), h))
	}
	return out, nil
}

// DequeueBatch claims up to max jobs for workerID. The first pop blocks up to
// wait; the rest are taken only if immediately available. Claimed jobs are
// stamped processing before being returned.
func (j *Jobs) DequeueBatch(ctx context.Context, workerID string, max int, wait time.Duration) ([]Job, error) {
	if max <= 0 {
		max = 1
	}
	var ids []string
	id, ok, err := j.st.BRPop(ctx, wait, j.queueKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	ids = append(ids, id)
	for len(ids) < max {
		id, ok, err := j.st.RPop(ctx, j.queueKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		ids = append(ids, id)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		if err := j.claim(ctx, id, workerID); err != nil {
			return jobs, err
		}
		job, err := j.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (j *Jobs) claim(ctx context.Context, id, workerID string) error {
	if _, err := j.st.HIncrBy(ctx, jobKey(id), "attempts", 1); err != nil {
		return fmt.Errorf("queue: claim %s: %w", id, err)
	}
	err := j.st.HSet(ctx, jobKey(id),
		"status", StatusProcessing,
		"worker", workerID,
		"processing_started", j.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("queue: claim %s: %w", id, err)
	}
	return nil
}

// Complete marks a job done and stores its result document.
func (j *Jobs) Complete(ctx context.Context, id, result string) error {
	err := j.st.HSet(ctx, jobKey(id),
		"status", StatusCompleted,
		"completed_at", j.now().UTC().Format(time.RFC3339),
		"error", "",
	)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}
	if result != "" {
		if err := j.st.HSet(ctx, resultsKey, id, result); err != nil {
			return fmt.Errorf("queue: store result %s: %w", id, err)
		}
	}
	return nil
}

// Fail marks a job failed with a reason.
func (j *Jobs) Fail(ctx context.Context, id, reason string) error {
	err := j.st.HSet(ctx, jobKey(id),
		"status", StatusFailed,
		"completed_at", j.now().UTC().Format(time.RFC3339),
		"error", reason,
	)
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", id, err)
	}
	return nil
}

// Result returns the stored result document for a completed job.
func (j *Jobs) Result(ctx context.Context, id string) (string, error) {
	return j.st.HGet(ctx, resultsKey, id)
}

// Retry requeues a failed job.
func (j *Jobs) Retry(ctx context.Context, id string) error {
	job, err := j.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed {
		return fmt.Errorf("queue: retry %s: status is %s", id, job.Status)
	}
	if err := j.st.HSet(ctx, jobKey(id), "status", StatusQueued, "worker", "", "error", ""); err != nil {
		return fmt.Errorf("queue: retry %s: %w", id, err)
	}
	return j.st.LPush(ctx, j.queueKey, id)
}

// Depth returns the number of jobs waiting in the queue.
func (j *Jobs) Depth(ctx context.Context) (int64, error) {
	return j.st.LLen(ctx, j.queueKey)
}

// RetryStaleClaims requeues processing jobs whose worker has disappeared or
// stopped heartbeating for longer than staleAfter. The previous claim is
// appended to the job's claim history. Returns the number requeued.
func (j *Jobs) RetryStaleClaims(ctx context.Context, w *Workers, staleAfter time.Duration) (int, error) {
	jobs, err := j.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := j.now().Add(-staleAfter)
	n := 0
	for _, job := range jobs {
		if job.Status != StatusProcessing || job.Worker == "" {
			continue
		}
		hb, err := w.lastHeartbeat(ctx, job.Worker)
		if err == nil && hb.After(cutoff) {
			continue
		}
		history := append(job.ClaimHistory, job.Worker)
		err = j.st.HSet(ctx, jobKey(job.ID),
			"status", StatusQueued,
			"worker", "",
			"claim_history", strings.Join(history, ","),
		)
		if err != nil {
			return n, fmt.Errorf("queue: requeue %s: %w", job.ID, err)
		}
		if err := j.st.LPush(ctx, j.queueKey, job.ID); err != nil {
			return n, fmt.Errorf("queue: requeue %s: %w", job.ID, err)
		}
		n++
	}
	return n, nil
}

// PruneFailed deletes failed job records older than age. Returns the number
// removed.
func (j *Jobs) PruneFailed(ctx context.Context, age time.Duration) (int, error) {
	jobs, err := j.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := j.now().Add(-age)
	n := 0
	for _, job := range jobs {
		if job.Status != StatusFailed || job.CompletedAt.IsZero() || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := j.st.Del(ctx, jobKey(job.ID)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PruneCompleted deletes completed job records older than age.
func (j *Jobs) PruneCompleted(ctx context.Context, age time.Duration) (int, error) {
	jobs, err := j.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := j.now().Add(-age)
	n := 0
	for _, job := range jobs {
		if job.Status != StatusCompleted || job.CompletedAt.IsZero() || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := j.st.Del(ctx, jobKey(job.ID)); err != nil {
			return n, err
		}
		if err := j.st.HDel(ctx, resultsKey, job.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func jobFromHash(id string, h map[string]string) Job {
	job := Job{
		ID:     id,
		Path:   h["path"],
		Status: h["status"],
		Worker: h["worker"],
		Error:  h["error"],
	}
	fmt.Sscanf(h["attempts"], "%d", &job.Attempts)
	job.SubmittedAt, _ = time.Parse(time.RFC3339, h["submitted_at"])
	job.ProcessingStarted, _ = time.Parse(time.RFC3339, h["processing_started"])
	job.CompletedAt, _ = time.Parse(time.RFC3339, h["completed_at"])
	if h["claim_history"] != "" {
		job.ClaimHistory = strings.Split(h["claim_history"], ",")
	}
	return job
}
