// Package worker implements the processing orchestrator: it registers with
// the worker registry, claims document jobs in batches, runs them through the
// extractor on a bounded pool, accounts compute cost against a budget, and
// runs recurring maintenance between batches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/757built/engine/engine/extract"
	"github.com/757built/engine/pkg/fn"
	"github.com/757built/engine/pkg/metrics"
	"github.com/757built/engine/pkg/queue"
	"github.com/757built/engine/pkg/schedule"
)

// ErrBudgetExceeded signals a graceful budget shutdown; main maps it to
// exit code 2.
var ErrBudgetExceeded = errors.New("worker: compute budget exceeded")

// documentExtensions are the file types the directory monitor picks up.
var documentExtensions = []string{".txt", ".md", ".pdf", ".json", ".csv", ".doc", ".docx"}

// Opts configures the orchestrator.
type Opts struct {
	WorkerID        string
	Hostname        string
	BatchSize       int
	MaxParallel     int
	CostPerHour     float64
	MaxBudget       float64       // 0 disables the budget
	IdleShutdown    time.Duration // 0 disables idle shutdown
	JobTimeout      time.Duration
	DequeueWait     time.Duration
	HeartbeatEvery  time.Duration
	ShutdownTimeout time.Duration
}

func (o *Opts) defaults() {
	if o.WorkerID == "" {
		o.WorkerID = "worker_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if o.Hostname == "" {
		o.Hostname, _ = os.Hostname()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 4
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 2
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = time.Hour
	}
	if o.DequeueWait <= 0 {
		o.DequeueWait = 5 * time.Second
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 15 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Minute
	}
}

// Orchestrator drives one worker process.
type Orchestrator struct {
	jobs    *queue.Jobs
	workers *queue.Workers
	ext     *extract.Extractor
	sched   *schedule.Scheduler
	sync    *SyncClient // nil disables web sync
	db      *HashDB     // nil disables the hash database
	log     *slog.Logger
	opts    Opts

	jobsDone   *metrics.Counter
	jobsFailed *metrics.Counter
	costGauge  *metrics.Gauge

	mu           sync.Mutex
	start        time.Time
	docsDone     int64
	lastActivity time.Time
}

// New creates an orchestrator. sched, sync, and db are optional.
func New(jobs *queue.Jobs, workers *queue.Workers, ext *extract.Extractor, sched *schedule.Scheduler, sync *SyncClient, db *HashDB, reg *metrics.Registry, log *slog.Logger, opts Opts) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if sched == nil {
		sched = schedule.New(log)
	}
	opts.defaults()
	return &Orchestrator{
		jobs:       jobs,
		workers:    workers,
		ext:        ext,
		sched:      sched,
		sync:       sync,
		db:         db,
		log:        log.With("worker", opts.WorkerID),
		opts:       opts,
		jobsDone:   reg.Counter("worker_jobs_completed_total", "Jobs completed by this worker"),
		jobsFailed: reg.Counter("worker_jobs_failed_total", "Jobs failed by this worker"),
		costGauge:  reg.Gauge("worker_cost_dollars", "Accumulated compute cost"),
	}
}

// Scheduler exposes the between-batch scheduler so main can register
// recurring tasks (telemetry pulls, stale reaping, pool maintenance).
func (o *Orchestrator) Scheduler() *schedule.Scheduler { return o.sched }

// Cost returns the accumulated compute cost in dollars.
func (o *Orchestrator) Cost() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.costLocked()
}

func (o *Orchestrator) costLocked() float64 {
	if o.start.IsZero() {
		return 0
	}
	return o.opts.CostPerHour * time.Since(o.start).Hours()
}

// Run processes jobs until the context is cancelled, the budget is reached
// (ErrBudgetExceeded), or the worker idles past the threshold (nil).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.workers.Register(ctx, o.opts.WorkerID, o.opts.Hostname); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.workers.Deregister(shutdownCtx, o.opts.WorkerID); err != nil {
			o.log.Warn("worker: deregister failed", "error", err)
		}
	}()

	o.mu.Lock()
	o.start = time.Now()
	o.lastActivity = o.start
	o.mu.Unlock()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go o.heartbeatLoop(hbCtx)

	o.log.Info("worker: running",
		"batch_size", o.opts.BatchSize, "max_parallel", o.opts.MaxParallel,
		"cost_per_hour", o.opts.CostPerHour, "max_budget", o.opts.MaxBudget)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		done, err := o.step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// step runs one orchestrator tick: shutdown checks, due maintenance, one
// batch. Returns done=true for a clean idle shutdown.
func (o *Orchestrator) step(ctx context.Context) (done bool, err error) {
	o.mu.Lock()
	cost := o.costLocked()
	idle := time.Since(o.lastActivity)
	o.mu.Unlock()
	o.costGauge.SetFloat(cost)

	if o.opts.MaxBudget > 0 && cost >= o.opts.MaxBudget {
		o.log.Warn("worker: budget reached, shutting down", "cost", cost, "budget", o.opts.MaxBudget)
		return false, ErrBudgetExceeded
	}
	if o.opts.IdleShutdown > 0 && idle >= o.opts.IdleShutdown {
		o.log.Info("worker: idle threshold reached, shutting down", "idle", idle)
		return true, nil
	}

	o.sched.RunDue(ctx)

	batch := min(o.opts.BatchSize, o.opts.MaxParallel)
	jobs, err := o.jobs.DequeueBatch(ctx, o.opts.WorkerID, batch, o.opts.DequeueWait)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		o.log.Error("worker: dequeue failed", "error", err)
		time.Sleep(time.Second)
		return false, nil
	}
	if len(jobs) == 0 {
		return false, nil
	}

	o.runBatch(ctx, jobs)

	o.mu.Lock()
	o.lastActivity = time.Now()
	o.docsDone += int64(len(jobs))
	cost = o.costLocked()
	o.mu.Unlock()
	o.costGauge.SetFloat(cost)
	return false, nil
}

// runBatch executes the claimed jobs on a pool bounded at MaxParallel.
// Cancelling ctx does not kill claimed jobs outright: the batch gets up to
// ShutdownTimeout to finish before its context is cut.
func (o *Orchestrator) runBatch(ctx context.Context, jobs []queue.Job) {
	batchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		select {
		case <-batchCtx.Done():
		case <-time.After(o.opts.ShutdownTimeout):
			o.log.Warn("worker: shutdown grace elapsed, abandoning batch")
			cancel()
		}
	})
	defer stop()

	fn.ParMap(jobs, o.opts.MaxParallel, func(job queue.Job) struct{} {
		jobCtx, cancelJob := context.WithTimeout(batchCtx, o.opts.JobTimeout)
		defer cancelJob()
		if err := o.processJob(jobCtx, job); err != nil {
			o.jobsFailed.Inc()
			o.log.Error("worker: job failed", "job", job.ID, "path", job.Path, "error", err)
			if ferr := o.jobs.Fail(batchCtx, job.ID, err.Error()); ferr != nil {
				o.log.Error("worker: record failure", "job", job.ID, "error", ferr)
			}
			return struct{}{}
		}
		o.jobsDone.Inc()
		return struct{}{}
	})
}

func (o *Orchestrator) processJob(ctx context.Context, job queue.Job) error {
	res, err := o.ext.ProcessFile(ctx, job.Path)
	if err != nil {
		return err
	}
	if err := o.jobs.Complete(ctx, job.ID, res.ProcessedPath); err != nil {
		return err
	}
	if res.AlreadyProcessed {
		return nil
	}
	o.recordAndSync(ctx, res.Processed)
	return nil
}

// ProcessSingle runs one file through the extractor outside the queue
// (--single-file mode).
func (o *Orchestrator) ProcessSingle(ctx context.Context, path string) error {
	res, err := o.ext.ProcessFile(ctx, path)
	if err != nil {
		return err
	}
	if res.AlreadyProcessed {
		o.log.Info("worker: already processed", "path", path)
		return nil
	}
	o.recordAndSync(ctx, res.Processed)
	return nil
}

// recordAndSync updates the hash database and pushes the document to the web
// endpoint. Both are best-effort; a failed sync stays unsynced in the
// database and retries on a later monitor pass.
func (o *Orchestrator) recordAndSync(ctx context.Context, proc *extract.Processed) {
	docName := filepath.Base(proc.SourcePath)
	synced := false
	if o.sync != nil {
		if err := o.sync.SyncDocument(ctx, proc, proc.MetadataCID); err != nil {
			o.log.Warn("worker: sync failed, will retry on next pass", "document", docName, "error", err)
		} else {
			synced = true
		}
	}
	if o.db != nil {
		entry := HashEntry{
			Document:    docName,
			IPFSHash:    proc.MetadataCID,
			ContentHash: proc.ContentDigest,
			Synced:      synced,
		}
		if synced {
			entry.SyncTimestamp = time.Now().UTC().Format(time.RFC3339)
		}
		if err := o.db.Upsert(entry); err != nil {
			o.log.Warn("worker: hash db update failed", "document", docName, "error", err)
		}
	}
}

// ScanDirectory enqueues documents in dir that the hash database has not
// seen. Returns the number enqueued.
func (o *Orchestrator) ScanDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("worker: scan %s: %w", dir, err)
	}
	enqueued := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "ipfs_hashes.json" || name == "graph_data.json" {
			continue
		}
		if !hasDocumentExtension(name) {
			continue
		}
		if o.db != nil && o.db.Has(name) {
			continue
		}
		path := filepath.Join(dir, name)
		id, err := o.jobs.Enqueue(ctx, path)
		if err != nil {
			return enqueued, err
		}
		if o.db != nil {
			// Recorded immediately so the next scan skips it; the
			// processing job fills in the hashes.
			if err := o.db.Upsert(HashEntry{Document: name}); err != nil {
				o.log.Warn("worker: hash db update failed", "document", name, "error", err)
			}
		}
		o.log.Info("worker: enqueued new document", "path", path, "job", id)
		enqueued++
	}
	return enqueued, nil
}

// Monitor scans dir on the given interval until the context is cancelled
// (directory monitor mode).
func (o *Orchestrator) Monitor(ctx context.Context, dir string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.ScanDirectory(ctx, dir); err != nil {
			o.log.Error("worker: scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.mu.Lock()
		docs := o.docsDone
		cost := o.costLocked()
		o.mu.Unlock()
		o.costGauge.SetFloat(cost)
		if err := o.workers.Heartbeat(ctx, o.opts.WorkerID, docs, cost); err != nil {
			o.log.Warn("worker: heartbeat failed", "error", err)
		}
	}
}

func hasDocumentExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range documentExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
