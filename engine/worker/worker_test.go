package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/757built/engine/engine/domain"
	"github.com/757built/engine/engine/extract"
	"github.com/757built/engine/engine/llm"
	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/queue"
)

// cannedLLM answers every prompt with the same JSON document.
type cannedLLM struct{ reply string }

func (c *cannedLLM) Generate(context.Context, string, int) (string, error) { return c.reply, nil }
func (c *cannedLLM) Chat(context.Context, []llm.Message, int) (string, error) {
	return c.reply, nil
}

func testCoord(t *testing.T) *coord.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return coord.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func testExtractor(t *testing.T, st *coord.Store, dir string) *extract.Extractor {
	t.Helper()
	promptDir := t.TempDir()
	for _, class := range []domain.Class{domain.ClassProject, domain.ClassPatent, domain.ClassResearch, domain.ClassOther} {
		body := "Extract JSON from:\n{{TEXT}}\n"
		if err := os.WriteFile(filepath.Join(promptDir, string(class)+".md"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	client := &cannedLLM{reply: `{"document_type": "project", "project": {"name": "Test Project"}}`}
	return extract.New(client, nil, nil, st, extract.NewTemplates(promptDir, false, nil), nil, nil, extract.Opts{
		ProcessedDir: filepath.Join(dir, "processed"),
		AnalysisDir:  filepath.Join(dir, "analysis"),
	})
}

func testOrchestrator(t *testing.T, st *coord.Store, opts Opts) (*Orchestrator, *queue.Jobs) {
	t.Helper()
	jobs := queue.NewJobs(st, "")
	workers := queue.NewWorkers(st)
	if opts.DequeueWait == 0 {
		opts.DequeueWait = 20 * time.Millisecond
	}
	o := New(jobs, workers, testExtractor(t, st, t.TempDir()), nil, nil, nil, nil, nil, opts)
	return o, jobs
}

func writeDoc(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStepProcessesBatch(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	o, jobs := testOrchestrator(t, st, Opts{WorkerID: "w1", BatchSize: 4, MaxParallel: 2})

	dir := t.TempDir()
	var ids []string
	for i := 0; i < 2; i++ {
		path := writeDoc(t, dir, fmt.Sprintf("doc-%d.txt", i), fmt.Sprintf("project body %d", i))
		id, err := jobs.Enqueue(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	o.mu.Lock()
	o.start = time.Now()
	o.lastActivity = o.start
	o.mu.Unlock()

	done, err := o.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if done {
		t.Fatal("step should not report shutdown")
	}

	for _, id := range ids {
		job, err := jobs.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != queue.StatusCompleted {
			t.Fatalf("job %s status = %s", id, job.Status)
		}
	}
	if got := o.jobsDone.Value(); got != 2 {
		t.Fatalf("completed counter = %d", got)
	}
}

func TestStepFailsUnreadableJob(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	o, jobs := testOrchestrator(t, st, Opts{WorkerID: "w1"})

	id, err := jobs.Enqueue(ctx, filepath.Join(t.TempDir(), "missing.txt"))
	if err != nil {
		t.Fatal(err)
	}
	o.mu.Lock()
	o.start = time.Now()
	o.lastActivity = o.start
	o.mu.Unlock()

	if _, err := o.step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	job, err := jobs.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if got := o.jobsFailed.Value(); got != 1 {
		t.Fatalf("failed counter = %d", got)
	}
}

func TestRunBudgetShutdown(t *testing.T) {
	st := testCoord(t)
	o, _ := testOrchestrator(t, st, Opts{
		WorkerID:    "w1",
		CostPerHour: 3600 * 1e6, // a dollar per microsecond-scale tick
		MaxBudget:   0.01,
	})
	err := o.Run(context.Background())
	if err != ErrBudgetExceeded {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestRunIdleShutdown(t *testing.T) {
	st := testCoord(t)
	o, _ := testOrchestrator(t, st, Opts{
		WorkerID:     "w1",
		IdleShutdown: 30 * time.Millisecond,
		DequeueWait:  10 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle shutdown did not trigger")
	}
}

func TestRunBatchFinishesAfterCancel(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	o, jobs := testOrchestrator(t, st, Opts{WorkerID: "w1", ShutdownTimeout: 10 * time.Second})

	path := writeDoc(t, t.TempDir(), "doc.txt", "project body")
	id, err := jobs.Enqueue(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := jobs.DequeueBatch(ctx, "w1", 1, 50*time.Millisecond)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("dequeue = (%d, %v)", len(claimed), err)
	}

	// An operator signal lands while the job is claimed: the batch still
	// finishes inside the shutdown grace window.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	o.runBatch(cancelled, claimed)

	job, err := jobs.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed despite cancelled run context", job.Status)
	}
}

func TestScanDirectory(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	db, err := OpenHashDB(filepath.Join(t.TempDir(), "ipfs_hashes.json"))
	if err != nil {
		t.Fatal(err)
	}
	jobs := queue.NewJobs(st, "")
	o := New(jobs, queue.NewWorkers(st), testExtractor(t, st, t.TempDir()), nil, nil, db, nil, nil, Opts{WorkerID: "w1"})

	dir := t.TempDir()
	writeDoc(t, dir, "new.txt", "body")
	writeDoc(t, dir, "known.txt", "body")
	writeDoc(t, dir, "image.png", "png")
	writeDoc(t, dir, "graph_data.json", "{}")
	writeDoc(t, dir, "ipfs_hashes.json", "{}")
	if err := db.Upsert(HashEntry{Document: "known.txt"}); err != nil {
		t.Fatal(err)
	}

	n, err := o.ScanDirectory(ctx, dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued = %d, want only the new document", n)
	}
	depth, err := jobs.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d", depth)
	}
	if !db.Has("new.txt") {
		t.Fatal("scanned document not recorded")
	}

	// A second scan finds nothing new.
	n, err = o.ScanDirectory(ctx, dir)
	if err != nil || n != 0 {
		t.Fatalf("rescan = (%d, %v)", n, err)
	}
}
