// Package schedule runs recurring maintenance tasks. The orchestrator polls
// RunDue between job batches instead of dedicating a goroutine per task.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one recurring job.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(context.Context) error

	last time.Time
}

// Scheduler tracks recurring tasks and their last run times.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*Task
	log   *slog.Logger
	now   func() time.Time
}

// New creates an empty scheduler.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log, now: time.Now}
}

// Add registers a task. The first RunDue call runs it immediately.
func (s *Scheduler) Add(name string, every time.Duration, run func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &Task{Name: name, Every: every, Run: run})
}

// RunDue runs every task whose interval has elapsed. Task errors are logged,
// not returned; one failing task must not starve the others.
func (s *Scheduler) RunDue(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var due []*Task
	for _, t := range s.tasks {
		if t.last.IsZero() || now.Sub(t.last) >= t.Every {
			t.last = now
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			s.log.Warn("scheduled task failed", "task", t.Name, "error", err)
			continue
		}
		s.log.Debug("scheduled task ran", "task", t.Name, "duration", time.Since(start))
	}
}
