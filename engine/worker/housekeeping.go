package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/objstore"
	"github.com/757built/engine/pkg/queue"
)

// unreferencedPinsKey is the coordination-store ledger of pinned CIDs nothing
// references yet, mapping cid to first-seen timestamp. A pin is released only
// after staying unreferenced for the full lifetime.
const unreferencedPinsKey = "unreferenced_pins"

// HousekeepingOpts configures the recurring cleanup pass.
type HousekeepingOpts struct {
	PinLifetime        time.Duration // 0 means 30 days
	FailedDocStaleness time.Duration // 0 means 7 days
	IPNSKey            string        // resolved to protect the current snapshot
}

func (o *HousekeepingOpts) defaults() {
	if o.PinLifetime <= 0 {
		o.PinLifetime = 30 * 24 * time.Hour
	}
	if o.FailedDocStaleness <= 0 {
		o.FailedDocStaleness = 7 * 24 * time.Hour
	}
}

// Housekeeper prunes stale failed jobs and releases pins that no document
// references. CIDs referenced by the hash database or the published snapshot
// are never unpinned.
type Housekeeper struct {
	jobs *queue.Jobs
	db   *HashDB          // nil skips the reference check from the hash database
	obj  *objstore.Client // nil disables pin cleanup
	st   *coord.Store
	log  *slog.Logger
	opts HousekeepingOpts
	now  func() time.Time
}

// NewHousekeeper creates a housekeeper over the worker's collaborators.
func NewHousekeeper(jobs *queue.Jobs, db *HashDB, obj *objstore.Client, st *coord.Store, log *slog.Logger, opts HousekeepingOpts) *Housekeeper {
	if log == nil {
		log = slog.Default()
	}
	opts.defaults()
	return &Housekeeper{jobs: jobs, db: db, obj: obj, st: st, log: log, opts: opts, now: time.Now}
}

// Run executes one cleanup pass.
func (h *Housekeeper) Run(ctx context.Context) error {
	pruned, err := h.jobs.PruneFailed(ctx, h.opts.FailedDocStaleness)
	if err != nil {
		return fmt.Errorf("worker: prune failed jobs: %w", err)
	}
	if pruned > 0 {
		h.log.Info("worker: pruned stale failed jobs", "count", pruned)
	}
	if h.obj == nil {
		return nil
	}
	unpinned, err := h.CleanupPins(ctx)
	if err != nil {
		return err
	}
	if unpinned > 0 {
		h.log.Info("worker: released unreferenced pins", "count", unpinned)
	}
	return nil
}

// CleanupPins releases pins that stayed unreferenced for the configured
// lifetime. A pin seen unreferenced for the first time is recorded and left
// alone; it is released on a later pass once its age exceeds the lifetime.
// Returns the number of pins released.
func (h *Housekeeper) CleanupPins(ctx context.Context) (int, error) {
	pins, err := h.obj.ListPins(ctx)
	if err != nil {
		return 0, fmt.Errorf("worker: list pins: %w", err)
	}

	referenced := map[string]bool{}
	if h.db != nil {
		for _, e := range h.db.Entries() {
			if e.IPFSHash != "" {
				referenced[e.IPFSHash] = true
			}
		}
	}
	if h.opts.IPNSKey != "" {
		if cid, err := h.obj.Resolve(ctx, h.opts.IPNSKey); err == nil && cid != "" {
			referenced[cid] = true
		} else if err != nil {
			// Without the snapshot CID the safe move is to release nothing.
			return 0, fmt.Errorf("worker: resolve snapshot name: %w", err)
		}
	}

	now := h.now().UTC()
	released := 0
	for _, cid := range pins {
		if referenced[cid] {
			if err := h.st.HDel(ctx, unreferencedPinsKey, cid); err != nil {
				return released, err
			}
			continue
		}
		firstSeen, err := h.st.HGet(ctx, unreferencedPinsKey, cid)
		if errors.Is(err, coord.ErrNotFound) {
			if err := h.st.HSet(ctx, unreferencedPinsKey, cid, now.Format(time.RFC3339)); err != nil {
				return released, err
			}
			continue
		}
		if err != nil {
			return released, err
		}
		seen, err := time.Parse(time.RFC3339, firstSeen)
		if err != nil {
			// Unreadable ledger entry; restart its clock.
			if err := h.st.HSet(ctx, unreferencedPinsKey, cid, now.Format(time.RFC3339)); err != nil {
				return released, err
			}
			continue
		}
		if now.Sub(seen) < h.opts.PinLifetime {
			continue
		}
		if err := h.obj.Unpin(ctx, cid); err != nil {
			h.log.Warn("worker: unpin failed", "cid", cid, "error", err)
			continue
		}
		if err := h.st.HDel(ctx, unreferencedPinsKey, cid); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}
