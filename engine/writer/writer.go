// Package writer implements the graph-writer service: the single mutator of
// the knowledge graph. It consumes processed-document events from the
// graph-update stream, merges them into the in-memory graph, and publishes
// the resulting snapshot to the content-addressed store under a mutable name.
//
// Events are acknowledged only after a successful merge and snapshot
// publication, so a crashed writer leaves its claims pending for redelivery.
// Merges are idempotent, which keeps redelivery safe.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/757built/engine/engine/extract"
	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/metrics"
	"github.com/757built/engine/pkg/objstore"
)

const (
	// DefaultGroup is the stream consumer group shared by writer replicas.
	DefaultGroup = "graph_writers"

	defaultBatchSize = 10
	defaultBlock     = 5 * time.Second
)

// Opts configures a Writer.
type Opts struct {
	Stream       string // update stream, default extract.GraphStream
	Group        string
	Consumer     string // default hostname plus a random suffix
	BatchSize    int64
	Block        time.Duration
	SnapshotPath string // on-disk snapshot, default data/graph_snapshot.json
	IPNSKey      string // mutable name key; empty disables publication
}

func (o *Opts) defaults() {
	if o.Stream == "" {
		o.Stream = extract.GraphStream
	}
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "writer"
		}
		o.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Block <= 0 {
		o.Block = defaultBlock
	}
	if o.SnapshotPath == "" {
		o.SnapshotPath = filepath.Join("data", "graph_snapshot.json")
	}
}

// Writer consumes graph-update events and maintains the published snapshot.
type Writer struct {
	st    *coord.Store
	g     *graph.Graph
	obj   *objstore.Client // nil disables pinning and publication
	canon *graph.EdgeMap
	log   *slog.Logger
	opts  Opts

	merged    *metrics.Counter
	skipped   *metrics.Counter
	failed    *metrics.Counter
	dropped   *metrics.Counter
	published *metrics.Counter
}

// New creates a writer over the given graph. obj may be nil, in which case
// snapshots are written to disk only.
func New(st *coord.Store, g *graph.Graph, obj *objstore.Client, canon *graph.EdgeMap, reg *metrics.Registry, log *slog.Logger, opts Opts) *Writer {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	opts.defaults()
	return &Writer{
		st:        st,
		g:         g,
		obj:       obj,
		canon:     canon,
		log:       log,
		opts:      opts,
		merged:    reg.Counter("graph_events_merged_total", "Events merged into the graph"),
		skipped:   reg.Counter("graph_events_skipped_total", "Events skipped as already-merged duplicates"),
		failed:    reg.Counter("graph_events_failed_total", "Events that could not be processed"),
		dropped:   reg.Counter("graph_relations_dropped_total", "Relations dropped during canonicalisation"),
		published: reg.Counter("graph_snapshots_published_total", "Snapshots pinned and published"),
	}
}

// Bootstrap loads the on-disk snapshot if present and seeds the locality
// nodes. Call once before Run.
func (w *Writer) Bootstrap() error {
	if err := w.g.LoadFile(w.opts.SnapshotPath); err != nil {
		return fmt.Errorf("writer: bootstrap: %w", err)
	}
	w.g.SeedLocalities()
	stats := w.g.Stats()
	w.log.Info("writer: graph loaded",
		"snapshot", w.opts.SnapshotPath, "nodes", stats.Nodes, "edges", stats.Edges)
	return nil
}

// Run consumes the update stream until the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	if err := w.st.EnsureGroup(ctx, w.opts.Stream, w.opts.Group); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	w.log.Info("writer: consuming",
		"stream", w.opts.Stream, "group", w.opts.Group, "consumer", w.opts.Consumer)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := w.Drain(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			w.log.Error("writer: drain failed", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// Drain reads one batch from the stream, merges each event, publishes the
// snapshot when anything was merged, and acknowledges the handled events.
// Returns the number of events acknowledged.
func (w *Writer) Drain(ctx context.Context) (int, error) {
	msgs, err := w.st.ReadGroup(ctx, w.opts.Stream, w.opts.Group, w.opts.Consumer, w.opts.BatchSize, w.opts.Block)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var acks []string
	for _, m := range msgs {
		if err := w.handle(ctx, m); err != nil {
			w.failed.Inc()
			w.log.Error("writer: event failed", "id", m.ID, "error", err)
			continue
		}
		acks = append(acks, m.ID)
	}
	if len(acks) == 0 {
		return 0, nil
	}

	// An unpublished snapshot leaves the whole batch pending; merges are
	// idempotent so redelivery converges.
	if err := w.PublishSnapshot(ctx); err != nil {
		return 0, fmt.Errorf("writer: publish snapshot: %w", err)
	}
	if err := w.st.Ack(ctx, w.opts.Stream, w.opts.Group, acks...); err != nil {
		return 0, err
	}
	return len(acks), nil
}

func (w *Writer) handle(ctx context.Context, m coord.StreamMessage) error {
	data, _ := m.Values["data"].(string)
	if data == "" {
		return fmt.Errorf("writer: event %s has no data field", m.ID)
	}
	var p extract.Processed
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return fmt.Errorf("writer: decode event %s: %w", m.ID, err)
	}
	path, _ := m.Values["path"].(string)
	if path == "" {
		path = p.SourcePath
	}
	if path == "" {
		return fmt.Errorf("writer: event %s has no source path", m.ID)
	}

	// Pin the original file. A failed pin still merges the document,
	// just without a CID on its node.
	var fileCID string
	if w.obj != nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			w.log.Warn("writer: original unreadable, merging without CID", "path", path, "error", err)
		} else if cid, _, err := w.obj.AddOrReuse(ctx, raw); err != nil {
			w.log.Warn("writer: pin original failed", "path", path, "error", err)
		} else {
			fileCID = cid
		}
	}

	res := w.g.MergeDocument(graph.MergeInput{
		Path:          path,
		Doc:           p.Document,
		ContentDigest: p.ContentDigest,
		FileCID:       fileCID,
		MetadataCID:   p.MetadataCID,
		SimilarDocs:   p.SimilarDocs,
	}, w.canon)

	w.dropped.Add(int64(res.DroppedRelations))
	if !res.Merged {
		w.skipped.Inc()
		w.log.Info("writer: duplicate content skipped", "path", path, "digest", p.ContentDigest)
		return nil
	}
	w.merged.Inc()
	w.log.Info("writer: document merged",
		"document", res.DocumentID, "project", res.ProjectID,
		"localities", len(res.Localities), "dropped_relations", res.DroppedRelations)
	return nil
}

// PublishSnapshot serialises the graph, writes it to disk atomically, and
// when an object store is configured pins it and points the mutable name at
// the new CID. Returns nil when there is nothing to publish to.
func (w *Writer) PublishSnapshot(ctx context.Context) error {
	data, err := w.g.Encode()
	if err != nil {
		return err
	}
	if err := writeAtomic(w.opts.SnapshotPath, data); err != nil {
		return err
	}
	if w.obj == nil {
		return nil
	}
	cid, reused, err := w.obj.AddOrReuse(ctx, data)
	if err != nil {
		return err
	}
	if w.opts.IPNSKey != "" {
		name, err := w.obj.Publish(ctx, cid, w.opts.IPNSKey)
		if err != nil {
			return err
		}
		w.log.Info("writer: snapshot published", "cid", cid, "name", name, "reused", reused)
	}
	w.published.Inc()
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("writer: snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("writer: snapshot temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writer: snapshot write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("writer: snapshot close: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("writer: snapshot rename: %w", err)
	}
	return nil
}
