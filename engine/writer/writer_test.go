package writer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/757built/engine/engine/domain"
	"github.com/757built/engine/engine/extract"
	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/metrics"
)

func testSetup(t *testing.T) (*coord.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coord.NewFromClient(rdb), rdb
}

func testCanon(t *testing.T) *graph.EdgeMap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edge_mapping.yaml")
	body := "led by: LED_BY\ncollaborated with: WORKED_WITH\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return graph.NewEdgeMap(path, nil)
}

func testWriter(t *testing.T, st *coord.Store, g *graph.Graph, reg *metrics.Registry) *Writer {
	t.Helper()
	return New(st, g, nil, testCanon(t), reg, nil, Opts{
		Consumer:     "test-writer",
		Block:        10 * time.Millisecond,
		SnapshotPath: filepath.Join(t.TempDir(), "graph_snapshot.json"),
	})
}

func publishEvent(t *testing.T, st *coord.Store, path string, p extract.Processed) {
	t.Helper()
	body, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.XAdd(context.Background(), extract.GraphStream, 1000, map[string]any{
		"path": path,
		"data": string(body),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDrainMergesAndAcks(t *testing.T) {
	ctx := context.Background()
	st, rdb := testSetup(t)
	g := graph.New()
	g.SeedLocalities()
	reg := metrics.New()
	w := testWriter(t, st, g, reg)

	source := filepath.Join(t.TempDir(), "pier-report.txt")
	publishEvent(t, st, source, extract.Processed{
		Document: domain.Document{
			Type:        domain.ClassProject,
			Project:     map[string]any{"name": "Pier Rebuild"},
			TextContent: "Work on the pier in Norfolk continues.",
			Entities: &domain.Entities{
				People: []map[string]any{{"name": "Dana Reyes", "role": "led by"}},
			},
		},
		ContentDigest: "digest-1",
		SourcePath:    source,
	})
	if err := st.EnsureGroup(ctx, extract.GraphStream, w.opts.Group); err != nil {
		t.Fatal(err)
	}

	n, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("acked = %d, want 1", n)
	}

	docID := graph.DocumentNodeID(source)
	if _, ok := g.Node(docID); !ok {
		t.Fatalf("document node %s missing", docID)
	}
	projectID, ok := g.Find(graph.NodeProject, "Pier Rebuild")
	if !ok {
		t.Fatal("project node missing")
	}
	if !g.HasEdge(docID, projectID, graph.EdgeContainsDocument) {
		t.Fatal("contains_document edge missing")
	}
	personID, ok := g.Find(graph.NodePerson, "Dana Reyes")
	if !ok {
		t.Fatal("person node missing")
	}
	if !g.HasEdge(personID, projectID, graph.EdgeLedBy) {
		t.Fatal("led_by edge missing")
	}
	locID := graph.LocalityNodeID("Norfolk")
	if !g.HasEdge(docID, locID, graph.EdgeLocatedIn) {
		t.Fatal("located_in edge missing")
	}

	// Snapshot on disk decodes back into an equivalent graph.
	data, err := os.ReadFile(w.opts.SnapshotPath)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	replay := graph.New()
	if err := replay.Load(data); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if replay.Stats().Nodes != g.Stats().Nodes {
		t.Fatalf("snapshot nodes = %d, want %d", replay.Stats().Nodes, g.Stats().Nodes)
	}

	// The event was acknowledged.
	pend, err := rdb.XPending(ctx, extract.GraphStream, w.opts.Group).Result()
	if err != nil {
		t.Fatal(err)
	}
	if pend.Count != 0 {
		t.Fatalf("pending = %d, want 0", pend.Count)
	}

	// Nothing left to read.
	if n, err := w.Drain(ctx); err != nil || n != 0 {
		t.Fatalf("second drain = (%d, %v)", n, err)
	}
}

func TestDrainBadEventStaysPending(t *testing.T) {
	ctx := context.Background()
	st, rdb := testSetup(t)
	g := graph.New()
	reg := metrics.New()
	w := testWriter(t, st, g, reg)

	if _, err := st.XAdd(ctx, extract.GraphStream, 1000, map[string]any{
		"path": "/tmp/x.txt",
		"data": "not json",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.EnsureGroup(ctx, extract.GraphStream, w.opts.Group); err != nil {
		t.Fatal(err)
	}

	n, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("acked = %d, want 0", n)
	}
	if got := reg.Counter("graph_events_failed_total", "").Value(); got != 1 {
		t.Fatalf("failed counter = %d", got)
	}
	pend, err := rdb.XPending(ctx, extract.GraphStream, w.opts.Group).Result()
	if err != nil {
		t.Fatal(err)
	}
	if pend.Count != 1 {
		t.Fatalf("pending = %d, want 1 for redelivery", pend.Count)
	}
}

func TestDrainDuplicateDigestAcked(t *testing.T) {
	ctx := context.Background()
	st, _ := testSetup(t)
	g := graph.New()
	reg := metrics.New()
	w := testWriter(t, st, g, reg)

	source := filepath.Join(t.TempDir(), "dup.txt")
	event := extract.Processed{
		Document: domain.Document{
			Type:        domain.ClassProject,
			Project:     map[string]any{"name": "Dup Project"},
			TextContent: "same body",
		},
		ContentDigest: "digest-dup",
		SourcePath:    source,
	}
	publishEvent(t, st, source, event)
	if err := st.EnsureGroup(ctx, extract.GraphStream, w.opts.Group); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	before := g.Stats()

	publishEvent(t, st, source, event)
	n, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("duplicate should still be acked, got %d", n)
	}
	after := g.Stats()
	if after.Nodes != before.Nodes || after.Edges != before.Edges {
		t.Fatalf("duplicate changed the graph: %+v vs %+v", before, after)
	}
	if got := reg.Counter("graph_events_skipped_total", "").Value(); got != 1 {
		t.Fatalf("skipped counter = %d", got)
	}
}

func TestBootstrapRestoresSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph_snapshot.json")

	seed := graph.New()
	seed.AddNode(graph.Node{ID: "project_1", Type: graph.NodeProject, Label: "Old Project"})
	data, err := seed.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	st, _ := testSetup(t)
	g := graph.New()
	w := New(st, g, nil, testCanon(t), nil, nil, Opts{SnapshotPath: path})
	if err := w.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, ok := g.Find(graph.NodeProject, "Old Project"); !ok {
		t.Fatal("snapshot content not restored")
	}
	if _, ok := g.Node(graph.LocalityNodeID("Norfolk")); !ok {
		t.Fatal("localities not seeded")
	}
}
