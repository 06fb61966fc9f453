package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/pkg/metrics"
)

func norfolkReading() Reading {
	return Reading{
		StreamID:  "traffic_counters_42",
		Value:     1200,
		Timestamp: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Lat:       36.8508,
		Lng:       -76.2859,
		Locality:  "Norfolk",
		SourceURL: "https://example.org/counters.geojson",
	}
}

func TestProcessStoresAndWiresGraph(t *testing.T) {
	dir := t.TempDir()
	g := graph.New()
	reg := metrics.New()
	p := NewProcessor("traffic", "traffic", "count", "CC-BY-4.0", g, nil, reg, nil, dir)

	r := norfolkReading()
	if err := p.Process(context.Background(), r); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Reading JSON lands in the date-partitioned local store.
	matches, err := filepath.Glob(filepath.Join(dir, "telemetry", "traffic", "2026", "08", "26", "*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("stored files = %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatal(err)
	}
	if record["value"] != float64(1200) || record["license"] != "CC-BY-4.0" {
		t.Fatalf("record = %v", record)
	}
	if record["locality"] != "NORFOLK" {
		t.Fatalf("locality = %v, want upper-cased", record["locality"])
	}

	// Stream and reading nodes plus their edges.
	if _, ok := g.Node(r.StreamID); !ok {
		t.Fatal("stream node missing")
	}
	readingID := r.StreamID + "_2026-08-26T12:00:00Z"
	node, ok := g.Node(readingID)
	if !ok {
		t.Fatal("reading node missing")
	}
	if node.Coordinates == nil || node.Coordinates.Lat != r.Lat {
		t.Fatalf("reading coordinates = %v", node.Coordinates)
	}
	if !g.HasEdge(r.StreamID, readingID, graph.EdgeContains) {
		t.Fatal("contains edge missing")
	}
	if !g.HasEdge(readingID, graph.LocalityNodeID("Norfolk"), graph.EdgeLocatedIn) {
		t.Fatal("located_in edge missing")
	}
}

func TestProcessRejections(t *testing.T) {
	tests := []struct {
		name    string
		license string
		mutate  func(*Reading)
		want    error
		reason  string
	}{
		{
			name:    "out of bounds",
			license: "CC0-1.0",
			mutate:  func(r *Reading) { r.Lat = 38.9 },
			want:    ErrOutOfBounds,
			reason:  "out_of_bounds",
		},
		{
			name:    "closed license",
			license: "Proprietary",
			mutate:  func(r *Reading) {},
			want:    ErrLicense,
			reason:  "license",
		},
		{
			name:    "pii in metadata",
			license: "CC0-1.0",
			mutate:  func(r *Reading) { r.Metadata = map[string]any{"contact": "757-555-0142"} },
			want:    ErrPII,
			reason:  "pii",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := metrics.New()
			p := NewProcessor("test", "traffic", "count", tt.license, nil, nil, reg, nil, t.TempDir())
			r := norfolkReading()
			tt.mutate(&r)
			err := p.Process(context.Background(), r)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			name := metrics.WithLabels("telemetry_readings_rejected_total", "source", "test", "reason", tt.reason)
			if got := reg.Counter(name, "").Value(); got != 1 {
				t.Fatalf("reject counter = %d", got)
			}
		})
	}
}

type fakeIngestor struct {
	readings []Reading
	err      error
}

func (f *fakeIngestor) Name() string { return "fake" }
func (f *fakeIngestor) FetchData(context.Context) ([]Reading, error) {
	return f.readings, f.err
}

func TestRunCountsAccepted(t *testing.T) {
	reg := metrics.New()
	p := NewProcessor("fake", "traffic", "count", "CC0-1.0", nil, nil, reg, nil, t.TempDir())

	good := norfolkReading()
	bad := norfolkReading()
	bad.Lat = 40.0

	n, err := p.Run(context.Background(), &fakeIngestor{readings: []Reading{good, bad}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("accepted = %d, want 1", n)
	}
}

func TestRunFetchError(t *testing.T) {
	p := NewProcessor("fake", "traffic", "count", "CC0-1.0", nil, nil, nil, nil, t.TempDir())
	if _, err := p.Run(context.Background(), &fakeIngestor{err: errors.New("feed down")}); err == nil {
		t.Fatal("want fetch error")
	}
}

func TestContainsPII(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"reading at station 12", false},
		{"ssn 123-45-6789", true},
		{"mail ops@example.com", true},
		{"call 757-555-0142", true},
		{"range 100-200", false},
	}
	for _, tt := range tests {
		if got := containsPII(tt.in); got != tt.want {
			t.Errorf("containsPII(%q) = %v", tt.in, got)
		}
	}
}
