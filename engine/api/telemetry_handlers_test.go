package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/757built/engine/engine/graph"
)

// telemetryGraph wires one traffic stream with hourly readings over two days
// plus one weather stream, the way the ingest processor lays them out.
func telemetryGraph(now time.Time) *graph.Graph {
	g := graph.New()
	g.SeedLocalities()

	addStream := func(id, metric, unit string) {
		g.AddNode(graph.Node{
			ID: id, Type: graph.NodeTelemetryStream, Label: id,
			Props: map[string]any{"metric": metric, "unit": unit},
		})
	}
	addReading := func(streamID string, ts time.Time, value float64, locality string) {
		stamp := ts.UTC().Format(time.RFC3339)
		readingID := streamID + "_" + stamp
		g.AddNode(graph.Node{
			ID: readingID, Type: graph.NodeTelemetryReading, Label: readingID,
			Coordinates: &graph.Coordinates{Lat: 36.85, Lng: -76.28},
			Props: map[string]any{
				"value": value, "unit": "vehicles", "timestamp": stamp,
			},
		})
		g.AddEdge(graph.Edge{Source: streamID, Target: readingID, Type: graph.EdgeContains, Timestamp: stamp})
		if locality != "" {
			g.AddEdge(graph.Edge{
				Source: readingID, Target: graph.LocalityNodeID(locality),
				Type: graph.EdgeLocatedIn, Timestamp: stamp,
			})
		}
	}

	addStream("traffic_counters_c1", "traffic", "vehicles")
	for h := 0; h < 6; h++ {
		addReading("traffic_counters_c1", now.Add(-time.Duration(h)*time.Hour), float64(100+h*10), "NORFOLK")
	}
	// One reading outside the default 24h window.
	addReading("traffic_counters_c1", now.Add(-48*time.Hour), 999, "NORFOLK")

	addStream("weather_temperature_hampton", "weather", "wmoUnit:degC")
	addReading("weather_temperature_hampton", now.Add(-time.Hour), 21.5, "HAMPTON")
	return g
}

func TestTelemetryStreams(t *testing.T) {
	srv, _ := testServer(t, telemetryGraph(time.Now().UTC()))

	var out struct {
		Streams []graph.Node `json:"streams"`
		Count   int          `json:"count"`
	}
	getJSON(t, srv.URL+"/api/telemetry/streams", &out)
	if out.Count != 2 {
		t.Fatalf("streams = %d, want 2", out.Count)
	}

	getJSON(t, srv.URL+"/api/telemetry/streams?type=traffic", &out)
	if out.Count != 1 || out.Streams[0].ID != "traffic_counters_c1" {
		t.Fatalf("traffic filter = %+v", out)
	}

	getJSON(t, srv.URL+"/api/telemetry/streams?locality=hampton", &out)
	if out.Count != 1 || out.Streams[0].ID != "weather_temperature_hampton" {
		t.Fatalf("locality filter = %+v", out)
	}

	getJSON(t, srv.URL+"/api/telemetry/streams?type=traffic&locality=hampton", &out)
	if out.Count != 0 {
		t.Fatalf("combined filter = %+v", out)
	}
}

func TestTelemetryStreamRaw(t *testing.T) {
	now := time.Now().UTC()
	srv, _ := testServer(t, telemetryGraph(now))

	var out struct {
		StreamID   string          `json:"stream_id"`
		Metric     string          `json:"metric"`
		Readings   []streamReading `json:"readings"`
		Count      int             `json:"count"`
		Resolution string          `json:"resolution"`
	}
	getJSON(t, srv.URL+"/api/telemetry/traffic_counters_c1", &out)
	if out.Metric != "traffic" || out.Resolution != "raw" {
		t.Fatalf("response = %+v", out)
	}
	// The 48h-old reading falls outside the default -24h window.
	if out.Count != 6 {
		t.Fatalf("readings = %d, want 6", out.Count)
	}
	for i := 1; i < len(out.Readings); i++ {
		if out.Readings[i-1].Timestamp > out.Readings[i].Timestamp {
			t.Fatal("readings not sorted oldest first")
		}
	}

	// Widening the window picks up the old reading.
	getJSON(t, srv.URL+"/api/telemetry/traffic_counters_c1?from=-7d", &out)
	if out.Count != 7 {
		t.Fatalf("7d readings = %d, want 7", out.Count)
	}

	if code := getJSON(t, srv.URL+"/api/telemetry/missing_stream", nil); code != http.StatusNotFound {
		t.Fatalf("missing stream status = %d", code)
	}
	if code := getJSON(t, srv.URL+"/api/telemetry/traffic_counters_c1?resolution=weekly", nil); code != http.StatusBadRequest {
		t.Fatalf("bad resolution status = %d", code)
	}
}

func TestTelemetryStreamDaily(t *testing.T) {
	// Fixed base time so bucket boundaries are predictable.
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	srv, _ := testServer(t, telemetryGraph(base))

	var out struct {
		Readings []streamReading `json:"readings"`
	}
	url := fmt.Sprintf("%s/api/telemetry/traffic_counters_c1?from=%s&to=%s&resolution=daily",
		srv.URL,
		base.Add(-72*time.Hour).Format(time.RFC3339),
		base.Format(time.RFC3339))
	getJSON(t, url, &out)

	// Six readings on the 25th, one on the 23rd.
	if len(out.Readings) != 2 {
		t.Fatalf("daily buckets = %d, want 2", len(out.Readings))
	}
	old := out.Readings[0]
	if old.Value != 999 || old.Count != 1 {
		t.Fatalf("old bucket = %+v", old)
	}
	recent := out.Readings[1]
	if recent.Count != 6 {
		t.Fatalf("recent bucket count = %d", recent.Count)
	}
	// Mean of 100,110,120,130,140,150.
	if recent.Value != 125 {
		t.Fatalf("recent bucket mean = %v", recent.Value)
	}
	if recent.Min != 100 || recent.Max != 150 {
		t.Fatalf("bucket min/max = %v/%v", recent.Min, recent.Max)
	}
}

func TestTelemetryStreamHourly(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	g := graph.New()
	g.AddNode(graph.Node{
		ID: "s", Type: graph.NodeTelemetryStream, Label: "s",
		Props: map[string]any{"metric": "traffic", "unit": "vehicles"},
	})
	for i, v := range []float64{10, 20, 40} {
		stamp := base.Add(time.Duration(i*20) * time.Minute).Format(time.RFC3339)
		id := fmt.Sprintf("s_r%d", i)
		g.AddNode(graph.Node{
			ID: id, Type: graph.NodeTelemetryReading, Label: id,
			Props: map[string]any{"value": v, "timestamp": stamp},
		})
		g.AddEdge(graph.Edge{Source: "s", Target: id, Type: graph.EdgeContains})
	}
	srv, _ := testServer(t, g)

	var out struct {
		Readings []streamReading `json:"readings"`
	}
	url := fmt.Sprintf("%s/api/telemetry/s?from=%s&to=%s&resolution=hourly",
		srv.URL, base.Format(time.RFC3339), base.Add(time.Hour).Format(time.RFC3339))
	getJSON(t, url, &out)
	if len(out.Readings) != 1 {
		t.Fatalf("hourly buckets = %d, want 1", len(out.Readings))
	}
	b := out.Readings[0]
	if b.Value != 70.0/3 || b.Count != 3 || b.Min != 10 || b.Max != 40 {
		t.Fatalf("bucket = %+v", b)
	}
	if b.Timestamp != "2026-08-25T12:00:00Z" {
		t.Fatalf("bucket timestamp = %s", b.Timestamp)
	}
}

func TestTelemetryMapData(t *testing.T) {
	srv, _ := testServer(t, telemetryGraph(time.Now().UTC()))

	var out struct {
		Type     string           `json:"type"`
		Features []geoJSONFeature `json:"features"`
	}
	getJSON(t, srv.URL+"/api/telemetry/map-data", &out)
	if out.Type != "FeatureCollection" {
		t.Fatalf("type = %q", out.Type)
	}
	if len(out.Features) != 8 {
		t.Fatalf("features = %d, want 8", len(out.Features))
	}

	getJSON(t, srv.URL+"/api/telemetry/map-data?type=weather", &out)
	if len(out.Features) != 1 {
		t.Fatalf("weather features = %d", len(out.Features))
	}
	if out.Features[0].Properties["stream_id"] != "weather_temperature_hampton" {
		t.Fatalf("stream_id = %v", out.Features[0].Properties["stream_id"])
	}

	getJSON(t, srv.URL+"/api/telemetry/map-data?locality=norfolk", &out)
	if len(out.Features) != 7 {
		t.Fatalf("norfolk features = %d", len(out.Features))
	}
}
