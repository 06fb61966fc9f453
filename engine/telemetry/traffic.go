package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/pkg/resilience"
)

// DefaultTrafficBase is the VDOT public GeoJSON feed root.
const DefaultTrafficBase = "https://www.511virginia.org/data/geojson/"

// TrafficEndpoints maps feed names to their GeoJSON files.
var TrafficEndpoints = map[string]string{
	"incidents": "incidents.geojson",
	"cameras":   "cameras.geojson",
	"signs":     "signs.geojson",
	"counters":  "counters.geojson",
}

// trafficCountFields are checked in priority order for a numeric count.
var trafficCountFields = []string{"count", "volume", "vehicleCount", "dailyCount", "flowRate"}

var congestionCounts = map[string]float64{"high": 100, "medium": 50, "low": 20}

// TrafficIngestor fetches regional traffic feeds and normalises point
// features into count readings.
type TrafficIngestor struct {
	base      string
	endpoints []string
	client    *http.Client
	limiter   *resilience.Limiter
	log       *slog.Logger
}

// NewTrafficIngestor creates an ingestor over base (DefaultTrafficBase when
// empty). endpoints nil means all known feeds.
func NewTrafficIngestor(base string, endpoints []string, log *slog.Logger) *TrafficIngestor {
	if base == "" {
		base = DefaultTrafficBase
	}
	if endpoints == nil {
		for name := range TrafficEndpoints {
			endpoints = append(endpoints, name)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &TrafficIngestor{
		base:      base,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   resilience.NewLimiter(resilience.LimiterOpts{Rate: 2, Burst: 4}),
		log:       log,
	}
}

func (t *TrafficIngestor) Name() string { return "traffic" }

type geoFeature struct {
	Geometry struct {
		Type string `json:"type"`
		// Raw because non-point geometries nest their coordinate arrays.
		Coordinates json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type geoCollection struct {
	Features []geoFeature `json:"features"`
}

// FetchData pulls every configured feed and returns the in-region point
// readings. A failing feed is logged and skipped.
func (t *TrafficIngestor) FetchData(ctx context.Context) ([]Reading, error) {
	now := time.Now().UTC()
	var readings []Reading
	for _, name := range t.endpoints {
		file, ok := TrafficEndpoints[name]
		if !ok {
			t.log.Warn("telemetry: unknown traffic endpoint", "endpoint", name)
			continue
		}
		url := t.base + file
		coll, err := t.fetchFeed(ctx, url)
		if err != nil {
			t.log.Error("telemetry: traffic feed failed", "endpoint", name, "error", err)
			continue
		}
		for _, f := range coll.Features {
			r, ok := t.featureReading(name, url, f, now)
			if ok {
				readings = append(readings, r)
			}
		}
	}
	return readings, nil
}

func (t *TrafficIngestor) fetchFeed(ctx context.Context, url string) (*geoCollection, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telemetry: fetch %s: status %d", url, resp.StatusCode)
	}
	var coll geoCollection
	if err := json.NewDecoder(resp.Body).Decode(&coll); err != nil {
		return nil, fmt.Errorf("telemetry: decode %s: %w", url, err)
	}
	return &coll, nil
}

// featureReading converts one point feature into a reading. GeoJSON
// coordinates are [lng, lat] order.
func (t *TrafficIngestor) featureReading(endpoint, url string, f geoFeature, now time.Time) (Reading, bool) {
	if f.Geometry.Type != "Point" {
		return Reading{}, false
	}
	var coords []float64
	if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil || len(coords) < 2 {
		return Reading{}, false
	}
	lng, lat := coords[0], coords[1]
	if !graph.HamptonRoadsBounds.Contains(lat, lng) {
		return Reading{}, false
	}
	count, ok := extractTrafficCount(f.Properties)
	if !ok {
		return Reading{}, false
	}

	id, _ := f.Properties["id"].(string)
	if id == "" {
		id = fmt.Sprintf("%s_%g_%g", endpoint, lng, lat)
	}
	meta := map[string]any{"endpoint": endpoint}
	for _, key := range []string{"type", "description", "roadway", "direction"} {
		if v, ok := f.Properties[key]; ok {
			meta[key] = v
		}
	}
	return Reading{
		StreamID:  fmt.Sprintf("traffic_%s_%s", endpoint, id),
		Value:     count,
		Timestamp: now,
		Lat:       lat,
		Lng:       lng,
		Locality:  graph.NearestCity(lat, lng),
		SourceURL: url,
		Metadata:  meta,
	}, true
}

// extractTrafficCount reads the first numeric count field, defaults incidents
// to a presence count of 1, and otherwise maps a congestion label.
func extractTrafficCount(props map[string]any) (float64, bool) {
	for _, field := range trafficCountFields {
		switch v := props[field].(type) {
		case float64:
			return v, true
		case string:
			var n float64
			if _, err := fmt.Sscanf(v, "%g", &n); err == nil {
				return n, true
			}
		}
	}
	if typ, _ := props["type"].(string); typ == "incident" {
		return 1, true
	}
	if level, _ := props["congestionLevel"].(string); level != "" {
		if n, ok := congestionCounts[strings.ToLower(level)]; ok {
			return n, true
		}
	}
	return 0, false
}
