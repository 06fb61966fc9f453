package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/757built/engine/engine/graph"
)

// streamReading is one time-series point in a telemetry response. Aggregated
// resolutions fill Count, Min, and Max.
type streamReading struct {
	ID          string             `json:"id,omitempty"`
	Timestamp   string             `json:"timestamp"`
	Value       float64            `json:"value"`
	Unit        string             `json:"unit,omitempty"`
	Coordinates *graph.Coordinates `json:"coordinates,omitempty"`
	Count       int                `json:"count,omitempty"`
	Min         float64            `json:"min,omitempty"`
	Max         float64            `json:"max,omitempty"`
}

func (s *Server) handleTelemetryStreams(w http.ResponseWriter, r *http.Request) {
	metricFilter := r.URL.Query().Get("type")
	localityFilter := strings.ToUpper(r.URL.Query().Get("locality"))

	streams := []graph.Node{}
	for _, n := range s.g.Nodes() {
		if n.Type != graph.NodeTelemetryStream {
			continue
		}
		if metricFilter != "" {
			if metric, _ := n.Props["metric"].(string); metric != metricFilter {
				continue
			}
		}
		if localityFilter != "" && !s.streamTouchesLocality(n.ID, localityFilter) {
			continue
		}
		streams = append(streams, n)
	}
	sortNodesByLabel(streams)
	writeJSON(w, http.StatusOK, map[string]any{
		"streams": streams,
		"count":   len(streams),
		"status":  "success",
	})
}

// streamTouchesLocality reports whether any reading of the stream carries a
// located_in edge to the named locality.
func (s *Server) streamTouchesLocality(streamID, locality string) bool {
	localityID := graph.LocalityNodeID(locality)
	for _, e := range s.g.OutEdges(streamID) {
		if e.Type != graph.EdgeContains {
			continue
		}
		if s.g.HasEdge(e.Target, localityID, graph.EdgeLocatedIn) {
			return true
		}
	}
	return false
}

func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamID")
	stream, ok := s.g.Node(streamID)
	if !ok || stream.Type != graph.NodeTelemetryStream {
		writeError(w, http.StatusNotFound, "stream not found: "+streamID)
		return
	}

	now := time.Now().UTC()
	from, ok := parseTimeParam(r.URL.Query().Get("from"), now)
	if !ok {
		from = now.Add(-24 * time.Hour)
	}
	to, ok := parseTimeParam(r.URL.Query().Get("to"), now)
	if !ok {
		to = now
	}
	resolution := r.URL.Query().Get("resolution")
	if resolution == "" {
		resolution = "raw"
	}
	if resolution != "raw" && resolution != "hourly" && resolution != "daily" {
		writeError(w, http.StatusBadRequest, "resolution must be raw, hourly, or daily")
		return
	}

	readings := s.streamReadings(streamID, from, to)
	if resolution != "raw" {
		readings = downsample(readings, resolution)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id":  streamID,
		"metric":     stream.Props["metric"],
		"unit":       stream.Props["unit"],
		"readings":   readings,
		"count":      len(readings),
		"from":       from.Format(time.RFC3339),
		"to":         to.Format(time.RFC3339),
		"resolution": resolution,
		"status":     "success",
	})
}

// parseTimeParam accepts RFC 3339 or relative offsets like -24h, -7d, -30m.
func parseTimeParam(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if strings.HasPrefix(v, "-") && len(v) > 2 {
		n, err := strconv.Atoi(v[1 : len(v)-1])
		if err != nil {
			return time.Time{}, false
		}
		switch v[len(v)-1] {
		case 'd':
			return now.Add(-time.Duration(n) * 24 * time.Hour), true
		case 'h':
			return now.Add(-time.Duration(n) * time.Hour), true
		case 'm':
			return now.Add(-time.Duration(n) * time.Minute), true
		}
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// streamReadings collects the stream's readings in [from, to], oldest first.
func (s *Server) streamReadings(streamID string, from, to time.Time) []streamReading {
	out := []streamReading{}
	for _, e := range s.g.OutEdges(streamID) {
		if e.Type != graph.EdgeContains {
			continue
		}
		node, ok := s.g.Node(e.Target)
		if !ok || node.Type != graph.NodeTelemetryReading {
			continue
		}
		ts, _ := node.Props["timestamp"].(string)
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil || t.Before(from) || t.After(to) {
			continue
		}
		value, _ := node.Props["value"].(float64)
		unit, _ := node.Props["unit"].(string)
		out = append(out, streamReading{
			ID:          node.ID,
			Timestamp:   ts,
			Value:       value,
			Unit:        unit,
			Coordinates: node.Coordinates,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// downsample buckets readings by hour or day and emits the mean per bucket,
// with count, min, and max preserved.
func downsample(readings []streamReading, resolution string) []streamReading {
	layout := "2006-01-02T15:00:00Z"
	if resolution == "daily" {
		layout = "2006-01-02T00:00:00Z"
	}

	type bucket struct {
		sum      float64
		count    int
		min, max float64
		first    streamReading
	}
	buckets := map[string]*bucket{}
	for _, r := range readings {
		t, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			continue
		}
		key := t.UTC().Format(layout)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{min: r.Value, max: r.Value, first: r}
			buckets[key] = b
		}
		b.sum += r.Value
		b.count++
		if r.Value < b.min {
			b.min = r.Value
		}
		if r.Value > b.max {
			b.max = r.Value
		}
	}

	out := make([]streamReading, 0, len(buckets))
	for key, b := range buckets {
		out = append(out, streamReading{
			Timestamp:   key,
			Value:       b.sum / float64(b.count),
			Unit:        b.first.Unit,
			Coordinates: b.first.Coordinates,
			Count:       b.count,
			Min:         b.min,
			Max:         b.max,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (s *Server) handleTelemetryMapData(w http.ResponseWriter, r *http.Request) {
	metricFilter := r.URL.Query().Get("type")
	localityFilter := strings.ToUpper(r.URL.Query().Get("locality"))
	localityID := graph.LocalityNodeID(localityFilter)

	features := []geoJSONFeature{}
	for _, n := range s.g.Nodes() {
		if n.Type != graph.NodeTelemetryReading || n.Coordinates == nil {
			continue
		}
		if metricFilter != "" && s.readingMetric(n.ID) != metricFilter {
			continue
		}
		if localityFilter != "" && !s.g.HasEdge(n.ID, localityID, graph.EdgeLocatedIn) {
			continue
		}
		features = append(features, pointFeature(n.Coordinates.Lat, n.Coordinates.Lng, map[string]any{
			"id":        n.ID,
			"value":     n.Props["value"],
			"unit":      n.Props["unit"],
			"timestamp": n.Props["timestamp"],
			"stream_id": s.readingStream(n.ID),
		}))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":     "FeatureCollection",
		"features": features,
	})
}

// readingStream resolves the parent stream id of a reading.
func (s *Server) readingStream(readingID string) string {
	for _, e := range s.g.InEdges(readingID) {
		if e.Type != graph.EdgeContains {
			continue
		}
		if n, ok := s.g.Node(e.Source); ok && n.Type == graph.NodeTelemetryStream {
			return n.ID
		}
	}
	return ""
}

func (s *Server) readingMetric(readingID string) string {
	streamID := s.readingStream(readingID)
	if streamID == "" {
		return ""
	}
	stream, ok := s.g.Node(streamID)
	if !ok {
		return ""
	}
	metric, _ := stream.Props["metric"].(string)
	return metric
}
