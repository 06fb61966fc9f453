// Package telemetry ingests open sensor feeds for the region: each ingestor
// normalises a source into readings, and the shared processor gates them
// (bounding box, PII screen, license allow-list), stores the reading JSON in
// the content-addressed store or a local time-partitioned directory, and
// wires stream/reading nodes into the graph.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/pkg/metrics"
	"github.com/757built/engine/pkg/objstore"
)

// OpenDataLicenses is the allow-list of SPDX ids a reading may carry.
var OpenDataLicenses = map[string]bool{
	"CC0-1.0": true, "CC-BY-4.0": true, "ODC-BY-1.0": true,
	"ODbL-1.0": true, "PDDL-1.0": true, "MIT": true, "Apache-2.0": true,
}

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                              // SSN
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), // email
	regexp.MustCompile(`\b\d{3}-\d{3}-\d{4}\b`),                              // US phone
}

// Rejection reasons.
var (
	ErrOutOfBounds = errors.New("telemetry: reading outside region bounds")
	ErrPII         = errors.New("telemetry: reading contains PII")
	ErrLicense     = errors.New("telemetry: license not in open-data allow-list")
)

// Reading is one normalised telemetry observation.
type Reading struct {
	StreamID  string
	Value     float64
	Timestamp time.Time
	Lat, Lng  float64
	Locality  string // canonical locality name, may be empty
	SourceURL string
	Unit      string // overrides the processor unit when set
	Metadata  map[string]any
}

// Ingestor fetches readings from one external source.
type Ingestor interface {
	Name() string
	FetchData(ctx context.Context) ([]Reading, error)
}

// Processor applies the shared gating, storage, and graph wiring to readings
// from any ingestor.
type Processor struct {
	g       *graph.Graph     // nil skips graph wiring
	obj     *objstore.Client // nil forces local storage
	metric  string
	unit    string
	license string
	dataDir string
	log     *slog.Logger

	processed *metrics.Counter
	rejects   map[string]*metrics.Counter
}

// NewProcessor creates a processor for one source. dataDir is the root of the
// local fallback store; readings land under dataDir/telemetry/<source>/.
func NewProcessor(source, metric, unit, license string, g *graph.Graph, obj *objstore.Client, reg *metrics.Registry, log *slog.Logger, dataDir string) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if dataDir == "" {
		dataDir = "data"
	}
	rejects := make(map[string]*metrics.Counter)
	for _, reason := range []string{"out_of_bounds", "pii", "license"} {
		rejects[reason] = reg.Counter(
			metrics.WithLabels("telemetry_readings_rejected_total", "source", source, "reason", reason),
			"Readings rejected before storage")
	}
	return &Processor{
		g:       g,
		obj:     obj,
		metric:  metric,
		unit:    unit,
		license: license,
		dataDir: filepath.Join(dataDir, "telemetry", source),
		log:     log.With("source", source),
		processed: reg.Counter(
			metrics.WithLabels("telemetry_readings_processed_total", "source", source),
			"Readings accepted and stored"),
		rejects: rejects,
	}
}

// Process gates, stores, and graph-wires one reading. Rejections return one
// of the sentinel errors above.
func (p *Processor) Process(ctx context.Context, r Reading) error {
	if !graph.HamptonRoadsBounds.Contains(r.Lat, r.Lng) {
		p.rejects["out_of_bounds"].Inc()
		return fmt.Errorf("%w: (%f, %f)", ErrOutOfBounds, r.Lat, r.Lng)
	}
	if !OpenDataLicenses[p.license] {
		p.rejects["license"].Inc()
		return fmt.Errorf("%w: %s", ErrLicense, p.license)
	}

	unit := p.unit
	if r.Unit != "" {
		unit = r.Unit
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	ts := r.Timestamp.UTC().Format(time.RFC3339)

	record := map[string]any{
		"stream_id":   r.StreamID,
		"value":       r.Value,
		"timestamp":   ts,
		"coordinates": map[string]float64{"lat": r.Lat, "lng": r.Lng},
		"metric":      p.metric,
		"unit":        unit,
		"license":     p.license,
	}
	if r.Locality != "" {
		record["locality"] = strings.ToUpper(r.Locality)
	}
	if r.SourceURL != "" {
		record["source_url"] = r.SourceURL
	}
	for k, v := range r.Metadata {
		if _, taken := record[k]; !taken {
			record[k] = v
		}
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("telemetry: encode reading: %w", err)
	}
	if containsPII(string(body)) {
		p.rejects["pii"].Inc()
		return fmt.Errorf("%w: stream %s", ErrPII, r.StreamID)
	}

	location, err := p.store(ctx, body, r.Timestamp)
	if err != nil {
		return err
	}
	record["data_location"] = location

	if p.g != nil {
		p.wireGraph(r, unit, ts, location)
	}
	p.processed.Inc()
	return nil
}

// store pins the reading or, without a daemon or on daemon failure, writes it
// to the local time-partitioned directory. Returns the CID or file path.
func (p *Processor) store(ctx context.Context, body []byte, ts time.Time) (string, error) {
	if p.obj != nil {
		cid, _, err := p.obj.AddOrReuse(ctx, body)
		if err == nil {
			return cid, nil
		}
		p.log.Warn("telemetry: pin failed, storing locally", "error", err)
	}
	sum := sha256.Sum256(body)
	dir := filepath.Join(p.dataDir, ts.UTC().Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("telemetry: storage dir: %w", err)
	}
	path := filepath.Join(dir, hex.EncodeToString(sum[:])+".json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("telemetry: write reading: %w", err)
	}
	return path, nil
}

func (p *Processor) wireGraph(r Reading, unit, ts, location string) {
	p.g.AddNode(graph.Node{
		ID:    r.StreamID,
		Type:  graph.NodeTelemetryStream,
		Label: r.StreamID,
		Props: map[string]any{"metric": p.metric, "unit": unit},
	})
	readingID := r.StreamID + "_" + ts
	p.g.AddNode(graph.Node{
		ID:          readingID,
		Type:        graph.NodeTelemetryReading,
		Label:       readingID,
		Coordinates: &graph.Coordinates{Lat: r.Lat, Lng: r.Lng},
		Props: map[string]any{
			"value":         r.Value,
			"unit":          unit,
			"timestamp":     ts,
			"source_url":    r.SourceURL,
			"license":       p.license,
			"data_location": location,
		},
	})
	p.g.AddEdge(graph.Edge{
		Source:    r.StreamID,
		Target:    readingID,
		Type:      graph.EdgeContains,
		Timestamp: ts,
	})
	if r.Locality != "" {
		localityID := graph.LocalityNodeID(r.Locality)
		p.g.AddNode(graph.Node{
			ID:    localityID,
			Type:  graph.NodeLocality,
			Label: strings.ToUpper(r.Locality),
		})
		p.g.AddEdge(graph.Edge{
			Source:    readingID,
			Target:    localityID,
			Type:      graph.EdgeLocatedIn,
			Timestamp: ts,
		})
	}
}

// Run fetches from the ingestor and processes every reading, returning the
// number accepted. Fetch errors are returned; per-reading rejections are
// logged and counted but do not stop the run.
func (p *Processor) Run(ctx context.Context, ing Ingestor) (int, error) {
	readings, err := ing.FetchData(ctx)
	if err != nil {
		return 0, fmt.Errorf("telemetry: %s fetch: %w", ing.Name(), err)
	}
	if len(readings) == 0 {
		p.log.Info("telemetry: no readings", "ingestor", ing.Name())
		return 0, nil
	}
	accepted := 0
	for _, r := range readings {
		if err := p.Process(ctx, r); err != nil {
			p.log.Warn("telemetry: reading rejected", "ingestor", ing.Name(), "stream", r.StreamID, "error", err)
			continue
		}
		accepted++
	}
	p.log.Info("telemetry: run complete", "ingestor", ing.Name(), "accepted", accepted, "fetched", len(readings))
	return accepted, nil
}

func containsPII(s string) bool {
	for _, p := range piiPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
