package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/757built/engine/engine/extract"
	"github.com/757built/engine/pkg/fn"
)

// SyncClient pushes processed-document summaries to the web endpoint.
type SyncClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	retry    fn.RetryOpts
	log      *slog.Logger
}

// NewSyncClient creates a client for endpoint. An empty endpoint disables
// syncing; callers should check for nil.
func NewSyncClient(endpoint, apiKey string, log *slog.Logger) *SyncClient {
	if endpoint == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &SyncClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		retry:    fn.DefaultRetry,
		log:      log,
	}
}

// geoFeature is one point feature in the sync payload's FeatureCollection.
type geoFeature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

// SyncDocument posts one processed document to the web endpoint, retrying
// transient failures with backoff.
func (s *SyncClient) SyncDocument(ctx context.Context, proc *extract.Processed, ipfsHash string) error {
	docName := filepath.Base(proc.SourcePath)
	payload := map[string]any{
		"ipfs_hash":     ipfsHash,
		"document_name": docName,
		"document_type": string(proc.Type),
	}
	if proc.Project != nil {
		payload["project"] = proc.Project
	}
	if proc.Funding != nil {
		payload["funding"] = proc.Funding
	}
	if proc.Entities != nil {
		payload["entities"] = proc.Entities
	}
	if features := locationFeatures(proc, docName); len(features) > 0 {
		payload["geojson"] = map[string]any{
			"type":     "FeatureCollection",
			"features": features,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("worker: encode sync payload: %w", err)
	}

	res := fn.Retry(ctx, s.retry, func(ctx context.Context) fn.Result[struct{}] {
		if err := s.post(ctx, body); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	if _, err := res.Unwrap(); err != nil {
		return fmt.Errorf("worker: sync %s: %w", docName, err)
	}
	s.log.Info("worker: document synced", "document", docName, "ipfs_hash", ipfsHash)
	return nil
}

func (s *SyncClient) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// ResyncUnsynced retries the web sync for hash-database entries that never
// made it to the endpoint, reading each document's processed JSON from
// processedDir. Returns the number synced.
func (o *Orchestrator) ResyncUnsynced(ctx context.Context, processedDir string) int {
	if o.sync == nil || o.db == nil {
		return 0
	}
	synced := 0
	for _, entry := range o.db.Unsynced() {
		if entry.IPFSHash == "" {
			continue
		}
		stem := strings.TrimSuffix(entry.Document, filepath.Ext(entry.Document))
		path := filepath.Join(processedDir, stem+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var proc extract.Processed
		if err := json.Unmarshal(data, &proc); err != nil {
			o.log.Warn("worker: unreadable processed record", "path", path, "error", err)
			continue
		}
		if proc.SourcePath == "" {
			proc.SourcePath = entry.Document
		}
		if err := o.sync.SyncDocument(ctx, &proc, entry.IPFSHash); err != nil {
			o.log.Warn("worker: resync failed", "document", entry.Document, "error", err)
			continue
		}
		if err := o.db.MarkSynced(entry.Document); err != nil {
			o.log.Warn("worker: mark synced failed", "document", entry.Document, "error", err)
			continue
		}
		synced++
	}
	return synced
}

// locationFeatures builds a point feature per geocoded location.
func locationFeatures(proc *extract.Processed, docName string) []geoFeature {
	var out []geoFeature
	for _, loc := range proc.Locations {
		if loc.Lat == nil || loc.Lng == nil {
			continue
		}
		f := geoFeature{
			Type: "Feature",
			Properties: map[string]any{
				"name":     loc.Name,
				"document": docName,
			},
		}
		f.Geometry.Type = "Point"
		f.Geometry.Coordinates = []float64{*loc.Lng, *loc.Lat}
		out = append(out, f)
	}
	return out
}
