package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/757built/engine/engine/graph"
)

// syncPayload is the document summary workers push after processing.
type syncPayload struct {
	IPFSHash     string           `json:"ipfs_hash"`
	DocumentName string           `json:"document_name"`
	DocumentType string           `json:"document_type"`
	Project      map[string]any   `json:"project,omitempty"`
	Funding      map[string]any   `json:"funding,omitempty"`
	Entities     map[string]any   `json:"entities,omitempty"`
	GeoJSON      *json.RawMessage `json:"geojson,omitempty"`
}

type featureCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

// handleSync accepts one processed-document summary and files its point
// features into the per-locality GeoJSON layout under the data directory.
// The API-key check happens in middleware.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var payload syncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.DocumentName == "" || payload.IPFSHash == "" {
		writeError(w, http.StatusBadRequest, "document_name and ipfs_hash are required")
		return
	}

	stored := 0
	if payload.GeoJSON != nil {
		var fc featureCollection
		if err := json.Unmarshal(*payload.GeoJSON, &fc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid geojson")
			return
		}
		for _, f := range fc.Features {
			if len(f.Geometry.Coordinates) != 2 {
				continue
			}
			lng, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
			if !graph.HamptonRoadsBounds.Contains(lat, lng) {
				continue
			}
			if f.Properties == nil {
				f.Properties = map[string]any{}
			}
			f.Properties["ipfs_hash"] = payload.IPFSHash
			locality := graph.NearestCity(lat, lng)
			if err := s.appendLocalityFeature(locality, f); err != nil {
				s.log.Error("api: store sync feature", "locality", locality, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to store features")
				return
			}
			stored++
		}
	}

	s.log.Info("api: document synced",
		"document", payload.DocumentName, "ipfs_hash", payload.IPFSHash, "features", stored)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"document_name":   payload.DocumentName,
		"features_stored": stored,
	})
}

// appendLocalityFeature merges one feature into data/geojson/<locality>.geojson.
func (s *Server) appendLocalityFeature(locality string, f geoJSONFeature) error {
	dir := filepath.Join(s.opts.DataDir, "geojson")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, graph.NormalizeLocalityName(locality)+".geojson")

	fc := featureCollection{Type: "FeatureCollection", Features: []geoJSONFeature{}}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &fc); err != nil {
			return err
		}
	}
	fc.Features = append(fc.Features, f)

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".geojson-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
