// Package api serves the read API: graph queries, natural-language search,
// telemetry time series, cluster administration, and the sync ingest surface.
// The graph is read-only here; the writer service owns mutation.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/pkg/metrics"
	"github.com/757built/engine/pkg/mid"
	"github.com/757built/engine/pkg/objstore"
	"github.com/757built/engine/pkg/queue"
)

// Opts configures the server.
type Opts struct {
	Addr       string
	CORSOrigin string
	SyncAPIKey string // required on POST /api/sync; empty disables the check
	DataDir    string // root for per-locality GeoJSON output
}

func (o *Opts) defaults() {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.CORSOrigin == "" {
		o.CORSOrigin = "*"
	}
	if o.DataDir == "" {
		o.DataDir = "data"
	}
}

// Server is the read API. jobs, workers, and nodes may be nil when the
// process runs without a coordination store; the cluster endpoints then
// report unavailable. obj may be nil when no object-store daemon is reachable.
type Server struct {
	g       *graph.Graph
	obj     *objstore.Client
	jobs    *queue.Jobs
	workers *queue.Workers
	nodes   *queue.Nodes
	reg     *metrics.Registry
	search  *Searcher
	log     *slog.Logger
	opts    Opts
}

// New creates a server over the given graph and cluster handles.
func New(g *graph.Graph, obj *objstore.Client, jobs *queue.Jobs, workers *queue.Workers, nodes *queue.Nodes, reg *metrics.Registry, log *slog.Logger, opts Opts) *Server {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	opts.defaults()
	return &Server{
		g:       g,
		obj:     obj,
		jobs:    jobs,
		workers: workers,
		nodes:   nodes,
		reg:     reg,
		search:  NewSearcher(g),
		log:     log,
		opts:    opts,
	}
}

// Handler builds the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Graph reads. The {id}/{sub} pattern also carries /projects/by-locality/
	// because a literal by-locality route would conflict with it in the mux.
	mux.HandleFunc("GET /projects", s.handleProjects)
	mux.HandleFunc("GET /projects/{id}", s.handleProject)
	mux.HandleFunc("GET /projects/{id}/{sub}", s.handleProjectSub)
	mux.HandleFunc("GET /documents/{id}/related", s.handleRelatedDocuments)
	mux.HandleFunc("GET /graph/subgraph/{id}", s.handleSubgraph)
	mux.HandleFunc("GET /graph/map-data", s.handleMapData)
	mux.HandleFunc("GET /graph/stats", s.handleStats)
	mux.HandleFunc("GET /localities", s.handleLocalities)
	mux.HandleFunc("GET /search", s.handleSimpleSearch)

	// Natural-language search.
	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/search/multi", s.handleMultiSearch)
	mux.HandleFunc("GET /api/search/suggest", s.handleSuggest)

	// Telemetry.
	mux.HandleFunc("GET /api/telemetry/streams", s.handleTelemetryStreams)
	mux.HandleFunc("GET /api/telemetry/map-data", s.handleTelemetryMapData)
	mux.HandleFunc("GET /api/telemetry/{streamID}", s.handleTelemetryStream)

	// Cluster administration.
	mux.HandleFunc("GET /api/cluster/status", s.handleClusterStatus)
	mux.HandleFunc("GET /api/cluster/workers", s.handleClusterWorkers)
	mux.HandleFunc("GET /api/cluster/jobs", s.handleClusterJobs)
	mux.HandleFunc("POST /api/cluster/jobs", s.handleClusterCreateJob)
	mux.HandleFunc("GET /api/cluster/jobs/{id}", s.handleClusterJob)
	mux.HandleFunc("POST /api/cluster/jobs/{id}/retry", s.handleClusterRetryJob)
	mux.HandleFunc("POST /api/cluster/prune", s.handleClusterPrune)

	// Content store proxy.
	mux.HandleFunc("GET /api/ipfs/{cid}", s.handleIPFSCat)

	// Sync ingest, key-gated.
	mux.Handle("POST /api/sync", mid.Chain(http.HandlerFunc(s.handleSync), mid.APIKey(s.opts.SyncAPIKey)))

	mux.Handle("GET /metrics", s.reg.Handler())

	return mid.Chain(mux,
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.CORS(s.opts.CORSOrigin),
		mid.OTel("757built-api"),
	)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api: server starting", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.log.Info("api: shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "status": "error"})
}
