// Command 757built is the single binary behind the document pipeline. The
// --mode flag selects the role: worker consumes the document queue, api
// serves the read API and runs the graph writer, cli processes one file, and
// telemetry pulls the open sensor feeds without touching the graph.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/757built/engine/engine/api"
	"github.com/757built/engine/engine/extract"
	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/engine/llm"
	"github.com/757built/engine/engine/semantic"
	"github.com/757built/engine/engine/telemetry"
	"github.com/757built/engine/engine/worker"
	"github.com/757built/engine/engine/writer"
	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/metrics"
	"github.com/757built/engine/pkg/objstore"
	"github.com/757built/engine/pkg/pool"
	"github.com/757built/engine/pkg/queue"
	"github.com/757built/engine/pkg/schedule"
)

const embedDims = 768 // nomic-embed-text

// Config holds all environment-based configuration.
type Config struct {
	LLMType        string
	ModelPath      string
	LlamaPath      string
	OpenAIKey      string
	OpenAIBase     string
	LLMModel       string
	RedisURL       string
	QueueKey       string
	IPFSAPI        string
	WebAPIEndpoint string
	APIKey         string
	IPNSKey        string
	VectorURL      string
	Collection     string
	EmbedEndpoint  string
	PinLifetime    time.Duration
	FailedStale    time.Duration
	PromptReload   bool
	GraphPath      string
	DataDir        string
	PromptDir      string
	EdgeMapPath    string
	Port           string
	CORSOrigin     string
}

func loadConfig() Config {
	return Config{
		LLMType:        envOr("LLM_TYPE", llm.KindLocal),
		ModelPath:      envOr("MODEL_PATH", ""),
		LlamaPath:      envOr("LLAMA_PATH", ""),
		OpenAIKey:      envOr("OPENAI_API_KEY", ""),
		OpenAIBase:     envOr("OPENAI_API_BASE", ""),
		LLMModel:       envOr("LLM_MODEL", ""),
		RedisURL:       envOr("REDIS_URL", "redis://localhost:6379/0"),
		QueueKey:       envOr("DOC_QUEUE_KEY", queue.DefaultQueueKey),
		IPFSAPI:        envOr("IPFS_API", "http://127.0.0.1:5001"),
		WebAPIEndpoint: envOr("WEB_API_ENDPOINT", ""),
		APIKey:         envOr("API_KEY", ""),
		IPNSKey:        envOr("GRAPH_IPNS_KEY", ""),
		VectorURL:      envOr("VECTOR_URL", ""),
		Collection:     envOr("VECTOR_COLLECTION", "757built_docs"),
		EmbedEndpoint:  envOr("EMBED_ENDPOINT", ""),
		PinLifetime:    envDays("PIN_LIFETIME_DAYS", 30),
		FailedStale:    envDays("FAILED_DOC_STALENESS_DAYS", 7),
		PromptReload:   os.Getenv("PROMPT_HOT_RELOAD") == "1",
		GraphPath:      envOr("GRAPH_PATH", filepath.Join("data", "graph_snapshot.json")),
		DataDir:        envOr("DATA_DIR", "data"),
		PromptDir:      envOr("PROMPT_DIR", "prompts"),
		EdgeMapPath:    envOr("EDGE_MAP_PATH", "edge_mapping.yaml"),
		Port:           envOr("PORT", "8080"),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDays(key string, fallback int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return time.Duration(fallback) * 24 * time.Hour
}

type flags struct {
	mode         string
	model        string
	ollamaBase   string
	threads      int
	ctxSize      int
	batchSize    int
	maxParallel  int
	costPerHour  float64
	maxBudget    float64
	idleShutdown time.Duration
	singleFile   string
	watchDir     string
	storagePath  string
	storageAddr  string
	redisURL     string
	replication  int
	capacity     int64
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.mode, "mode", "worker", "worker | api | cli | telemetry")
	flag.StringVar(&f.model, "model", "", "model identifier or gguf path override")
	flag.StringVar(&f.ollamaBase, "ollama_base", "", "embedding endpoint override")
	flag.IntVar(&f.threads, "threads", 0, "local llm threads")
	flag.IntVar(&f.ctxSize, "ctx_size", 0, "local llm context size")
	flag.IntVar(&f.batchSize, "batch_size", 0, "jobs claimed per batch")
	flag.IntVar(&f.maxParallel, "max_parallel", 0, "in-process job pool size")
	flag.Float64Var(&f.costPerHour, "cost_per_hour", 0, "compute cost rate in dollars")
	flag.Float64Var(&f.maxBudget, "max_budget", 0, "budget in dollars, 0 disables")
	flag.DurationVar(&f.idleShutdown, "idle_shutdown", 0, "idle shutdown threshold, 0 disables")
	flag.StringVar(&f.singleFile, "single-file", "", "process one file and exit")
	flag.StringVar(&f.watchDir, "watch-dir", "", "directory to monitor for new documents")
	flag.StringVar(&f.storagePath, "storage-path", filepath.Join("data", "pool"), "object pool directory")
	flag.StringVar(&f.storageAddr, "storage-addr", ":9010", "object pool peer listen address")
	flag.StringVar(&f.redisURL, "redis-url", "", "coordination store URL override")
	flag.IntVar(&f.replication, "replication", 2, "object pool replica count")
	flag.Int64Var(&f.capacity, "storage-capacity", 10<<30, "object pool capacity in bytes")
	flag.Parse()
	return f
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	f := parseFlags()
	cfg := loadConfig()
	if f.redisURL != "" {
		cfg.RedisURL = f.redisURL
	}
	if f.model != "" {
		if cfg.LLMType == llm.KindLocal {
			cfg.ModelPath = f.model
		} else {
			cfg.LLMModel = f.model
		}
	}
	if f.ollamaBase != "" {
		cfg.EmbedEndpoint = f.ollamaBase
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch f.mode {
	case "worker":
		err = runWorker(ctx, cfg, f, logger)
	case "api":
		err = runAPI(ctx, cfg, f, logger)
	case "cli":
		err = runCLI(ctx, cfg, f, logger)
	case "telemetry":
		err = runTelemetry(ctx, cfg, logger)
	default:
		logger.Error("unknown mode", "mode", f.mode)
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, worker.ErrBudgetExceeded) {
			logger.Warn("budget reached, exiting", "mode", f.mode)
			os.Exit(2)
		}
		logger.Error("exited with error", "mode", f.mode, "err", err)
		os.Exit(1)
	}
}

// buildExtractor assembles the LLM client, optional vector index, and the
// extraction pipeline shared by worker and cli modes.
func buildExtractor(ctx context.Context, cfg Config, f flags, st *coord.Store, obj *objstore.Client, reg *metrics.Registry, logger *slog.Logger) (*extract.Extractor, func(), error) {
	client, err := llm.New(llm.Config{
		Kind:       cfg.LLMType,
		ModelPath:  cfg.ModelPath,
		Executable: cfg.LlamaPath,
		APIKey:     cfg.OpenAIKey,
		BaseURL:    cfg.OpenAIBase,
		Model:      cfg.LLMModel,
		Threads:    f.threads,
		CtxSize:    f.ctxSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("llm client: %w", err)
	}

	var index *semantic.Index
	cleanup := func() {}
	if cfg.VectorURL != "" && cfg.EmbedEndpoint != "" {
		store, err := semantic.NewStore(cfg.VectorURL, cfg.Collection)
		if err != nil {
			return nil, nil, fmt.Errorf("vector store: %w", err)
		}
		if err := store.EnsureCollection(ctx, embedDims); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("vector collection: %w", err)
		}
		embed := semantic.NewEmbedClient(cfg.EmbedEndpoint, envOr("EMBED_MODEL", "nomic-embed-text"))
		index = semantic.NewIndex(store, embed, logger)
		cleanup = func() { store.Close() }
	}

	prompts := extract.NewTemplates(cfg.PromptDir, cfg.PromptReload, logger)
	ext := extract.New(client, index, obj, st, prompts, reg, logger, extract.Opts{
		ProcessedDir: filepath.Join(cfg.DataDir, "processed"),
		AnalysisDir:  filepath.Join(cfg.DataDir, "analysis"),
	})
	return ext, cleanup, nil
}

func runWorker(ctx context.Context, cfg Config, f flags, logger *slog.Logger) error {
	st, err := coord.Open(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}

	reg := metrics.New()
	obj := objstore.New(cfg.IPFSAPI, st)
	jobs := queue.NewJobs(st, cfg.QueueKey)
	workers := queue.NewWorkers(st)
	nodes := queue.NewNodes(st)

	ext, cleanup, err := buildExtractor(ctx, cfg, f, st, obj, reg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	db, err := worker.OpenHashDB(filepath.Join(cfg.DataDir, "ipfs_hashes.json"))
	if err != nil {
		return err
	}
	syncer := worker.NewSyncClient(cfg.WebAPIEndpoint, cfg.APIKey, logger)

	sched := schedule.New(logger)
	orch := worker.New(jobs, workers, ext, sched, syncer, db, reg, logger, worker.Opts{
		BatchSize:    f.batchSize,
		MaxParallel:  f.maxParallel,
		CostPerHour:  f.costPerHour,
		MaxBudget:    f.maxBudget,
		IdleShutdown: f.idleShutdown,
	})

	if f.singleFile != "" {
		return orch.ProcessSingle(ctx, f.singleFile)
	}

	// Object pool peer surface.
	hostname, _ := os.Hostname()
	p, err := pool.New(st, nodes, obj, pool.Opts{
		NodeID:        "node_" + hostname,
		Addr:          f.storageAddr,
		Dir:           f.storagePath,
		CapacityBytes: f.capacity,
		Replication:   f.replication,
	}, logger)
	if err != nil {
		return err
	}
	if err := p.Register(ctx); err != nil {
		logger.Warn("pool registration failed", "err", err)
	}
	poolSrv := &http.Server{Addr: f.storageAddr, Handler: p.Mux()}
	go func() {
		if err := poolSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("pool server failed", "err", err)
		}
	}()
	defer poolSrv.Close()

	registerMaintenance(cfg, sched, orch, jobs, workers, p, st, db, obj, logger)

	if f.watchDir != "" {
		go func() {
			if err := orch.Monitor(ctx, f.watchDir, time.Minute); err != nil {
				logger.Error("directory monitor failed", "err", err)
			}
		}()
	}
	return orch.Run(ctx)
}

// registerMaintenance wires the recurring side-tasks the orchestrator runs
// between batches.
func registerMaintenance(cfg Config, sched *schedule.Scheduler, orch *worker.Orchestrator, jobs *queue.Jobs, workers *queue.Workers, p *pool.Pool, st *coord.Store, db *worker.HashDB, obj *objstore.Client, logger *slog.Logger) {
	trafficProc := telemetry.NewProcessor("traffic", "traffic", "vehicles", "CC-BY-4.0", nil, obj, nil, logger, cfg.DataDir)
	traffic := telemetry.NewTrafficIngestor("", nil, logger)
	sched.Add("telemetry_traffic", 15*time.Minute, func(ctx context.Context) error {
		_, err := trafficProc.Run(ctx, traffic)
		return err
	})
	weatherProc := telemetry.NewProcessor("weather", "weather", "", "CC0-1.0", nil, obj, nil, logger, cfg.DataDir)
	weather := telemetry.NewWeatherIngestor("", nil, logger)
	sched.Add("telemetry_weather", time.Hour, func(ctx context.Context) error {
		_, err := weatherProc.Run(ctx, weather)
		return err
	})

	sched.Add("reap_stale", time.Minute, func(ctx context.Context) error {
		if _, err := workers.ReapStale(ctx, 5*time.Minute); err != nil {
			return err
		}
		_, err := jobs.RetryStaleClaims(ctx, workers, 5*time.Minute)
		return err
	})
	sched.Add("promotion_retries", 5*time.Minute, func(ctx context.Context) error {
		_, err := p.RetryPromotions(ctx, 20)
		return err
	})
	sched.Add("pool_cleanup", time.Hour, func(ctx context.Context) error {
		return p.Cleanup(ctx, 30*24*time.Hour)
	})
	sched.Add("resync_unsynced", 10*time.Minute, func(ctx context.Context) error {
		orch.ResyncUnsynced(ctx, filepath.Join(cfg.DataDir, "processed"))
		return nil
	})
	hk := worker.NewHousekeeper(jobs, db, obj, st, logger, worker.HousekeepingOpts{
		PinLifetime:        cfg.PinLifetime,
		FailedDocStaleness: cfg.FailedStale,
		IPNSKey:            cfg.IPNSKey,
	})
	sched.Add("housekeeping", 24*time.Hour, hk.Run)
}

func runAPI(ctx context.Context, cfg Config, f flags, logger *slog.Logger) error {
	g := graph.New()
	reg := metrics.New()

	// The cluster endpoints degrade to 503 without a coordination store.
	var (
		jobs    *queue.Jobs
		workers *queue.Workers
		nodes   *queue.Nodes
		obj     *objstore.Client
	)
	st, err := coord.Open(cfg.RedisURL)
	if err == nil {
		err = st.Ping(ctx)
	}
	if err != nil {
		logger.Warn("coordination store unavailable, cluster surface disabled", "err", err)
		st = nil
	} else {
		defer st.Close()
		jobs = queue.NewJobs(st, cfg.QueueKey)
		workers = queue.NewWorkers(st)
		nodes = queue.NewNodes(st)
		obj = objstore.New(cfg.IPFSAPI, st)
	}

	// The writer is the graph's only mutator; it shares the process so the
	// read API always serves the latest merge.
	if st != nil {
		canon := graph.NewEdgeMap(cfg.EdgeMapPath, logger)
		w := writer.New(st, g, obj, canon, reg, logger, writer.Opts{
			SnapshotPath: cfg.GraphPath,
			IPNSKey:      cfg.IPNSKey,
		})
		if err := w.Bootstrap(); err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("graph writer stopped", "err", err)
			}
		}()
	} else {
		if err := g.LoadFile(cfg.GraphPath); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		g.SeedLocalities()
	}

	// Telemetry ingestors wire stream and reading nodes straight into the
	// writer's graph; their pulls run on a dedicated ticker.
	sched := schedule.New(logger)
	trafficProc := telemetry.NewProcessor("traffic", "traffic", "vehicles", "CC-BY-4.0", g, obj, reg, logger, cfg.DataDir)
	traffic := telemetry.NewTrafficIngestor("", nil, logger)
	sched.Add("telemetry_traffic", 15*time.Minute, func(ctx context.Context) error {
		_, err := trafficProc.Run(ctx, traffic)
		return err
	})
	weatherProc := telemetry.NewProcessor("weather", "weather", "", "CC0-1.0", g, obj, reg, logger, cfg.DataDir)
	weather := telemetry.NewWeatherIngestor("", nil, logger)
	sched.Add("telemetry_weather", time.Hour, func(ctx context.Context) error {
		_, err := weatherProc.Run(ctx, weather)
		return err
	})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			sched.RunDue(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	srv := api.New(g, obj, jobs, workers, nodes, reg, logger, api.Opts{
		Addr:       ":" + cfg.Port,
		CORSOrigin: cfg.CORSOrigin,
		SyncAPIKey: cfg.APIKey,
		DataDir:    cfg.DataDir,
	})
	return srv.Run(ctx)
}

func runCLI(ctx context.Context, cfg Config, f flags, logger *slog.Logger) error {
	path := f.singleFile
	if path == "" && flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	if path == "" {
		return errors.New("cli mode needs --single-file or a path argument")
	}

	st, err := coord.Open(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}
	defer st.Close()

	reg := metrics.New()
	obj := objstore.New(cfg.IPFSAPI, st)
	ext, cleanup, err := buildExtractor(ctx, cfg, f, st, obj, reg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	db, err := worker.OpenHashDB(filepath.Join(cfg.DataDir, "ipfs_hashes.json"))
	if err != nil {
		return err
	}
	syncer := worker.NewSyncClient(cfg.WebAPIEndpoint, cfg.APIKey, logger)
	orch := worker.New(queue.NewJobs(st, cfg.QueueKey), queue.NewWorkers(st), ext, nil, syncer, db, reg, logger, worker.Opts{})
	return orch.ProcessSingle(ctx, path)
}

// runTelemetry pulls the sensor feeds on their intervals without a graph;
// readings are gated and stored, and the api process wires them into the
// graph from the same stores.
func runTelemetry(ctx context.Context, cfg Config, logger *slog.Logger) error {
	st, err := coord.Open(cfg.RedisURL)
	var obj *objstore.Client
	if err == nil && st.Ping(ctx) == nil {
		defer st.Close()
		obj = objstore.New(cfg.IPFSAPI, st)
	} else {
		logger.Warn("coordination store unavailable, storing readings locally")
	}

	sched := schedule.New(logger)
	trafficProc := telemetry.NewProcessor("traffic", "traffic", "vehicles", "CC-BY-4.0", nil, obj, nil, logger, cfg.DataDir)
	traffic := telemetry.NewTrafficIngestor("", nil, logger)
	sched.Add("telemetry_traffic", 15*time.Minute, func(ctx context.Context) error {
		_, err := trafficProc.Run(ctx, traffic)
		return err
	})
	weatherProc := telemetry.NewProcessor("weather", "weather", "", "CC0-1.0", nil, obj, nil, logger, cfg.DataDir)
	weather := telemetry.NewWeatherIngestor("", nil, logger)
	sched.Add("telemetry_weather", time.Hour, func(ctx context.Context) error {
		_, err := weatherProc.Run(ctx, weather)
		return err
	})

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		sched.RunDue(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
