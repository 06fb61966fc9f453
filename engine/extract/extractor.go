package extract

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
	"strings"

	"github.com/757built/engine/engine/domain"
	"github.com/757built/engine/engine/llm"
	"github.com/757built/engine/engine/semantic"
	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/metrics"
	"github.com/757built/engine/pkg/objstore"
)

// ErrNoText marks a document whose body could not be extracted. The caller
// still stores and hashes the original file.
var ErrNoText = errors.New("extract: no text content")

const (
	processedDigestsKey = "processed_digests"

	// GraphStream is the update stream consumed by the graph writer.
	GraphStream       = "graph_updates"
	graphStreamMaxLen = 10000
)

// Processed is the structured output for one document, as persisted and as
// published on the graph-update stream.
type Processed struct {
	domain.Document
	ContentDigest string   `json:"content_digest"`
	MetadataCID   string   `json:"metadata_cid,omitempty"`
	SimilarDocs   []string `json:"similar_docs,omitempty"`
	SourcePath    string   `json:"source_path"`
	Error         string   `json:"error,omitempty"`
}

// Result reports one extraction run.
type Result struct {
	Processed        *Processed
	ProcessedPath    string
	AlreadyProcessed bool
}

// Opts configures the extractor.
type Opts struct {
	ChunkSize    int
	Overlap      int
	MaxChunks    int
	MaxTokens    int
	SimilarK     int
	ProcessedDir string
	AnalysisDir  string
}

func (o *Opts) defaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	if o.SimilarK <= 0 {
		o.SimilarK = 5
	}
	if o.ProcessedDir == "" {
		o.ProcessedDir = "data/processed"
	}
	if o.AnalysisDir == "" {
		o.AnalysisDir = "data/analysis"
	}
}

// Extractor runs the document-to-record pipeline.
type Extractor struct {
	llm     llm.Client
	index   *semantic.Index // nil disables vector cross-linking
	obj     *objstore.Client
	st      *coord.Store
	prompts *Templates
	log     *slog.Logger
	opts    Opts

	processed     *metrics.Counter
	parseFailures *metrics.Counter
	duplicates    *metrics.Counter
}

// New creates an extractor. The object store, vector index, and coordination
// store are optional; absent collaborators disable pinning, cross-linking,
// and stream publication respectively.
func New(client llm.Client, index *semantic.Index, obj *objstore.Client, st *coord.Store, prompts *Templates, reg *metrics.Registry, log *slog.Logger, opts Opts) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	opts.defaults()
	return &Extractor{
		llm:     client,
		index:   index,
		obj:     obj,
		st:      st,
		prompts: prompts,
		log:     log,
		opts:    opts,

		processed:     reg.Counter("documents_processed_total", "Documents fully extracted"),
		parseFailures: reg.Counter("chunk_parse_failures_total", "LLM chunk outputs that failed JSON parsing"),
		duplicates:    reg.Counter("documents_skipped_duplicate_total", "Documents skipped by content digest"),
	}
}

// Digest returns the content digest for a normalised text body.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ProcessFile runs the full pipeline for one source document: extract text,
// chunk, prompt per chunk, union, validate, index, pin, persist, publish.
func (e *Extractor) ProcessFile(ctx context.Context, path string) (Result, error) {
	text := ExtractText(path)
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrNoText, path)
	}

	digest := Digest(text)
	if e.isProcessed(ctx, digest) {
		e.duplicates.Inc()
		e.log.Info("extract: duplicate content, skipping", "path", path, "digest", digest[:12])
		return Result{AlreadyProcessed: true}, nil
	}

	class := DetectClass(text)
	chunks := Chunk(text, e.opts.ChunkSize, e.opts.Overlap, e.opts.MaxChunks)
	e.log.Info("extract: processing", "path", path, "class", class, "chunks", len(chunks))

	var chunkResults []map[string]any
	for i, chunk := range chunks {
		result, err := e.extractChunk(ctx, class, chunk)
		if err != nil {
			e.log.Warn("extract: chunk failed", "path", path, "chunk", i, "error", err)
			continue
		}
		chunkResults = append(chunkResults, result)
	}

	merged := SmartUnion(chunkResults)
	merged["text_content"] = text

	proc, err := e.toProcessed(merged, path, digest)
	if err != nil {
		return Result{}, err
	}

	e.pinAndIndex(ctx, proc, text)

	processedPath, err := e.persist(proc, path)
	if err != nil {
		return Result{}, err
	}
	if err := e.markProcessed(ctx, digest, path); err != nil {
		return Result{}, err
	}
	if err := e.publish(ctx, proc, path); err != nil {
		return Result{}, err
	}

	e.processed.Inc()
	return Result{Processed: proc, ProcessedPath: processedPath}, nil
}

// extractChunk renders the class prompt, calls the model, and parses the
// JSON reply. A parse failure yields an error record carrying the raw output.
func (e *Extractor) extractChunk(ctx context.Context, class domain.Class, chunk string) (map[string]any, error) {
	prompt, err := e.prompts.Render(class, chunk)
	if err != nil {
		return nil, err
	}
	out, err := e.llm.Generate(ctx, prompt, e.opts.MaxTokens)
	if err != nil {
		return nil, err
	}
	cleaned := StripCodeFences(out)

	var result map[string]any
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		e.parseFailures.Inc()
		return map[string]any{
			"error":      "parse_failure",
			"raw_output": out,
		}, nil
	}
	return result, nil
}

// toProcessed decodes the merged map into the typed schema and validates it.
// Validation failures demote the record to class other with the error kept.
func (e *Extractor) toProcessed(merged map[string]any, path, digest string) (*Processed, error) {
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("extract: encode merged result: %w", err)
	}
	var doc domain.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("extract: decode merged result: %w", err)
	}

	proc := &Processed{
		Document:      doc,
		ContentDigest: digest,
		SourcePath:    path,
	}
	proc.Document = domain.Normalize(proc.Document)
	if err := domain.Validate(proc.Document); err != nil {
		e.log.Warn("extract: validation failed, demoting", "path", path, "error", err)
		proc.Document.Type = domain.ClassOther
		proc.Error = err.Error()
	}
	if errMsg, ok := merged["error"].(string); ok && proc.Error == "" {
		proc.Error = errMsg
	}
	return proc, nil
}

// pinAndIndex pins the processed JSON, then upserts the embedding and fills
// similar_docs. All three are best effort.
func (e *Extractor) pinAndIndex(ctx context.Context, proc *Processed, text string) {
	if e.obj != nil {
		body, err := json.Marshal(proc)
		if err == nil {
			cid, _, pinErr := e.obj.AddOrReuse(ctx, body)
			if pinErr != nil {
				e.log.Warn("extract: pin processed json", "path", proc.SourcePath, "error", pinErr)
			} else {
				proc.MetadataCID = cid
			}
		}
	}
	if e.index == nil {
		return
	}
	similar, err := e.index.SimilarDocs(ctx, text, e.opts.SimilarK)
	if err != nil {
		e.log.Warn("extract: similar docs", "path", proc.SourcePath, "error", err)
	} else {
		proc.SimilarDocs = similar
	}
	if err := e.index.UpsertDocument(ctx, proc.Document, proc.MetadataCID, text); err != nil {
		e.log.Warn("extract: vector upsert", "path", proc.SourcePath, "error", err)
	}
}

// persist writes the processed record and its analysis copy.
func (e *Extractor) persist(proc *Processed, path string) (string, error) {
	body, err := json.MarshalIndent(proc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("extract: encode processed: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if err := os.MkdirAll(e.opts.ProcessedDir, 0o755); err != nil {
		return "", fmt.Errorf("extract: create processed dir: %w", err)
	}
	processedPath := filepath.Join(e.opts.ProcessedDir, stem+".json")
	if err := os.WriteFile(processedPath, body, 0o644); err != nil {
		return "", fmt.Errorf("extract: write processed: %w", err)
	}

	if err := os.MkdirAll(e.opts.AnalysisDir, 0o755); err != nil {
		return "", fmt.Errorf("extract: create analysis dir: %w", err)
	}
	analysisPath := filepath.Join(e.opts.AnalysisDir, stem+"_analysis.json")
	if err := os.WriteFile(analysisPath, body, 0o644); err != nil {
		return "", fmt.Errorf("extract: write analysis: %w", err)
	}
	return processedPath, nil
}

// publish appends the processed record to the graph-update stream.
func (e *Extractor) publish(ctx context.Context, proc *Processed, path string) error {
	if e.st == nil {
		return nil
	}
	body, err := json.Marshal(proc)
	if err != nil {
		return fmt.Errorf("extract: encode event: %w", err)
	}
	if _, err := e.st.XAdd(ctx, GraphStream, graphStreamMaxLen, map[string]any{
		"path": path,
		"data": string(body),
	}); err != nil {
		return fmt.Errorf("extract: publish update: %w", err)
	}
	return nil
}

func (e *Extractor) isProcessed(ctx context.Context, digest string) bool {
	if e.st == nil {
		return false
	}
	ok, err := e.st.HExists(ctx, processedDigestsKey, digest)
	if err != nil {
		e.log.Warn("extract: digest lookup", "error", err)
		return false
	}
	return ok
}

func (e *Extractor) markProcessed(ctx context.Context, digest, path string) error {
	if e.st == nil {
		return nil
	}
	return e.st.HSet(ctx, processedDigestsKey, digest, path)
}

// StripCodeFences removes a wrapping markdown code fence from LLM output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Language tag on the opening fence.
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{[") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
