package graph

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// enumByName maps YAML enum names (WORKED_WITH) to edge types.
var enumByName = map[string]EdgeType{
	"DERIVES_FROM": EdgeDerivesFrom, "IMPLEMENTS": EdgeImplements,
	"INFLUENCED": EdgeInfluenced, "SUPERSEDES": EdgeSupersedes,
	"AUTHORED_BY": EdgeAuthoredBy, "WORKED_WITH": EdgeWorkedWith,
	"PARTNERED_WITH": EdgePartneredWith, "INVOLVED_IN": EdgeInvolvedIn,
	"LED_BY": EdgeLedBy, "MANAGED_BY": EdgeManagedBy,
	"DEVELOPED_BY": EdgeDevelopedBy, "DESIGNED_BY": EdgeDesignedBy,
	"BUILT_BY": EdgeBuiltBy, "OWNED_BY": EdgeOwnedBy,
	"CONTRACTED_BY": EdgeContractedBy,
	"ACQUIRED":      EdgeAcquired, "FUNDED_BY": EdgeFundedBy,
	"INVESTED_IN": EdgeInvestedIn, "SUPPLIED_BY": EdgeSuppliedBy,
	"LOCATED_IN": EdgeLocatedIn, "SERVES_REGION": EdgeServesRegion,
	"NEARBY":   EdgeNearby,
	"CONTAINS": EdgeContains, "CONTAINS_DOCUMENT": EdgeContainsDocument,
	"SIMILAR_TO": EdgeSimilarTo, "REFERENCES": EdgeReferences,
}

// EdgeMap canonicalises free-text relation phrases against a YAML vocabulary
// file, reloading it whenever the file's mtime advances.
type EdgeMap struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	mapping map[string]EdgeType
	mtime   time.Time
}

// NewEdgeMap creates a canonicaliser over the mapping file at path. The file
// is loaded lazily; a missing file yields an empty vocabulary.
func NewEdgeMap(path string, log *slog.Logger) *EdgeMap {
	if log == nil {
		log = slog.Default()
	}
	return &EdgeMap{path: path, log: log}
}

// Canonical maps a relation phrase to its edge type. Lookup is
// case-insensitive and whitespace-trimmed. Returns false for phrases with
// no mapping; such relations are dropped by the writer.
func (m *EdgeMap) Canonical(text string) (EdgeType, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return "", false
	}
	// A phrase that already names a canonical type maps to itself.
	if ValidEdgeTypes[EdgeType(text)] {
		return EdgeType(text), true
	}
	mapping := m.load()
	t, ok := mapping[text]
	return t, ok
}

// Phrases returns every recognised relation phrase.
func (m *EdgeMap) Phrases() []string {
	mapping := m.load()
	out := make([]string, 0, len(mapping))
	for k := range mapping {
		out = append(out, k)
	}
	return out
}

// Reload forces a reparse on next use.
func (m *EdgeMap) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapping = nil
	m.mtime = time.Time{}
}

func (m *EdgeMap) load() map[string]EdgeType {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(m.path)
	if err != nil {
		if m.mapping == nil {
			m.log.Warn("edge mapping file unavailable", "path", m.path, "error", err)
			m.mapping = map[string]EdgeType{}
		}
		return m.mapping
	}
	if m.mapping != nil && !info.ModTime().After(m.mtime) {
		return m.mapping
	}

	parsed, err := parseEdgeMapping(m.path)
	if err != nil {
		m.log.Error("edge mapping reload failed", "path", m.path, "error", err)
		if m.mapping == nil {
			m.mapping = map[string]EdgeType{}
		}
		return m.mapping
	}
	m.mapping = parsed
	m.mtime = info.ModTime()
	m.log.Info("edge mapping loaded", "path", m.path, "entries", len(parsed))
	return m.mapping
}

func parseEdgeMapping(path string) (map[string]EdgeType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("graph: parse edge mapping: %w", err)
	}
	out := make(map[string]EdgeType, len(raw))
	for phrase, enumName := range raw {
		t, ok := enumByName[strings.ToUpper(strings.TrimSpace(enumName))]
		if !ok {
			slog.Warn("edge mapping names unknown relation", "phrase", phrase, "enum", enumName)
			continue
		}
		out[strings.ToLower(strings.TrimSpace(phrase))] = t
	}
	return out, nil
}
