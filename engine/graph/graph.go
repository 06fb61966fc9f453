package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Coordinates are WGS-84 degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Node is one typed graph node.
type Node struct {
	ID          string         `json:"id"`
	Type        NodeType       `json:"type"`
	Label       string         `json:"label"`
	Coordinates *Coordinates   `json:"coordinates,omitempty"`
	CID         string         `json:"cid,omitempty"`
	Props       map[string]any `json:"properties,omitempty"`
}

// Edge is one typed directed edge. Edges are keyed by (source, target, type);
// re-inserting the same key is a no-op.
type Edge struct {
	Source         string   `json:"source"`
	Target         string   `json:"target"`
	Type           EdgeType `json:"type"`
	Timestamp      string   `json:"timestamp,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	Mentions       int      `json:"mentions,omitempty"`
	Subtype        string   `json:"subtype,omitempty"`
	DistanceKM     float64  `json:"distance_km,omitempty"`
	Weight         float64  `json:"weight,omitempty"`
	SourceDocument string   `json:"source_document,omitempty"`
}

type typeLabel struct {
	typ   NodeType
	label string
}

type edgeKey struct {
	source, target string
	typ            EdgeType
}

// Graph is an append-only directed multigraph. All methods are safe for
// concurrent use; in practice the writer service is the only mutator.
type Graph struct {
	mu          sync.RWMutex
	nodes       []*Node
	edges       []*Edge
	byID        map[string]*Node
	byTypeLabel map[typeLabel]string
	edgeIndex   map[edgeKey]*Edge
	processed   map[string]bool // content digests already merged
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		byID:        make(map[string]*Node),
		byTypeLabel: make(map[typeLabel]string),
		edgeIndex:   make(map[edgeKey]*Edge),
		processed:   make(map[string]bool),
	}
}

// AddNode inserts a node idempotently keyed by id. Returns false when a node
// with that id already exists, in which case the existing node is unchanged.
func (g *Graph) AddNode(n Node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNodeLocked(n)
}

func (g *Graph) addNodeLocked(n Node) bool {
	if _, ok := g.byID[n.ID]; ok {
		return false
	}
	cp := n
	if cp.Props != nil {
		props := make(map[string]any, len(cp.Props))
		for k, v := range cp.Props {
			props[k] = v
		}
		cp.Props = props
	}
	g.nodes = append(g.nodes, &cp)
	g.byID[cp.ID] = &cp
	if cp.Label != "" {
		key := typeLabel{cp.Type, cp.Label}
		if _, ok := g.byTypeLabel[key]; !ok {
			g.byTypeLabel[key] = cp.ID
		}
	}
	return true
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// SetNodeCID records the content-store CID on an existing node.
func (g *Graph) SetNodeCID(id, cid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byID[id]
	if !ok {
		return false
	}
	n.CID = cid
	return true
}

// Find returns the id of the node with the given type and label.
func (g *Graph) Find(typ NodeType, label string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byTypeLabel[typeLabel{typ, label}]
	return id, ok
}

// FindByLabel returns the first node whose label matches, any type.
func (g *Graph) FindByLabel(label string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if n.Label == label {
			return n.ID, true
		}
	}
	return "", false
}

// AddEdge inserts an edge idempotently keyed by (source, target, type).
// Returns false when the key already exists.
func (g *Graph) AddEdge(e Edge) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(e)
}

func (g *Graph) addEdgeLocked(e Edge) bool {
	key := edgeKey{e.Source, e.Target, e.Type}
	if _, ok := g.edgeIndex[key]; ok {
		return false
	}
	cp := e
	g.edges = append(g.edges, &cp)
	g.edgeIndex[key] = &cp
	return true
}

// HasEdge reports whether an edge (source, target, type) exists.
func (g *Graph) HasEdge(source, target string, typ EdgeType) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edgeIndex[edgeKey{source, target, typ}]
	return ok
}

// HasEitherEdge reports whether an edge of the given type exists in either
// direction between two nodes.
func (g *Graph) HasEitherEdge(a, b string, typ EdgeType) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.edgeIndex[edgeKey{a, b, typ}]; ok {
		return true
	}
	_, ok := g.edgeIndex[edgeKey{b, a, typ}]
	return ok
}

// Nodes returns a copy of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = *n
	}
	return out
}

// Edges returns a copy of all edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, len(g.edges))
	for i, e := range g.edges {
		out[i] = *e
	}
	return out
}

// OutEdges returns edges leaving a node.
func (g *Graph) OutEdges(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.edges {
		if e.Source == id {
			out = append(out, *e)
		}
	}
	return out
}

// InEdges returns edges arriving at a node.
func (g *Graph) InEdges(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.edges {
		if e.Target == id {
			out = append(out, *e)
		}
	}
	return out
}

// MarkProcessed records a content digest as merged.
func (g *Graph) MarkProcessed(digest string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.processed[digest] = true
}

// IsProcessed reports whether a content digest was already merged.
func (g *Graph) IsProcessed(digest string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.processed[digest]
}

// Stats summarises the graph for the stats endpoint.
type Stats struct {
	Nodes     int              `json:"nodes"`
	Edges     int              `json:"edges"`
	Processed int              `json:"processed_documents"`
	ByType    map[NodeType]int `json:"nodes_by_type"`
}

// Stats returns counts by kind.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Stats{
		Nodes:     len(g.nodes),
		Edges:     len(g.edges),
		Processed: len(g.processed),
		ByType:    make(map[NodeType]int),
	}
	for _, n := range g.nodes {
		s.ByType[n.Type]++
	}
	return s
}

// snapshot is the serialised graph layout: nodes and edges plus the
// convenience arrays the read API and map front-ends consume.
type snapshot struct {
	Nodes     []*Node  `json:"nodes"`
	Edges     []*Edge  `json:"edges"`
	Projects  []*Node  `json:"projects"`
	Locations []*Node  `json:"locations"`
	Processed []string `json:"processed,omitempty"`
}

// Encode serialises the graph snapshot. Node and edge order is insertion
// order, so replaying the same merges yields identical bytes.
func (g *Graph) Encode() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := snapshot{
		Nodes:     g.nodes,
		Edges:     g.edges,
		Projects:  []*Node{},
		Locations: []*Node{},
	}
	for _, n := range g.nodes {
		switch n.Type {
		case NodeProject:
			snap.Projects = append(snap.Projects, n)
		case NodeLocality, NodeRegion:
			snap.Locations = append(snap.Locations, n)
		}
	}
	for digest := range g.processed {
		snap.Processed = append(snap.Processed, digest)
	}
	sort.Strings(snap.Processed)
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("graph: encode: %w", err)
	}
	return b, nil
}

// Load replaces the graph content from a serialised snapshot.
func (g *Graph) Load(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("graph: decode snapshot: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nil
	g.edges = nil
	g.byID = make(map[string]*Node)
	g.byTypeLabel = make(map[typeLabel]string)
	g.edgeIndex = make(map[edgeKey]*Edge)
	g.processed = make(map[string]bool)
	for _, n := range snap.Nodes {
		g.addNodeLocked(*n)
	}
	for _, e := range snap.Edges {
		g.addEdgeLocked(*e)
	}
	for _, digest := range snap.Processed {
		g.processed[digest] = true
	}
	return nil
}

// LoadFile loads a snapshot from disk. A missing file leaves the graph empty.
func (g *Graph) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("graph: read snapshot: %w", err)
	}
	return g.Load(data)
}
