package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/757built/engine/engine/graph"
)

func (s *Server) handleProjects(w http.ResponseWriter, _ *http.Request) {
	projects := []graph.Node{}
	for _, n := range s.g.Nodes() {
		if n.Type == graph.NodeProject {
			projects = append(projects, n)
		}
	}
	sortNodesByLabel(projects)
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	node, ok := s.g.Node(r.PathValue("id"))
	if !ok || node.Type != graph.NodeProject {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleProjectSub routes /projects/{id}/documents, /projects/{id}/git-history,
// and /projects/by-locality/{name}.
func (s *Server) handleProjectSub(w http.ResponseWriter, r *http.Request) {
	id, sub := r.PathValue("id"), r.PathValue("sub")
	if id == "by-locality" {
		s.projectsByLocality(w, sub)
		return
	}
	switch sub {
	case "documents":
		s.projectDocuments(w, id)
	case "git-history":
		s.gitHistory(w, id)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) projectDocuments(w http.ResponseWriter, id string) {
	if _, ok := s.g.Node(id); !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	docs := []graph.Node{}
	for _, e := range s.g.OutEdges(id) {
		if e.Type != graph.EdgeContainsDocument {
			continue
		}
		if n, ok := s.g.Node(e.Target); ok && n.Type == graph.NodeDocument {
			docs = append(docs, n)
		}
	}
	writeJSON(w, http.StatusOK, docs)
}

// relatedNode is one neighbour of a document with the connecting relation.
type relatedNode struct {
	Node         graph.Node     `json:"node"`
	Relationship graph.EdgeType `json:"relationship"`
	Direction    string         `json:"direction"`
}

func (s *Server) handleRelatedDocuments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.g.Node(id); !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	related := []relatedNode{}
	for _, e := range s.g.OutEdges(id) {
		if n, ok := s.g.Node(e.Target); ok {
			related = append(related, relatedNode{n, e.Type, "outgoing"})
		}
	}
	for _, e := range s.g.InEdges(id) {
		if n, ok := s.g.Node(e.Source); ok {
			related = append(related, relatedNode{n, e.Type, "incoming"})
		}
	}
	writeJSON(w, http.StatusOK, related)
}

// subgraphResponse is a BFS-bounded ego network around one node.
type subgraphResponse struct {
	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`
}

func (s *Server) handleSubgraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	center, ok := s.g.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	depth := 1
	if d := r.URL.Query().Get("depth"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "depth must be a positive integer")
			return
		}
		depth = parsed
	}

	sub := subgraphResponse{Nodes: []graph.Node{center}, Edges: []graph.Edge{}}
	visited := map[string]bool{id: true}
	seenEdges := map[graph.Edge]bool{}
	frontier := []string{id}

	for range depth {
		var next []string
		for _, current := range frontier {
			edges := append(s.g.OutEdges(current), s.g.InEdges(current)...)
			for _, e := range edges {
				if !seenEdges[e] {
					seenEdges[e] = true
					sub.Edges = append(sub.Edges, e)
				}
				neighbour := e.Target
				if neighbour == current {
					neighbour = e.Source
				}
				if visited[neighbour] {
					continue
				}
				visited[neighbour] = true
				next = append(next, neighbour)
				if n, ok := s.g.Node(neighbour); ok {
					sub.Nodes = append(sub.Nodes, n)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleSimpleSearch is the substring search over labels and project
// summaries.
func (s *Server) handleSimpleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if q == "" {
		writeJSON(w, http.StatusOK, []graph.Node{})
		return
	}
	results := []graph.Node{}
	for _, n := range s.g.Nodes() {
		if strings.Contains(strings.ToLower(n.Label), q) {
			results = append(results, n)
			continue
		}
		if n.Type == graph.NodeProject {
			if summary, ok := n.Props["summary"].(string); ok && strings.Contains(strings.ToLower(summary), q) {
				results = append(results, n)
			}
		}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleLocalities(w http.ResponseWriter, _ *http.Request) {
	localities := []graph.Node{}
	for _, n := range s.g.Nodes() {
		if n.Type == graph.NodeLocality {
			localities = append(localities, n)
		}
	}
	sortNodesByLabel(localities)
	writeJSON(w, http.StatusOK, localities)
}

func (s *Server) projectsByLocality(w http.ResponseWriter, name string) {
	name = strings.ToUpper(name)
	localityID := graph.LocalityNodeID(name)
	if _, ok := s.g.Node(localityID); !ok {
		writeError(w, http.StatusNotFound, "locality not found")
		return
	}

	// A project counts as located in a locality when the project node
	// itself, or any document it contains, carries a located_in edge there.
	inLocality := func(id string) bool {
		return s.g.HasEdge(id, localityID, graph.EdgeLocatedIn)
	}
	projects := []graph.Node{}
	for _, n := range s.g.Nodes() {
		if n.Type != graph.NodeProject {
			continue
		}
		matched := inLocality(n.ID)
		if !matched {
			for _, e := range s.g.OutEdges(n.ID) {
				if e.Type == graph.EdgeContainsDocument && inLocality(e.Target) {
					matched = true
					break
				}
			}
		}
		if matched {
			projects = append(projects, n)
		}
	}
	writeJSON(w, http.StatusOK, projects)
}

// geoJSONFeature is one point in a FeatureCollection response.
type geoJSONFeature struct {
	Type       string         `json:"type"`
	Geometry   pointGeometry  `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type pointGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"` // lng, lat
}

func pointFeature(lat, lng float64, props map[string]any) geoJSONFeature {
	return geoJSONFeature{
		Type:       "Feature",
		Geometry:   pointGeometry{Type: "Point", Coordinates: []float64{lng, lat}},
		Properties: props,
	}
}

// mapDataResponse is a FeatureCollection with per-locality node counts.
type mapDataResponse struct {
	Type           string           `json:"type"`
	Features       []geoJSONFeature `json:"features"`
	LocalityCounts map[string]int   `json:"locality_counts"`
}

func (s *Server) handleMapData(w http.ResponseWriter, _ *http.Request) {
	out := mapDataResponse{
		Type:           "FeatureCollection",
		Features:       []geoJSONFeature{},
		LocalityCounts: map[string]int{},
	}
	for _, n := range s.g.Nodes() {
		if n.Coordinates == nil {
			continue
		}
		out.Features = append(out.Features, pointFeature(n.Coordinates.Lat, n.Coordinates.Lng, map[string]any{
			"id":    n.ID,
			"type":  n.Type,
			"label": n.Label,
		}))
	}
	for _, e := range s.g.Edges() {
		if e.Type != graph.EdgeLocatedIn {
			continue
		}
		if loc, ok := s.g.Node(e.Target); ok && loc.Type == graph.NodeLocality {
			out.LocalityCounts[loc.Label]++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.g.Stats())
}

func (s *Server) gitHistory(w http.ResponseWriter, id string) {
	history, err := s.g.GitHistory(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleIPFSCat(w http.ResponseWriter, r *http.Request) {
	if s.obj == nil {
		writeError(w, http.StatusServiceUnavailable, "object store not configured")
		return
	}
	data, err := s.obj.Cat(r.Context(), r.PathValue("cid"))
	if err != nil {
		writeError(w, http.StatusNotFound, "content not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// sortNodesByLabel keeps list responses stable for clients that diff them.
func sortNodesByLabel(nodes []graph.Node) {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Label < nodes[j].Label })
}
