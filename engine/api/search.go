package api

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/757built/engine/engine/graph"
)

// YearRange bounds results by year. Zero means unbounded on that side.
type YearRange struct {
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
}

// Query is the structured form of a natural-language search.
type Query struct {
	Original   string     `json:"original_query"`
	EntityType string     `json:"entity_type,omitempty"`
	TimeRange  *YearRange `json:"time_range,omitempty"`
	Location   string     `json:"location,omitempty"`
	Keywords   []string   `json:"keywords"`
}

// entityTypes maps query nouns to node types, in match-priority order.
var entityTypes = []struct {
	word string
	typ  graph.NodeType
}{
	{"project", graph.NodeProject},
	{"organization", graph.NodeOrganization},
	{"company", graph.NodeCompany},
	{"person", graph.NodePerson},
	{"people", graph.NodePerson},
	{"patent", graph.NodePatent},
	{"research", graph.NodeResearchPaper},
	{"document", graph.NodeDocument},
	{"location", graph.NodeLocality},
}

var (
	sinceRe   = regexp.MustCompile(`\bsince\s+(\d{4})\b`)
	beforeRe  = regexp.MustCompile(`\bbefore\s+(\d{4})\b`)
	inYearRe  = regexp.MustCompile(`\bin\s+(\d{4})\b`)
	betweenRe = regexp.MustCompile(`\bbetween\s+(\d{4})\s+and\s+(\d{4})\b`)

	locationRe = regexp.MustCompile(`\b(?:in|near|around)\s+([A-Za-z][A-Za-z ]*)`)

	stepSplitRe = regexp.MustCompile(`(?i);\s*|\band then\b|\bafter that\b|\bthen\b`)
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"in": true, "near": true, "around": true, "with": true, "by": true,
	"to": true, "from": true, "since": true, "before": true, "between": true,
	"related": true, "about": true, "find": true, "show": true, "list": true,
	"all": true, "me": true,
}

// ProcessQuery parses a natural-language query into structured components:
// entity type, year range, location phrase, and residual keywords.
func ProcessQuery(text string) Query {
	q := Query{Original: strings.TrimSpace(text), Keywords: []string{}}
	lower := strings.ToLower(q.Original)

	for _, et := range entityTypes {
		if strings.Contains(lower, et.word) || strings.Contains(lower, et.word+"s") {
			q.EntityType = string(et.typ)
			break
		}
	}

	switch {
	case betweenRe.MatchString(lower):
		m := betweenRe.FindStringSubmatch(lower)
		start, _ := strconv.Atoi(m[1])
		end, _ := strconv.Atoi(m[2])
		q.TimeRange = &YearRange{Start: start, End: end}
	case sinceRe.MatchString(lower):
		year, _ := strconv.Atoi(sinceRe.FindStringSubmatch(lower)[1])
		q.TimeRange = &YearRange{Start: year}
	case beforeRe.MatchString(lower):
		year, _ := strconv.Atoi(beforeRe.FindStringSubmatch(lower)[1])
		q.TimeRange = &YearRange{End: year}
	case inYearRe.MatchString(lower):
		year, _ := strconv.Atoi(inYearRe.FindStringSubmatch(lower)[1])
		q.TimeRange = &YearRange{Start: year, End: year}
	}

	if m := locationRe.FindStringSubmatch(lower); m != nil {
		// The capture is greedy over letters and spaces; cut it at the
		// first connective so "in norfolk since" yields "norfolk".
		var kept []string
		for _, w := range strings.Fields(m[1]) {
			if w == "since" || w == "before" || w == "between" || w == "and" || w == "then" {
				break
			}
			kept = append(kept, w)
		}
		loc := strings.Join(kept, " ")
		if loc != "" && !stopWords[loc] {
			q.Location = loc
		}
	}

	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?")
		if word == "" || stopWords[word] {
			continue
		}
		q.Keywords = append(q.Keywords, word)
	}
	return q
}

// DecomposeQuery splits a multi-step query on sequence connectors and parses
// each part. A query without connectors yields a single step.
func DecomposeQuery(text string) []Query {
	parts := stepSplitRe.Split(text, -1)
	var steps []Query
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		steps = append(steps, ProcessQuery(part))
	}
	if len(steps) == 0 {
		steps = append(steps, ProcessQuery(text))
	}
	return steps
}

// Connection is one neighbour shown as context on a search result.
type Connection struct {
	ID           string         `json:"id"`
	Label        string         `json:"label"`
	Type         graph.NodeType `json:"type"`
	Relationship graph.EdgeType `json:"relationship"`
	Direction    string         `json:"direction"`
}

// SearchResult is one scored node.
type SearchResult struct {
	ID          string       `json:"id"`
	Node        graph.Node   `json:"node"`
	Score       float64      `json:"score"`
	Connections []Connection `json:"connections"`
}

// Searcher ranks graph nodes against structured queries.
type Searcher struct {
	g *graph.Graph
}

// NewSearcher creates a searcher over the graph.
func NewSearcher(g *graph.Graph) *Searcher {
	return &Searcher{g: g}
}

// Search scores every candidate node and returns up to max results, best
// first. Ties break on node id for stable output.
func (s *Searcher) Search(q Query, max int) []SearchResult {
	if max <= 0 {
		max = 20
	}
	var results []SearchResult
	for _, n := range s.g.Nodes() {
		if q.EntityType != "" && string(n.Type) != q.EntityType {
			continue
		}
		score := s.Score(n.ID, q)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			ID:          n.ID,
			Node:        n,
			Score:       score,
			Connections: s.connections(n.ID, 5),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > max {
		results = results[:max]
	}
	return results
}

// Score computes a node's relevance for a query. A zero score means the node
// is filtered out.
func (s *Searcher) Score(id string, q Query) float64 {
	node, ok := s.g.Node(id)
	if !ok {
		return 0
	}
	score := 0.0

	if q.TimeRange != nil {
		year, found := nodeYear(node)
		if found {
			if q.TimeRange.Start > 0 && year < q.TimeRange.Start {
				return 0
			}
			if q.TimeRange.End > 0 && year > q.TimeRange.End {
				return 0
			}
			if q.TimeRange.Start > 0 && q.TimeRange.End > 0 {
				midpoint := float64(q.TimeRange.Start+q.TimeRange.End) / 2
				span := float64(q.TimeRange.End-q.TimeRange.Start) + 1
				score += 1.0 - abs(float64(year)-midpoint)/span
			}
		}
	}

	if q.Location != "" && s.matchesLocation(node, q.Location) {
		score += 2.0
	}
	score += keywordScore(node, q.Keywords)
	if score <= 0 {
		return 0
	}

	degree := len(s.g.OutEdges(id)) + len(s.g.InEdges(id))
	connectivity := float64(degree) / 10
	if connectivity > 1 {
		connectivity = 1
	}
	score += connectivity * 0.5
	return score
}

// Suggest returns up to limit node labels beginning with the prefix,
// case-insensitively, shortest first.
func (s *Searcher) Suggest(prefix string, limit int) []string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if len(prefix) < 2 {
		return []string{}
	}
	if limit <= 0 {
		limit = 5
	}
	seen := map[string]bool{}
	matches := []string{}
	for _, n := range s.g.Nodes() {
		if n.Label == "" || seen[n.Label] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(n.Label), prefix) {
			seen[n.Label] = true
			matches = append(matches, n.Label)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if len(matches[i]) != len(matches[j]) {
			return len(matches[i]) < len(matches[j])
		}
		return matches[i] < matches[j]
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (s *Searcher) connections(id string, max int) []Connection {
	out := []Connection{}
	for _, e := range s.g.OutEdges(id) {
		if n, ok := s.g.Node(e.Target); ok {
			out = append(out, Connection{n.ID, n.Label, n.Type, e.Type, "outgoing"})
		}
	}
	for _, e := range s.g.InEdges(id) {
		if n, ok := s.g.Node(e.Source); ok {
			out = append(out, Connection{n.ID, n.Label, n.Type, e.Type, "incoming"})
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// matchesLocation checks the node's own text attributes, then its located_in
// neighbours, for the query location phrase.
func (s *Searcher) matchesLocation(node graph.Node, location string) bool {
	location = strings.ToLower(location)
	for _, field := range []string{"location", "address", "city", "region"} {
		if v, ok := node.Props[field].(string); ok && strings.Contains(strings.ToLower(v), location) {
			return true
		}
	}
	if s.locatedIn(node.ID, location) {
		return true
	}
	// A project inherits the localities of the documents it contains.
	for _, e := range s.g.OutEdges(node.ID) {
		if e.Type == graph.EdgeContainsDocument && s.locatedIn(e.Target, location) {
			return true
		}
	}
	return false
}

func (s *Searcher) locatedIn(id, location string) bool {
	for _, e := range s.g.OutEdges(id) {
		if e.Type != graph.EdgeLocatedIn {
			continue
		}
		target, ok := s.g.Node(e.Target)
		if !ok {
			continue
		}
		if target.Type == graph.NodeLocality || target.Type == graph.NodeRegion {
			if strings.Contains(strings.ToLower(target.Label), location) {
				return true
			}
		}
	}
	return false
}

// textFields are the node attributes scanned for keywords, with title-like
// fields weighted higher.
var titleFields = []string{"name", "title"}
var bodyFields = []string{"description", "summary", "abstract", "content"}

func keywordScore(node graph.Node, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	score := 0.0
	label := strings.ToLower(node.Label)
	for _, kw := range keywords {
		if strings.Contains(label, kw) {
			score += 1.0
		}
	}
	for _, field := range titleFields {
		if v, ok := node.Props[field].(string); ok {
			lower := strings.ToLower(v)
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					score += 1.0
				}
			}
		}
	}
	for _, field := range bodyFields {
		if v, ok := node.Props[field].(string); ok {
			lower := strings.ToLower(v)
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					score += 0.5
				}
			}
		}
	}
	score /= float64(len(keywords))
	if score > 3 {
		score = 3
	}
	return score
}

var yearRe = regexp.MustCompile(`\b(\d{4})\b`)

// nodeYear extracts a year from the node's date-bearing attributes.
func nodeYear(node graph.Node) (int, bool) {
	for _, field := range []string{"date", "year", "start_date", "end_date", "timestamp", "created"} {
		v, ok := node.Props[field]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if m := yearRe.FindStringSubmatch(val); m != nil {
				year, _ := strconv.Atoi(m[1])
				return year, true
			}
		case float64:
			return int(val), true
		case int:
			return val, true
		}
	}
	return 0, false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
