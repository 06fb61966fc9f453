package graph

import (
	"fmt"
	"sort"
	"time"
)

// ancestryEdgeTypes are followed when tracing a project's derivation chain.
var ancestryEdgeTypes = map[EdgeType]bool{
	EdgeDerivesFrom: true,
	EdgeImplements:  true,
	EdgeInfluenced:  true,
}

// Commit is one entry in a project's Git-like history.
type Commit struct {
	ID            string       `json:"id"`
	Timestamp     string       `json:"timestamp"`
	Type          NodeType     `json:"type"`
	Message       string       `json:"message"`
	Parents       []string     `json:"parents"`
	CID           string       `json:"cid"`
	Author        string       `json:"author"`
	Locality      string       `json:"locality"`
	Localities    []string     `json:"localities"`
	Coordinates   *Coordinates `json:"coordinates"`
	InSevenCities bool         `json:"in_seven_cities"`
}

// Branches groups commits into research, patent, and project branch names.
type Branches struct {
	Research      []string            `json:"research"`
	Patent        []string            `json:"patent"`
	Project       []string            `json:"project"`
	BranchCommits map[string][]string `json:"branch_commits"`
}

// GitHistory is the full lineage view for one project.
type GitHistory struct {
	ProjectID  string   `json:"project_id"`
	Commits    []Commit `json:"commits"`
	Branches   Branches `json:"branches"`
	Localities struct {
		CommitsByLocality map[string][]string `json:"commits_by_locality"`
		SevenCities       []string            `json:"seven_cities"`
		HamptonRoads      []string            `json:"hampton_roads"`
	} `json:"localities"`
}

// GitHistory builds the Git-like lineage for a project: ancestors reached by
// traversing incoming derivation edges, topologically sorted into commits,
// then grouped into branches.
func (g *Graph) GitHistory(projectID string) (GitHistory, error) {
	out := GitHistory{ProjectID: projectID}
	if _, ok := g.Node(projectID); !ok {
		return out, fmt.Errorf("graph: git history: node %q not found", projectID)
	}

	// BFS over predecessors along derivation edges.
	members := map[string]bool{projectID: true}
	parents := map[string][]string{}
	queue := []string{projectID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.InEdges(current) {
			if !ancestryEdgeTypes[e.Type] {
				continue
			}
			parents[current] = append(parents[current], e.Source)
			if !members[e.Source] {
				members[e.Source] = true
				queue = append(queue, e.Source)
			}
		}
	}

	order, err := topoSort(members, parents)
	if err != nil {
		return out, err
	}

	for _, id := range order {
		node, _ := g.Node(id)
		commit := Commit{
			ID:      id,
			Type:    node.Type,
			Message: commitMessage(node),
			Parents: append([]string{}, parents[id]...),
			CID:     node.CID,
			Author:  "Unknown",
		}
		if commit.Parents == nil {
			commit.Parents = []string{}
		}
		if author, ok := node.Props["author"].(string); ok && author != "" {
			commit.Author = author
		}
		commit.Timestamp = g.nodeTimestamp(node)
		g.fillLocality(&commit)
		out.Commits = append(out.Commits, commit)
	}

	out.Branches = extractBranches(out.Commits)
	out.Localities.CommitsByLocality = map[string][]string{}
	for _, c := range out.Commits {
		if c.Locality != "" {
			out.Localities.CommitsByLocality[c.Locality] = append(out.Localities.CommitsByLocality[c.Locality], c.ID)
		}
	}
	out.Localities.SevenCities = SevenCities
	out.Localities.HamptonRoads = HamptonRoadsLocalities
	return out, nil
}

// topoSort orders members so every parent precedes its dependants. Ties break
// on id so the order is stable across runs.
func topoSort(members map[string]bool, parents map[string][]string) ([]string, error) {
	indegree := map[string]int{}
	children := map[string][]string{}
	for id := range members {
		indegree[id] += 0
	}
	for child, ps := range parents {
		for _, p := range ps {
			if !members[p] {
				continue
			}
			indegree[child]++
			children[p] = append(children[p], child)
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := children[id]
		sort.Strings(next)
		for _, child := range next {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(members) {
		return nil, fmt.Errorf("graph: git history: derivation cycle detected")
	}
	return order, nil
}

func commitMessage(node Node) string {
	if title, ok := node.Props["title"].(string); ok && title != "" {
		return title
	}
	if node.Label != "" {
		return node.Label
	}
	return fmt.Sprintf("Unnamed %s", node.Type)
}

// nodeTimestamp resolves a commit timestamp: the node's own date attribute,
// else the earliest incoming edge timestamp, else now.
func (g *Graph) nodeTimestamp(node Node) string {
	if date, ok := node.Props["date"].(string); ok && date != "" {
		return date
	}
	earliest := ""
	for _, e := range g.InEdges(node.ID) {
		if e.Timestamp == "" {
			continue
		}
		if earliest == "" || e.Timestamp < earliest {
			earliest = e.Timestamp
		}
	}
	if earliest != "" {
		return earliest
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// fillLocality resolves a commit's locality fields from located_in edges,
// picking the highest-confidence locality as primary.
func (g *Graph) fillLocality(c *Commit) {
	c.Localities = []string{}
	type match struct {
		name       string
		confidence float64
		coords     *Coordinates
	}
	var matches []match
	for _, e := range g.OutEdges(c.ID) {
		if e.Type != EdgeLocatedIn {
			continue
		}
		target, ok := g.Node(e.Target)
		if !ok || target.Type != NodeLocality {
			continue
		}
		confidence := e.Confidence
		if confidence == 0 {
			confidence = 0.5
		}
		matches = append(matches, match{target.Label, confidence, target.Coordinates})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].confidence > matches[j].confidence })
	if len(matches) == 0 {
		return
	}
	c.Locality = matches[0].name
	c.Coordinates = matches[0].coords
	c.InSevenCities = isSevenCity(matches[0].name)
	for _, m := range matches {
		c.Localities = append(c.Localities, m.name)
	}
}

// extractBranches groups commits into named branches: one per research paper,
// patent, and project.
func extractBranches(commits []Commit) Branches {
	b := Branches{
		Research:      []string{},
		Patent:        []string{},
		Project:       []string{},
		BranchCommits: map[string][]string{},
	}
	sorted := append([]Commit{}, commits...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	for _, c := range sorted {
		if c.Type != NodeResearchPaper {
			continue
		}
		name := "research/" + c.ID
		b.Research = append(b.Research, name)
		b.BranchCommits[name] = []string{c.ID}
	}
	for _, c := range sorted {
		if c.Type != NodePatent {
			continue
		}
		var parentBranches []string
		for _, parent := range c.Parents {
			for name, ids := range b.BranchCommits {
				for _, id := range ids {
					if id == parent {
						parentBranches = append(parentBranches, name)
					}
				}
			}
		}
		name := "patent/" + c.ID
		b.Patent = append(b.Patent, name)
		b.BranchCommits[name] = []string{c.ID}
		sort.Strings(parentBranches)
		for _, pb := range parentBranches {
			b.BranchCommits[pb] = append(b.BranchCommits[pb], c.ID)
		}
	}
	for _, c := range sorted {
		if c.Type != NodeProject {
			continue
		}
		name := "project/" + c.ID
		b.Project = append(b.Project, name)
		b.BranchCommits[name] = []string{c.ID}
	}
	return b
}
