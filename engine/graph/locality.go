package graph

import (
	"regexp"
	"strings"
	"time"
)

// HamptonRoadsRegionID is the region node id.
const HamptonRoadsRegionID = "region_hampton_roads"

// HamptonRoadsLocalities are the localities recognised by the detector.
var HamptonRoadsLocalities = []string{
	"NORFOLK", "VIRGINIA BEACH", "CHESAPEAKE", "PORTSMOUTH",
	"SUFFOLK", "HAMPTON", "NEWPORT NEWS", "WILLIAMSBURG",
	"JAMES CITY", "GLOUCESTER", "YORK", "POQUOSON",
	"ISLE OF WIGHT", "SURRY", "SOUTHAMPTON", "SMITHFIELD",
}

// SevenCities is the canonical subset used for nearest-city snapping.
var SevenCities = []string{
	"CHESAPEAKE", "HAMPTON", "NEWPORT NEWS", "NORFOLK",
	"PORTSMOUTH", "SUFFOLK", "VIRGINIA BEACH",
}

// LocalityCoordinates holds approximate centroids per locality.
var LocalityCoordinates = map[string]Coordinates{
	"NORFOLK":        {36.8508, -76.2859},
	"VIRGINIA BEACH": {36.8529, -75.9780},
	"CHESAPEAKE":     {36.7682, -76.2874},
	"PORTSMOUTH":     {36.8354, -76.2983},
	"SUFFOLK":        {36.7282, -76.5836},
	"HAMPTON":        {37.0311, -76.3452},
	"NEWPORT NEWS":   {37.0871, -76.4730},
	"WILLIAMSBURG":   {37.2707, -76.7075},
	"JAMES CITY":     {37.3136, -76.7681},
	"GLOUCESTER":     {37.4098, -76.5250},
	"YORK":           {37.2419, -76.5125},
	"POQUOSON":       {37.1224, -76.3193},
	"ISLE OF WIGHT":  {36.9087, -76.7048},
	"SURRY":          {37.1374, -76.8850},
	"SOUTHAMPTON":    {36.7787, -77.1025},
	"SMITHFIELD":     {36.9824, -76.6322},
}

// localityPatterns maps each locality to whole-word regexes covering common
// variations and abbreviations.
var localityPatterns = map[string][]*regexp.Regexp{
	"NORFOLK":        compileAll(`\bNorfolk\b`, `\bNFK\b`),
	"VIRGINIA BEACH": compileAll(`\bVirginia Beach\b`, `\bVA Beach\b`, `\bVB\b`),
	"CHESAPEAKE":     compileAll(`\bChesapeake\b`),
	"PORTSMOUTH":     compileAll(`\bPortsmouth\b`),
	"SUFFOLK":        compileAll(`\bSuffolk\b`),
	"HAMPTON":        compileAll(`\bHampton\b`),
	"NEWPORT NEWS":   compileAll(`\bNewport News\b`, `\bNN\b`),
	"WILLIAMSBURG":   compileAll(`\bWilliamsburg\b`),
	"JAMES CITY":     compileAll(`\bJames City\b`, `\bJames City County\b`, `\bJCC\b`),
	"GLOUCESTER":     compileAll(`\bGloucester\b`, `\bGloucester County\b`),
	"YORK":           compileAll(`\bYork\b`, `\bYork County\b`),
	"POQUOSON":       compileAll(`\bPoquoson\b`),
	"ISLE OF WIGHT":  compileAll(`\bIsle of Wight\b`, `\bIOW\b`, `\bIsle of Wight County\b`),
	"SURRY":          compileAll(`\bSurry\b`, `\bSurry County\b`),
	"SOUTHAMPTON":    compileAll(`\bSouthampton\b`, `\bSouthampton County\b`),
	"SMITHFIELD":     compileAll(`\bSmithfield\b`),
}

var regionPatterns = compileAll(
	`\bHampton Roads\b`, `\bHR\b`, `\bSeven Cities\b`,
	`\bSoutheast Virginia\b`, `\bTidewater\b`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// NormalizeLocalityName lowercases a locality and replaces spaces with
// underscores for use in node ids.
func NormalizeLocalityName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// LocalityNodeID returns the graph node id for a locality name.
func LocalityNodeID(name string) string {
	return "loc_" + NormalizeLocalityName(name)
}

// DetectLocalities counts mentions of each known locality in text.
func DetectLocalities(text string) map[string]int {
	if text == "" {
		return map[string]int{}
	}
	out := map[string]int{}
	for locality, patterns := range localityPatterns {
		count := 0
		for _, p := range patterns {
			count += len(p.FindAllStringIndex(text, -1))
		}
		if count > 0 {
			out[locality] = count
		}
	}
	return out
}

// DetectRegion reports whether text mentions the containing region.
func DetectRegion(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range regionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// AddLocalityRelations attaches located_in edges from a document node to
// every detected locality that exists in the graph, with confidence derived
// from the mention count, plus a region edge on a region match. Returns the
// matched locality node ids.
func (g *Graph) AddLocalityRelations(documentID, text string) []string {
	localities := DetectLocalities(text)
	nowISO := time.Now().UTC().Format(time.RFC3339)

	var ids []string
	for locality, count := range localities {
		localityID := LocalityNodeID(locality)
		if _, ok := g.Node(localityID); !ok {
			continue
		}
		confidence := float64(count) / 10
		if confidence > 1.0 {
			confidence = 1.0
		}
		g.AddEdge(Edge{
			Source:     documentID,
			Target:     localityID,
			Type:       EdgeLocatedIn,
			Timestamp:  nowISO,
			Confidence: confidence,
			Mentions:   count,
		})
		ids = append(ids, localityID)
	}

	if DetectRegion(text) {
		if _, ok := g.Node(HamptonRoadsRegionID); ok {
			g.AddEdge(Edge{
				Source:    documentID,
				Target:    HamptonRoadsRegionID,
				Type:      EdgeLocatedIn,
				Timestamp: nowISO,
				Subtype:   "explicit_mention",
			})
		}
	}
	return ids
}

// SeedLocalities inserts the region node and one locality node per known
// locality, each linked to the region. Safe to call on every start.
func (g *Graph) SeedLocalities() {
	g.AddNode(Node{
		ID:    HamptonRoadsRegionID,
		Type:  NodeRegion,
		Label: "Hampton Roads",
	})
	nowISO := time.Now().UTC().Format(time.RFC3339)
	for _, locality := range HamptonRoadsLocalities {
		coords := LocalityCoordinates[locality]
		id := LocalityNodeID(locality)
		g.AddNode(Node{
			ID:          id,
			Type:        NodeLocality,
			Label:       locality,
			Coordinates: &Coordinates{coords.Lat, coords.Lng},
			Props: map[string]any{
				"name":            locality,
				"is_seven_cities": isSevenCity(locality),
			},
		})
		g.AddEdge(Edge{
			Source:    id,
			Target:    HamptonRoadsRegionID,
			Type:      EdgeLocatedIn,
			Timestamp: nowISO,
		})
	}
}

func isSevenCity(name string) bool {
	for _, c := range SevenCities {
		if c == name {
			return true
		}
	}
	return false
}
