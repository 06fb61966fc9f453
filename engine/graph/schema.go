// Package graph implements the in-memory knowledge graph: a directed
// multigraph with typed nodes and edges, idempotent merges from processed
// documents, locality detection, spatial edges, Git-like lineage, and JSON
// snapshot publication to the content-addressed store.
package graph

// NodeType is the closed set of node kinds.
type NodeType string

const (
	NodeResearchPaper    NodeType = "research_paper"
	NodePatent           NodeType = "patent"
	NodeProject          NodeType = "project"
	NodeBuilding         NodeType = "building"
	NodeDataset          NodeType = "dataset"
	NodePerson           NodeType = "person"
	NodeOrganization     NodeType = "organization"
	NodeCompany          NodeType = "company"
	NodeFunding          NodeType = "funding"
	NodeDocument         NodeType = "document"
	NodeLocality         NodeType = "locality"
	NodeRegion           NodeType = "region"
	NodeTelemetryStream  NodeType = "telemetry_stream"
	NodeTelemetryReading NodeType = "telemetry_reading"
	NodeMetric           NodeType = "metric"
	NodeSensor           NodeType = "sensor"
)

// EdgeType is the closed set of edge relations. Free-text relation strings
// reach these values only through the canonical edge map.
type EdgeType string

const (
	// Lineage.
	EdgeDerivesFrom EdgeType = "derives_from"
	EdgeImplements  EdgeType = "implements"
	EdgeInfluenced  EdgeType = "influenced"
	EdgeSupersedes  EdgeType = "supersedes"

	// Authorship and collaboration.
	EdgeAuthoredBy    EdgeType = "authored_by"
	EdgeWorkedWith    EdgeType = "worked_with"
	EdgePartneredWith EdgeType = "partnered_with"
	EdgeInvolvedIn    EdgeType = "involved_in"
	EdgeLedBy         EdgeType = "led_by"
	EdgeManagedBy     EdgeType = "managed_by"
	EdgeDevelopedBy   EdgeType = "developed_by"
	EdgeDesignedBy    EdgeType = "designed_by"
	EdgeBuiltBy       EdgeType = "built_by"
	EdgeOwnedBy       EdgeType = "owned_by"
	EdgeContractedBy  EdgeType = "contracted_by"

	// Business.
	EdgeAcquired   EdgeType = "acquired"
	EdgeFundedBy   EdgeType = "funded_by"
	EdgeInvestedIn EdgeType = "invested_in"
	EdgeSuppliedBy EdgeType = "supplied_by"

	// Spatial.
	EdgeLocatedIn    EdgeType = "located_in"
	EdgeServesRegion EdgeType = "serves_region"
	EdgeNearby       EdgeType = "nearby"

	// Structure and similarity.
	EdgeContains         EdgeType = "contains"
	EdgeContainsDocument EdgeType = "contains_document"
	EdgeSimilarTo        EdgeType = "similar_to"
	EdgeReferences       EdgeType = "references"
)

// ValidEdgeTypes is the full closed enum.
var ValidEdgeTypes = map[EdgeType]bool{
	EdgeDerivesFrom: true, EdgeImplements: true, EdgeInfluenced: true, EdgeSupersedes: true,
	EdgeAuthoredBy: true, EdgeWorkedWith: true, EdgePartneredWith: true, EdgeInvolvedIn: true,
	EdgeLedBy: true, EdgeManagedBy: true, EdgeDevelopedBy: true, EdgeDesignedBy: true,
	EdgeBuiltBy: true, EdgeOwnedBy: true, EdgeContractedBy: true,
	EdgeAcquired: true, EdgeFundedBy: true, EdgeInvestedIn: true, EdgeSuppliedBy: true,
	EdgeLocatedIn: true, EdgeServesRegion: true, EdgeNearby: true,
	EdgeContains: true, EdgeContainsDocument: true, EdgeSimilarTo: true, EdgeReferences: true,
}
