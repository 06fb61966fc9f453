package graph

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/757built/engine/engine/domain"
)

// MergeInput carries one processed document into the graph.
type MergeInput struct {
	Path          string
	Doc           domain.Document
	ContentDigest string   // sha256 of the normalised text body
	FileCID       string   // pinned original, may be empty
	MetadataCID   string   // pinned processed-document JSON
	SimilarDocs   []string // CIDs from the vector index
}

// MergeResult summarises what one merge changed.
type MergeResult struct {
	DocumentID       string
	ProjectID        string
	Merged           bool
	DroppedRelations int
	Localities       []string
}

// DocumentNodeID derives the stable node id for a source document path.
func DocumentNodeID(path string) string {
	sum := md5.Sum([]byte(filepath.Base(path)))
	return "doc_" + hex.EncodeToString(sum[:])[:8]
}

func stableID(prefix, label string) string {
	sum := md5.Sum([]byte(label))
	return prefix + "_" + hex.EncodeToString(sum[:])[:8]
}

func projectTitle(block map[string]any) string {
	for _, key := range []string{"name", "title"} {
		if v, ok := block[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// MergeDocument merges a processed document into the graph. Every insertion
// is idempotent, so replaying the same input leaves the graph unchanged.
// A document whose content digest was already merged is skipped entirely.
func (g *Graph) MergeDocument(in MergeInput, canon *EdgeMap) MergeResult {
	docID := DocumentNodeID(in.Path)
	res := MergeResult{DocumentID: docID}
	if in.ContentDigest != "" && g.IsProcessed(in.ContentDigest) {
		return res
	}
	nowISO := time.Now().UTC().Format(time.RFC3339)
	docName := filepath.Base(in.Path)

	g.AddNode(Node{
		ID:    docID,
		Type:  NodeDocument,
		Label: docName,
		CID:   in.FileCID,
		Props: map[string]any{
			"path":          in.Path,
			"document_type": string(in.Doc.Type),
			"metadata_cid":  in.MetadataCID,
		},
	})
	if in.FileCID != "" {
		g.SetNodeCID(docID, in.FileCID)
	}

	res.Localities = g.AddLocalityRelations(docID, in.Doc.TextContent)

	// The merge anchor is the project when a project block is present,
	// otherwise the document node itself.
	anchor := docID
	if title := projectTitle(in.Doc.Project); title != "" {
		projectID, exists := g.Find(NodeProject, title)
		if !exists {
			projectID = stableID("project", title)
			props := map[string]any{"title": title, "document": docName}
			for _, key := range []string{"summary", "start_date", "end_date", "status"} {
				if v, ok := in.Doc.Project[key]; ok {
					props[key] = v
				}
			}
			g.AddNode(Node{ID: projectID, Type: NodeProject, Label: title, Props: props})
		}
		g.AddEdge(Edge{
			Source:         docID,
			Target:         projectID,
			Type:           EdgeContainsDocument,
			Timestamp:      nowISO,
			SourceDocument: docName,
		})
		for _, localityID := range res.Localities {
			g.AddEdge(Edge{
				Source:         projectID,
				Target:         localityID,
				Type:           EdgeLocatedIn,
				Timestamp:      nowISO,
				SourceDocument: docName,
			})
		}
		anchor = projectID
		res.ProjectID = projectID
	}

	if in.Doc.Entities != nil {
		g.mergeEntities(NodePerson, "person", in.Doc.Entities.People, anchor, docName, canon, &res)
		g.mergeEntities(NodeOrganization, "org", in.Doc.Entities.Organizations, anchor, docName, canon, &res)
		g.mergeEntities(NodeCompany, "company", in.Doc.Entities.Companies, anchor, docName, canon, &res)
	}

	for _, rel := range in.Doc.Relationships {
		srcID, ok := g.FindByLabel(rel.Source)
		if !ok {
			res.DroppedRelations++
			continue
		}
		dstID, ok := g.FindByLabel(rel.Target)
		if !ok {
			res.DroppedRelations++
			continue
		}
		edgeType, ok := canon.Canonical(rel.Relationship)
		if !ok {
			res.DroppedRelations++
			continue
		}
		g.AddEdge(Edge{
			Source:         srcID,
			Target:         dstID,
			Type:           edgeType,
			Timestamp:      nowISO,
			SourceDocument: docName,
		})
	}

	if in.MetadataCID != "" && len(in.SimilarDocs) > 0 {
		g.AddNode(Node{ID: in.MetadataCID, Type: NodeDocument, Label: in.MetadataCID})
		for _, cid := range in.SimilarDocs {
			if cid == in.MetadataCID {
				continue
			}
			g.AddNode(Node{ID: cid, Type: NodeDocument, Label: cid})
			g.AddEdge(Edge{
				Source:    in.MetadataCID,
				Target:    cid,
				Type:      EdgeSimilarTo,
				Timestamp: nowISO,
				Weight:    0.5,
			})
		}
	}

	if in.ContentDigest != "" {
		g.MarkProcessed(in.ContentDigest)
	}
	res.Merged = true
	return res
}

// mergeEntities inserts entity nodes and links each to the merge anchor with
// an edge typed by the canonicalised role. Roles with no canonical mapping
// drop the edge but keep the node.
func (g *Graph) mergeEntities(typ NodeType, prefix string, entities []map[string]any, anchor, docName string, canon *EdgeMap, res *MergeResult) {
	nowISO := time.Now().UTC().Format(time.RFC3339)
	for _, ent := range entities {
		name, _ := ent["name"].(string)
		if name == "" {
			continue
		}
		role, _ := ent["role"].(string)
		if role == "" {
			role = string(EdgeInvolvedIn)
		}
		id, exists := g.Find(typ, name)
		if !exists {
			id = stableID(prefix, name)
			g.AddNode(Node{
				ID:    id,
				Type:  typ,
				Label: name,
				Props: map[string]any{"role": role, "documents": []string{docName}},
			})
		}
		edgeType, ok := canon.Canonical(role)
		if !ok {
			res.DroppedRelations++
			continue
		}
		g.AddEdge(Edge{
			Source:         id,
			Target:         anchor,
			Type:           edgeType,
			Timestamp:      nowISO,
			SourceDocument: docName,
		})
	}
}
