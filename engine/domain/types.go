// Package domain defines the processed document schema, document classes,
// and validation for the 757Built pipeline. It acts as the validation gate
// between LLM extraction and the graph writer.
package domain

// Class is the detected document class.
type Class string

const (
	ClassProject  Class = "project"
	ClassPatent   Class = "patent"
	ClassResearch Class = "research"
	ClassOther    Class = "other"
)

// ValidClasses is the set of recognised document classes.
var ValidClasses = map[Class]bool{
	ClassProject: true, ClassPatent: true, ClassResearch: true, ClassOther: true,
}

// Location is a place mentioned by a document, optionally geocoded.
type Location struct {
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lng  *float64 `json:"lng,omitempty"`
}

// Entities groups the named entities extracted from a document.
type Entities struct {
	People        []map[string]any `json:"people,omitempty"`
	Organizations []map[string]any `json:"organizations,omitempty"`
	Companies     []map[string]any `json:"companies,omitempty"`
}

// Relationship links two extracted entities with a raw relation phrase.
// The graph writer canonicalises the phrase before merging.
type Relationship struct {
	Source       string `json:"source"`
	Relationship string `json:"relationship"`
	Target       string `json:"target"`
}

// Date is a dated event attached to a document.
type Date struct {
	Date        string `json:"date"`
	Description string `json:"description,omitempty"`
}

// Document is the structured output of extraction for one source document.
// Exactly one of the class blocks is expected to be populated, matching Type.
type Document struct {
	Type          Class            `json:"document_type"`
	Project       map[string]any   `json:"project,omitempty"`
	Patent        map[string]any   `json:"patent,omitempty"`
	Research      map[string]any   `json:"research,omitempty"`
	Locations     []Location       `json:"locations,omitempty"`
	Entities      *Entities        `json:"entities,omitempty"`
	Relationships []Relationship   `json:"relationships,omitempty"`
	Funding       map[string]any   `json:"funding,omitempty"`
	ContactInfo   map[string]any   `json:"contact_info,omitempty"`
	Dates         []Date           `json:"dates,omitempty"`
	TextContent   string           `json:"text_content,omitempty"`
}

// Title returns the best available display title for the document.
func (d Document) Title() string {
	for _, block := range []map[string]any{d.Project, d.Patent, d.Research} {
		if block == nil {
			continue
		}
		for _, key := range []string{"name", "title"} {
			if v, ok := block[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}

// ClassBlock returns the block matching the document's declared class,
// or nil for ClassOther.
func (d Document) ClassBlock() map[string]any {
	switch d.Type {
	case ClassProject:
		return d.Project
	case ClassPatent:
		return d.Patent
	case ClassResearch:
		return d.Research
	}
	return nil
}
