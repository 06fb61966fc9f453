package domain

// Normalize repairs a document in place so downstream stages see a
// consistent shape: an unknown class becomes ClassOther, and a class whose
// matching block is missing is demoted to ClassOther rather than rejected.
// Returns the normalized document.
func Normalize(d Document) Document {
	if !ValidClasses[d.Type] {
		d.Type = ClassOther
	}
	if d.Type != ClassOther && len(d.ClassBlock()) == 0 {
		d.Type = ClassOther
	}
	return d
}

// Validate checks a normalized document before it is published to the graph
// writer. Empty documents and malformed relationships are rejected; partial
// entity data is allowed.
func Validate(d Document) error {
	if !ValidClasses[d.Type] {
		return NewValidationError("document_type", string(d.Type), ErrUnknownClass)
	}
	if isEmpty(d) {
		return NewValidationError("document", "", ErrEmptyDocument)
	}
	for _, r := range d.Relationships {
		if r.Source == "" || r.Target == "" {
			return NewValidationError("relationships", r.Relationship, ErrBadRelationship)
		}
	}
	return nil
}

func isEmpty(d Document) bool {
	if len(d.Project) > 0 || len(d.Patent) > 0 || len(d.Research) > 0 {
		return false
	}
	if len(d.Locations) > 0 || len(d.Relationships) > 0 || len(d.Dates) > 0 {
		return false
	}
	if d.Entities != nil {
		if len(d.Entities.People) > 0 || len(d.Entities.Organizations) > 0 || len(d.Entities.Companies) > 0 {
			return false
		}
	}
	return d.TextContent == ""
}
