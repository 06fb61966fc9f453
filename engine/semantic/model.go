package semantic

// DocumentHit is a single vector search hit over processed documents.
type DocumentHit struct {
	CID          string  `json:"cid"`
	Score        float32 `json:"score"`
	DocumentType string  `json:"document_type"`
	Title        string  `json:"title"`
}

// VectorRecord is a single point to store in Qdrant.
type VectorRecord struct {
	ID        string // UUID string
	Embedding []float32
	Payload   map[string]any // cid, document_type, title
}
