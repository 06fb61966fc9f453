package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/757built/engine/engine/domain"
)

// Index ties the embedder and the vector store together at the document
// level: one point per processed document.
type Index struct {
	store *VectorStore
	embed *EmbedClient
	log   *slog.Logger
}

// NewIndex creates a document index.
func NewIndex(store *VectorStore, embed *EmbedClient, log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{store: store, embed: embed, log: log}
}

// PointID derives a stable UUID point id from the metadata CID, falling back
// to the title digest when the document was never pinned.
func PointID(metadataCID, title string) string {
	key := metadataCID
	if key == "" {
		sum := sha256.Sum256([]byte(title))
		key = hex.EncodeToString(sum[:])
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// UpsertDocument embeds the raw text and stores the document point with its
// type, title and CID payload.
func (ix *Index) UpsertDocument(ctx context.Context, doc domain.Document, metadataCID, rawText string) error {
	vec, err := ix.embed.Embed(ctx, rawText)
	if err != nil {
		return fmt.Errorf("semantic: upsert document: %w", err)
	}
	rec := VectorRecord{
		ID:        PointID(metadataCID, doc.Title()),
		Embedding: vec,
		Payload: map[string]any{
			"cid":           metadataCID,
			"document_type": string(doc.Type),
			"title":         doc.Title(),
		},
	}
	return ix.store.Upsert(ctx, []VectorRecord{rec})
}

// SimilarDocs returns the metadata CIDs of the k documents nearest to the
// query text. Hits without a CID payload are skipped.
func (ix *Index) SimilarDocs(ctx context.Context, queryText string, k int) ([]string, error) {
	vec, err := ix.embed.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("semantic: similar docs: %w", err)
	}
	hits, err := ix.store.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	var cids []string
	for _, h := range hits {
		if h.CID != "" {
			cids = append(cids, h.CID)
		}
	}
	return cids, nil
}
