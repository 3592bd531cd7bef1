// Package chunk implements the chunk store: normalized text chunks derived
// from ingested documents, each with a stable content-derived identifier and
// source lineage.
//
// Chunks are immutable. Re-ingesting a document supersedes its prior chunks
// in one transaction; rows are never mutated in place.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// idLength is the number of hex characters kept from the content hash.
// 32 hex chars = 128 bits, ample for collision resistance at any realistic
// corpus size.
const idLength = 32

// Chunk is the atomic retrieval unit: a bounded span of source-document
// text with its access-control labels.
type Chunk struct {
	ID         string            // stable, content-derived
	DocumentID string            // source lineage
	Ordinal    int               // position within the document
	Text       string
	Scopes     []string          // required scopes; empty = public within the tenant
	Metadata   map[string]string // optional tags
	CreatedAt  time.Time
}

// Record pairs a chunk with its embedding for persistence. The embedding
// index is the serving path; Postgres is the durable source it warm-starts
// from.
type Record struct {
	Chunk        Chunk
	Embedding    []float32
	ModelVersion string
}

// NewID derives a stable chunk identifier from document identity, position
// and content. The same (document, ordinal, text) triple always produces
// the same ID, so re-ingesting unchanged content is a no-op upsert.
func NewID(documentID string, ordinal int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00", documentID, ordinal)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

// New builds a Chunk with a derived ID and the current timestamp.
func New(documentID string, ordinal int, text string, scopes []string, metadata map[string]string) Chunk {
	return Chunk{
		ID:         NewID(documentID, ordinal, text),
		DocumentID: documentID,
		Ordinal:    ordinal,
		Text:       text,
		Scopes:     scopes,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
}
