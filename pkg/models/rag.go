package models

import (
	"time"

	"github.com/google/uuid"
)

// DocType classifies retrieval documents.
type DocType string

const (
	DocTypeSchema   DocType = "schema"
	DocTypeSemantic DocType = "semantic"
	DocTypeExample  DocType = "example"
	DocTypePolicy   DocType = "policy"
	DocTypeNote     DocType = "note"
)

// RagDocument is a unit of source material for retrieval.
type RagDocument struct {
	ID           uuid.UUID         `json:"id"`
	DataSourceID uuid.UUID         `json:"data_source_id"`
	DocType      DocType           `json:"doc_type"`
	SourceKey    string            `json:"source_key"`
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ContentHash  string            `json:"content_hash"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RagChunk is an ordinal slice of a document.
type RagChunk struct {
	ID          uuid.UUID         `json:"id"`
	DocumentID  uuid.UUID         `json:"document_id"`
	Ordinal     int               `json:"ordinal"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	TokenCount  int               `json:"token_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChunkEmbedding is the vector of a chunk under one embedding model.
type ChunkEmbedding struct {
	ChunkID uuid.UUID `json:"chunk_id"`
	Model   string    `json:"model"`
	Vector  []float32 `json:"-"`
}

// Chunk metadata keys.
const (
	ChunkMetaObjects  = "objects"  // comma-separated schema.table refs
	ChunkMetaQuestion = "question" // example question
	ChunkMetaSQL      = "sql"      // example SQL
	ChunkMetaQuality  = "quality"  // example quality score
)
