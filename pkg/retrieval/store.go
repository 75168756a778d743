// Package retrieval indexes data source knowledge into chunks and serves
// hybrid lexical + vector search over them.
package retrieval

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// SearchFilter scopes a chunk search.
type SearchFilter struct {
	DataSourceID uuid.UUID
	DocTypes     []models.DocType // empty = all types
	Limit        int
}

// ScoredChunk is a chunk with its raw score from one retrieval signal.
type ScoredChunk struct {
	Chunk     models.RagChunk
	DocType   models.DocType
	SourceKey string
	Title     string
	Score     float64
}

// DocumentKey identifies a stored document by its source.
type DocumentKey struct {
	ID        uuid.UUID
	DocType   models.DocType
	SourceKey string
}

// ChunkStore persists documents, chunks and embeddings.
type ChunkStore interface {
	// GetDocument returns the stored document for (data source, type, source key),
	// or apperrors.ErrNotFound.
	GetDocument(ctx context.Context, dataSourceID uuid.UUID, docType models.DocType, sourceKey string) (*models.RagDocument, error)

	// ReplaceDocument upserts the document and atomically replaces its chunk set.
	// Embeddings of replaced chunks are removed with them. The document ID is
	// preserved when a document with the same source already exists.
	ReplaceDocument(ctx context.Context, doc *models.RagDocument, chunks []models.RagChunk) error

	// ChunksMissingEmbedding lists the document's chunks that have no vector for model.
	ChunksMissingEmbedding(ctx context.Context, documentID uuid.UUID, model string) ([]models.RagChunk, error)

	// SaveEmbeddings stores vectors, at most one per (chunk, model).
	SaveEmbeddings(ctx context.Context, embeddings []models.ChunkEmbedding) error

	// SearchLexical ranks chunks by keyword relevance to terms.
	SearchLexical(ctx context.Context, terms []string, filter SearchFilter) ([]ScoredChunk, error)

	// SearchVector ranks chunks by cosine similarity to vector under model.
	SearchVector(ctx context.Context, vector []float32, model string, filter SearchFilter) ([]ScoredChunk, error)

	// ListDocuments returns the keys of every document of a data source.
	ListDocuments(ctx context.Context, dataSourceID uuid.UUID) ([]DocumentKey, error)

	// DeleteDocument removes a document with its chunks and embeddings.
	DeleteDocument(ctx context.Context, documentID uuid.UUID) error
}

// ContextSource reads the curated knowledge of a data source.
type ContextSource interface {
	GetCatalog(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error)
	ListSemanticMappings(ctx context.Context, dataSourceID uuid.UUID) ([]models.SemanticMapping, error)
	ListJoinPolicies(ctx context.Context, dataSourceID uuid.UUID) ([]models.JoinPolicy, error)
	ListExamples(ctx context.Context, dataSourceID uuid.UUID) ([]models.Example, error)
}
