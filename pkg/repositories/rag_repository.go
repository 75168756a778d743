package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/database"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retrieval"
)

// RagRepository is the Postgres ChunkStore. Lexical search uses the
// generated tsvector column with ts_rank_cd; vector search uses pgvector
// cosine distance. The connection pool must register pgvector types.
type RagRepository struct {
	db *database.DB
}

// NewRagRepository creates a pgx-backed ChunkStore.
func NewRagRepository(db *database.DB) *RagRepository {
	return &RagRepository{db: db}
}

var _ retrieval.ChunkStore = (*RagRepository)(nil)

func (r *RagRepository) GetDocument(ctx context.Context, dataSourceID uuid.UUID, docType models.DocType, sourceKey string) (*models.RagDocument, error) {
	var d models.RagDocument
	err := r.db.QueryRow(ctx, `
		SELECT id, data_source_id, doc_type, source_key, title, content, metadata, content_hash, created_at, updated_at
		FROM nlq_rag_documents
		WHERE data_source_id = $1 AND doc_type = $2 AND source_key = $3`,
		dataSourceID, docType, sourceKey).
		Scan(&d.ID, &d.DataSourceID, &d.DocType, &d.SourceKey, &d.Title, &d.Content,
			&d.Metadata, &d.ContentHash, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rag document: %w", err)
	}
	return &d, nil
}

func (r *RagRepository) ReplaceDocument(ctx context.Context, doc *models.RagDocument, chunks []models.RagChunk) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO nlq_rag_documents (id, data_source_id, doc_type, source_key, title, content, metadata, content_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (data_source_id, source_key) DO UPDATE SET
				doc_type = EXCLUDED.doc_type,
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				content_hash = EXCLUDED.content_hash,
				updated_at = EXCLUDED.updated_at
			RETURNING id, created_at`,
			doc.ID, doc.DataSourceID, doc.DocType, doc.SourceKey, doc.Title, doc.Content,
			metadataOrEmpty(doc.Metadata), doc.ContentHash, doc.CreatedAt, doc.UpdatedAt).
			Scan(&doc.ID, &doc.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert rag document: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM nlq_rag_chunks WHERE document_id = $1`, doc.ID); err != nil {
			return fmt.Errorf("failed to clear rag chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i := range chunks {
			c := &chunks[i]
			if c.ID == uuid.Nil {
				c.ID = uuid.New()
			}
			c.DocumentID = doc.ID
			batch.Queue(`
				INSERT INTO nlq_rag_chunks (id, document_id, ordinal, content, content_hash, token_count, metadata)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				c.ID, c.DocumentID, c.Ordinal, c.Content, c.ContentHash, c.TokenCount, metadataOrEmpty(c.Metadata))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert rag chunks: %w", err)
		}
		return nil
	})
}

func (r *RagRepository) ChunksMissingEmbedding(ctx context.Context, documentID uuid.UUID, model string) ([]models.RagChunk, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.document_id, c.ordinal, c.content, c.content_hash, c.token_count, c.metadata
		FROM nlq_rag_chunks c
		WHERE c.document_id = $1
		  AND NOT EXISTS (SELECT 1 FROM nlq_rag_embeddings e WHERE e.chunk_id = c.id AND e.model = $2)
		ORDER BY c.ordinal`, documentID, model)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks missing embeddings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RagChunk, error) {
		var c models.RagChunk
		err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.ContentHash, &c.TokenCount, &c.Metadata)
		return c, err
	})
}

func (r *RagRepository) SaveEmbeddings(ctx context.Context, embeddings []models.ChunkEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range embeddings {
		batch.Queue(`
			INSERT INTO nlq_rag_embeddings (chunk_id, model, embedding)
			VALUES ($1, $2, $3)
			ON CONFLICT (chunk_id, model) DO UPDATE SET embedding = EXCLUDED.embedding, created_at = now()`,
			e.ChunkID, e.Model, pgvector.NewVector(e.Vector))
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save embeddings: %w", err)
	}
	return nil
}

const scoredChunkColumns = `c.id, c.document_id, c.ordinal, c.content, c.content_hash, c.token_count, c.metadata,
	d.doc_type, d.source_key, d.title`

func (r *RagRepository) SearchLexical(ctx context.Context, terms []string, filter retrieval.SearchFilter) ([]retrieval.ScoredChunk, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	// Terms come from retrieval.Tokenize and are plain alphanumerics, so
	// OR-joining them yields a valid tsquery.
	query := strings.Join(terms, " | ")

	rows, err := r.db.Query(ctx, `
		WITH q AS (SELECT to_tsquery('english', $1) AS query)
		SELECT `+scoredChunkColumns+`, ts_rank_cd(c.tsv, q.query) AS score
		FROM nlq_rag_chunks c
		JOIN nlq_rag_documents d ON d.id = c.document_id, q
		WHERE d.data_source_id = $2
		  AND ($3::text[] IS NULL OR d.doc_type = ANY($3))
		  AND c.tsv @@ q.query
		ORDER BY score DESC, d.source_key, c.ordinal
		LIMIT $4`,
		query, filter.DataSourceID, docTypeArg(filter.DocTypes), searchLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks lexically: %w", err)
	}
	return pgx.CollectRows(rows, scanScoredChunk)
}

func (r *RagRepository) SearchVector(ctx context.Context, vector []float32, model string, filter retrieval.SearchFilter) ([]retrieval.ScoredChunk, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+scoredChunkColumns+`, 1 - (e.embedding <=> $1) AS score
		FROM nlq_rag_embeddings e
		JOIN nlq_rag_chunks c ON c.id = e.chunk_id
		JOIN nlq_rag_documents d ON d.id = c.document_id
		WHERE e.model = $2
		  AND vector_dims(e.embedding) = $3
		  AND d.data_source_id = $4
		  AND ($5::text[] IS NULL OR d.doc_type = ANY($5))
		ORDER BY e.embedding <=> $1, d.source_key, c.ordinal
		LIMIT $6`,
		pgvector.NewVector(vector), model, len(vector), filter.DataSourceID,
		docTypeArg(filter.DocTypes), searchLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks by vector: %w", err)
	}
	return pgx.CollectRows(rows, scanScoredChunk)
}

func (r *RagRepository) ListDocuments(ctx context.Context, dataSourceID uuid.UUID) ([]retrieval.DocumentKey, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, doc_type, source_key FROM nlq_rag_documents
		WHERE data_source_id = $1 ORDER BY source_key`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rag documents: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (retrieval.DocumentKey, error) {
		var k retrieval.DocumentKey
		err := row.Scan(&k.ID, &k.DocType, &k.SourceKey)
		return k, err
	})
}

func (r *RagRepository) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM nlq_rag_documents WHERE id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete rag document: %w", err)
	}
	return nil
}

func scanScoredChunk(row pgx.CollectableRow) (retrieval.ScoredChunk, error) {
	var sc retrieval.ScoredChunk
	c := &sc.Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.ContentHash, &c.TokenCount, &c.Metadata,
		&sc.DocType, &sc.SourceKey, &sc.Title, &sc.Score)
	return sc, err
}

func docTypeArg(types []models.DocType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func searchLimit(limit int) int {
	if limit <= 0 {
		return 32
	}
	return limit
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
