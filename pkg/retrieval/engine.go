package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// Config tunes hybrid ranking.
type Config struct {
	// VectorWeight is the share of the vector signal in the fused score.
	VectorWeight float64
	// CandidateMultiplier widens each signal's candidate list relative to K.
	CandidateMultiplier int
	// TopK is used when a query does not set K.
	TopK int
	// ExampleBoost scales example chunks by quality: 1-b+b*quality.
	ExampleBoost float64
}

// DefaultConfig returns the ranking defaults.
func DefaultConfig() Config {
	return Config{VectorWeight: 0.6, CandidateMultiplier: 4, TopK: 8, ExampleBoost: 0.5}
}

// Query is a retrieval request.
type Query struct {
	Text         string
	K            int
	DataSourceID uuid.UUID
	DocTypes     []models.DocType
}

// RankedChunk is a retrieved chunk with its fused score and per-signal parts.
type RankedChunk struct {
	ScoredChunk
	Rank          int
	LexicalScore  float64
	VectorScore   float64
	HasVectorHit  bool
	HasLexicalHit bool
}

// Result is an ordered retrieval result. Degraded means the vector signal
// was unavailable and ranking is lexical only.
type Result struct {
	Chunks   []RankedChunk
	Degraded bool
}

// IndexResult reports what Index did.
type IndexResult struct {
	DocumentID        uuid.UUID
	Unchanged         bool
	Chunks            int
	Embedded          int
	MissingEmbeddings int
}

// ReindexSummary reports a full data source reindex.
type ReindexSummary struct {
	Documents         int
	Indexed           int
	Unchanged         int
	Removed           int
	PendingEmbeddings int
}

// Engine indexes documents and serves hybrid retrieval.
type Engine struct {
	store    ChunkStore
	embedder llm.Embedder
	chunker  *Chunker
	cfg      Config
	logger   *zap.Logger

	mu           sync.Mutex
	lastIndexErr error
	lastErrAt    time.Time
}

// NewEngine creates an engine. A nil embedder disables vector retrieval.
func NewEngine(store ChunkStore, embedder llm.Embedder, chunker *Chunker, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = def.CandidateMultiplier
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.VectorWeight < 0 || cfg.VectorWeight > 1 {
		cfg.VectorWeight = def.VectorWeight
	}
	if cfg.ExampleBoost <= 0 || cfg.ExampleBoost > 1 {
		cfg.ExampleBoost = def.ExampleBoost
	}
	if chunker == nil {
		chunker = NewChunker(ChunkerConfig{}, nil)
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		chunker:  chunker,
		cfg:      cfg,
		logger:   logger.Named("retrieval"),
	}
}

// Index stores doc and its chunks. Unchanged content with complete
// embeddings is a no-op; unchanged content with missing embeddings only
// fills the gaps. When the embedder fails the chunks stay searchable
// lexically and the returned error wraps apperrors.ErrIndexUnavailable.
func (e *Engine) Index(ctx context.Context, doc *models.RagDocument) (*IndexResult, error) {
	doc.ContentHash = DocumentHash(doc)

	existing, err := e.store.GetDocument(ctx, doc.DataSourceID, doc.DocType, doc.SourceKey)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("load document %s: %w", doc.SourceKey, err)
	}

	if existing != nil && existing.ContentHash == doc.ContentHash {
		doc.ID = existing.ID
		res := &IndexResult{DocumentID: existing.ID}
		if e.embedder == nil {
			res.Unchanged = true
			return res, nil
		}
		missing, err := e.store.ChunksMissingEmbedding(ctx, existing.ID, e.embedder.Model())
		if err != nil {
			return nil, fmt.Errorf("list missing embeddings: %w", err)
		}
		if len(missing) == 0 {
			res.Unchanged = true
			return res, nil
		}
		return res, e.embedChunks(ctx, missing, res)
	}

	if existing != nil {
		doc.ID = existing.ID
	} else if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	chunks, err := e.chunker.Chunk(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", doc.SourceKey, err)
	}
	if err := e.store.ReplaceDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("store %s: %w", doc.SourceKey, err)
	}

	res := &IndexResult{DocumentID: doc.ID, Chunks: len(chunks)}
	e.logger.Debug("indexed document",
		zap.String("source_key", doc.SourceKey),
		zap.String("doc_type", string(doc.DocType)),
		zap.Int("chunks", len(chunks)))

	if e.embedder == nil || len(chunks) == 0 {
		return res, nil
	}
	for i := range chunks {
		chunks[i].DocumentID = doc.ID
	}
	return res, e.embedChunks(ctx, chunks, res)
}

func (e *Engine) embedChunks(ctx context.Context, chunks []models.RagChunk, res *IndexResult) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		res.MissingEmbeddings = len(chunks)
		e.recordIndexError(err)
		return fmt.Errorf("%w: %v", apperrors.ErrIndexUnavailable, err)
	}

	model := e.embedder.Model()
	embeddings := make([]models.ChunkEmbedding, 0, len(chunks))
	for i, c := range chunks {
		if i >= len(vectors) || len(vectors[i]) == 0 {
			continue
		}
		embeddings = append(embeddings, models.ChunkEmbedding{ChunkID: c.ID, Model: model, Vector: vectors[i]})
	}
	if err := e.store.SaveEmbeddings(ctx, embeddings); err != nil {
		res.MissingEmbeddings = len(chunks)
		return fmt.Errorf("save embeddings: %w", err)
	}
	res.Embedded = len(embeddings)
	res.MissingEmbeddings = len(chunks) - len(embeddings)
	e.clearIndexError()
	return nil
}

// Retrieve runs hybrid search. If the vector signal fails the result is
// lexical only and marked Degraded; Retrieve itself does not fail for that.
func (e *Engine) Retrieve(ctx context.Context, q Query) (*Result, error) {
	k := q.K
	if k <= 0 {
		k = e.cfg.TopK
	}
	filter := SearchFilter{
		DataSourceID: q.DataSourceID,
		DocTypes:     q.DocTypes,
		Limit:        k * e.cfg.CandidateMultiplier,
	}

	lexical, err := e.store.SearchLexical(ctx, UniqueTerms(q.Text), filter)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	result := &Result{}
	var vector []ScoredChunk
	if e.embedder != nil {
		vector, err = e.vectorCandidates(ctx, q.Text, filter)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			e.recordIndexError(err)
			e.logger.Warn("vector retrieval unavailable, falling back to lexical",
				zap.String("data_source_id", q.DataSourceID.String()),
				zap.Error(err))
			result.Degraded = true
			vector = nil
		}
	}

	weight := e.cfg.VectorWeight
	if e.embedder == nil || result.Degraded {
		weight = 0
	}
	result.Chunks = e.fuse(lexical, vector, weight, k)
	return result, nil
}

func (e *Engine) vectorCandidates(ctx context.Context, text string, filter SearchFilter) ([]ScoredChunk, error) {
	vectors, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("embedder returned no vector")
	}
	return e.store.SearchVector(ctx, vectors[0], e.embedder.Model(), filter)
}

// fuse min-max normalises each signal and combines them.
func (e *Engine) fuse(lexical, vector []ScoredChunk, weight float64, k int) []RankedChunk {
	byID := make(map[uuid.UUID]*RankedChunk)
	var order []uuid.UUID
	get := func(sc ScoredChunk) *RankedChunk {
		rc, ok := byID[sc.Chunk.ID]
		if !ok {
			rc = &RankedChunk{ScoredChunk: sc}
			byID[sc.Chunk.ID] = rc
			order = append(order, sc.Chunk.ID)
		}
		return rc
	}

	for i, s := range normalize(lexical) {
		rc := get(lexical[i])
		rc.LexicalScore = s
		rc.HasLexicalHit = true
	}
	for i, s := range normalize(vector) {
		rc := get(vector[i])
		rc.VectorScore = s
		rc.HasVectorHit = true
	}

	ranked := make([]RankedChunk, 0, len(order))
	for _, id := range order {
		rc := byID[id]
		score := weight*rc.VectorScore + (1-weight)*rc.LexicalScore
		if rc.DocType == models.DocTypeExample {
			score *= e.qualityFactor(rc.Chunk.Metadata[models.ChunkMetaQuality])
		}
		rc.Score = score
		if score <= 0 {
			continue
		}
		ranked = append(ranked, *rc)
	}

	sortRanked(ranked)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

func (e *Engine) qualityFactor(raw string) float64 {
	q, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 1
	}
	q = max(0, min(1, q))
	b := e.cfg.ExampleBoost
	return 1 - b + b*q
}

func sortRanked(chunks []RankedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return scoredLess(&chunks[i].ScoredChunk, &chunks[j].ScoredChunk)
	})
}

func normalize(chunks []ScoredChunk) []float64 {
	out := make([]float64, len(chunks))
	if len(chunks) == 0 {
		return out
	}
	lo, hi := chunks[0].Score, chunks[0].Score
	for _, c := range chunks {
		lo = min(lo, c.Score)
		hi = max(hi, c.Score)
	}
	for i, c := range chunks {
		if hi == lo {
			out[i] = 1
			continue
		}
		out[i] = (c.Score - lo) / (hi - lo)
	}
	return out
}

// ReindexDataSource rebuilds the index of one data source from src and
// removes documents whose source no longer exists. Documents whose
// embeddings could not be computed are counted in PendingEmbeddings and the
// returned error wraps apperrors.ErrIndexUnavailable.
func (e *Engine) ReindexDataSource(ctx context.Context, src ContextSource, dataSourceID uuid.UUID) (*ReindexSummary, error) {
	docs, err := BuildDocuments(ctx, src, dataSourceID)
	if err != nil {
		return nil, err
	}

	summary := &ReindexSummary{Documents: len(docs)}
	keep := make(map[string]struct{}, len(docs))
	var indexErr error
	for _, doc := range docs {
		keep[string(doc.DocType)+"|"+doc.SourceKey] = struct{}{}
		res, err := e.Index(ctx, doc)
		switch {
		case err == nil && res.Unchanged:
			summary.Unchanged++
		case err == nil:
			summary.Indexed++
		case errors.Is(err, apperrors.ErrIndexUnavailable):
			summary.Indexed++
			summary.PendingEmbeddings++
			indexErr = err
		default:
			return summary, err
		}
	}

	existing, err := e.store.ListDocuments(ctx, dataSourceID)
	if err != nil {
		return summary, fmt.Errorf("list documents: %w", err)
	}
	for _, key := range existing {
		if _, ok := keep[string(key.DocType)+"|"+key.SourceKey]; ok {
			continue
		}
		if err := e.store.DeleteDocument(ctx, key.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return summary, fmt.Errorf("remove stale document %s: %w", key.SourceKey, err)
		}
		summary.Removed++
	}

	e.logger.Info("reindexed data source",
		zap.String("data_source_id", dataSourceID.String()),
		zap.Int("documents", summary.Documents),
		zap.Int("indexed", summary.Indexed),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("removed", summary.Removed),
		zap.Int("pending_embeddings", summary.PendingEmbeddings))
	return summary, indexErr
}

// LastIndexError reports the last embedding failure and when it happened.
// A later successful embedding clears it.
func (e *Engine) LastIndexError() (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErrAt, e.lastIndexErr
}

func (e *Engine) recordIndexError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastIndexErr = fmt.Errorf("%w: %v", apperrors.ErrIndexUnavailable, err)
	e.lastErrAt = time.Now()
}

func (e *Engine) clearIndexError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastIndexErr = nil
}
