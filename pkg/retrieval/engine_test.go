package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

var testDS = uuid.MustParse("6f1c1f3e-4d7a-4a8e-9f3e-2b1c0d9e8a7b")

func newTestEngine(embedder llm.Embedder) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	chunker := NewChunker(ChunkerConfig{ChunkSize: 200, ChunkOverlap: 20, MaxColumnsPerChunk: 3}, &llm.TokenCounter{})
	return NewEngine(store, embedder, chunker, DefaultConfig(), zap.NewNop()), store
}

func noteDoc(key, content string) *models.RagDocument {
	return &models.RagDocument{
		DataSourceID: testDS,
		DocType:      models.DocTypeNote,
		SourceKey:    key,
		Title:        key,
		Content:      content,
	}
}

func TestIndex_IsIdempotent(t *testing.T) {
	emb := llm.NewMockEmbedder(16)
	engine, _ := newTestEngine(emb)
	ctx := context.Background()

	first, err := engine.Index(ctx, noteDoc("revenue", "Revenue is the sum of order totals."))
	require.NoError(t, err)
	assert.False(t, first.Unchanged)
	assert.Equal(t, 1, first.Chunks)
	assert.Equal(t, 1, first.Embedded)

	callsBefore, _ := emb.Calls()
	second, err := engine.Index(ctx, noteDoc("revenue", "Revenue is the sum of order totals."))
	require.NoError(t, err)
	assert.True(t, second.Unchanged)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	callsAfter, _ := emb.Calls()
	assert.Equal(t, callsBefore, callsAfter, "unchanged document must not be re-embedded")
}

func TestIndex_ChangedContentReplacesChunks(t *testing.T) {
	engine, store := newTestEngine(llm.NewMockEmbedder(16))
	ctx := context.Background()

	first, err := engine.Index(ctx, noteDoc("churn", "Churn counts cancelled subscriptions."))
	require.NoError(t, err)

	second, err := engine.Index(ctx, noteDoc("churn", "Churn counts cancelled and lapsed subscriptions."))
	require.NoError(t, err)
	assert.False(t, second.Unchanged)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	hits, err := store.SearchLexical(ctx, []string{"lapsed"}, SearchFilter{DataSourceID: testDS})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = store.SearchLexical(ctx, []string{"churn"}, SearchFilter{DataSourceID: testDS})
	require.NoError(t, err)
	assert.Len(t, hits, 1, "old chunk set must be gone")
}

func TestIndex_EmbedderDownKeepsChunksAndFillsLater(t *testing.T) {
	emb := llm.NewMockEmbedder(16)
	emb.Err = errors.New("connection refused")
	engine, store := newTestEngine(emb)
	ctx := context.Background()

	res, err := engine.Index(ctx, noteDoc("margin", "Gross margin is revenue minus cost."))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrIndexUnavailable))
	require.NotNil(t, res)
	assert.Equal(t, 1, res.MissingEmbeddings)

	_, lastErr := engine.LastIndexError()
	assert.Error(t, lastErr)

	// Chunks are already searchable lexically.
	hits, err := store.SearchLexical(ctx, []string{"margin"}, SearchFilter{DataSourceID: testDS})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	emb.Err = nil
	res, err = engine.Index(ctx, noteDoc("margin", "Gross margin is revenue minus cost."))
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, 1, res.Embedded)
	assert.Zero(t, res.Chunks, "hash unchanged: only embeddings are filled")

	missing, err := store.ChunksMissingEmbedding(ctx, res.DocumentID, emb.Model())
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, lastErr = engine.LastIndexError()
	assert.NoError(t, lastErr)
}

func TestRetrieve_HybridRanking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VectorWeight = 0.3
	engine := NewEngine(NewMemoryStore(), llm.NewMockEmbedder(32),
		NewChunker(ChunkerConfig{}, &llm.TokenCounter{}), cfg, zap.NewNop())
	ctx := context.Background()

	for key, content := range map[string]string{
		"revenue":  "Revenue is the sum of order totals per month.",
		"shipping": "Shipping time measures days between order and delivery.",
		"staff":    "Employees belong to departments.",
	} {
		_, err := engine.Index(ctx, noteDoc(key, content))
		require.NoError(t, err)
	}

	res, err := engine.Retrieve(ctx, Query{Text: "monthly revenue", K: 2, DataSourceID: testDS})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.NotEmpty(t, res.Chunks)
	assert.LessOrEqual(t, len(res.Chunks), 2)
	assert.Equal(t, "revenue", res.Chunks[0].SourceKey)
	assert.Equal(t, 1, res.Chunks[0].Rank)
	assert.True(t, res.Chunks[0].HasLexicalHit)
	assert.True(t, res.Chunks[0].HasVectorHit)
}

func TestRetrieve_DegradesToLexicalWhenEmbedderFails(t *testing.T) {
	emb := llm.NewMockEmbedder(16)
	engine, _ := newTestEngine(emb)
	ctx := context.Background()

	_, err := engine.Index(ctx, noteDoc("revenue", "Revenue is the sum of order totals."))
	require.NoError(t, err)
	_, err = engine.Index(ctx, noteDoc("staff", "Employees belong to departments."))
	require.NoError(t, err)

	emb.Err = llm.ErrProviderUnavailable
	res, err := engine.Retrieve(ctx, Query{Text: "revenue by order", DataSourceID: testDS})
	require.NoError(t, err, "retrieval must not fail when the index is unavailable")
	assert.True(t, res.Degraded)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "revenue", res.Chunks[0].SourceKey)
	assert.False(t, res.Chunks[0].HasVectorHit)
}

func TestRetrieve_WithoutEmbedderIsLexicalNotDegraded(t *testing.T) {
	engine, _ := newTestEngine(nil)
	ctx := context.Background()

	_, err := engine.Index(ctx, noteDoc("revenue", "Revenue is the sum of order totals."))
	require.NoError(t, err)

	res, err := engine.Retrieve(ctx, Query{Text: "revenue", DataSourceID: testDS})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Len(t, res.Chunks, 1)
}

func TestRetrieve_FiltersByDataSourceAndType(t *testing.T) {
	engine, _ := newTestEngine(nil)
	ctx := context.Background()

	other := noteDoc("revenue", "Revenue for another warehouse.")
	other.DataSourceID = uuid.New()
	_, err := engine.Index(ctx, other)
	require.NoError(t, err)
	_, err = engine.Index(ctx, noteDoc("revenue", "Revenue is the sum of order totals."))
	require.NoError(t, err)

	res, err := engine.Retrieve(ctx, Query{Text: "revenue", DataSourceID: testDS})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Contains(t, res.Chunks[0].Chunk.Content, "order totals")

	res, err = engine.Retrieve(ctx, Query{Text: "revenue", DataSourceID: testDS, DocTypes: []models.DocType{models.DocTypeExample}})
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
}

func TestRetrieve_ExampleQualityBoost(t *testing.T) {
	engine, _ := newTestEngine(nil)
	ctx := context.Background()

	good := &models.Example{ID: uuid.New(), DataSourceID: testDS, Question: "total revenue", SQL: "SELECT sum(total) FROM orders", QualityScore: 1}
	poor := &models.Example{ID: uuid.New(), DataSourceID: testDS, Question: "total revenue", SQL: "SELECT sum(total) FROM orders", QualityScore: 0.1}
	_, err := engine.Index(ctx, ExampleDocument(poor))
	require.NoError(t, err)
	_, err = engine.Index(ctx, ExampleDocument(good))
	require.NoError(t, err)

	res, err := engine.Retrieve(ctx, Query{Text: "total revenue", DataSourceID: testDS})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "example:"+good.ID.String(), res.Chunks[0].SourceKey)
	assert.Greater(t, res.Chunks[0].Score, res.Chunks[1].Score)
}

func TestRetrieve_DeterministicOrder(t *testing.T) {
	engine, _ := newTestEngine(nil)
	ctx := context.Background()

	for _, key := range []string{"b", "a", "c"} {
		_, err := engine.Index(ctx, noteDoc(key, "orders table holds orders"))
		require.NoError(t, err)
	}
	res, err := engine.Retrieve(ctx, Query{Text: "orders", DataSourceID: testDS})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, "a", res.Chunks[0].SourceKey)
	assert.Equal(t, "b", res.Chunks[1].SourceKey)
	assert.Equal(t, "c", res.Chunks[2].SourceKey)
}

type fakeSource struct {
	catalog  *models.Catalog
	mappings []models.SemanticMapping
	policies []models.JoinPolicy
	examples []models.Example
}

func (f *fakeSource) GetCatalog(ctx context.Context, id uuid.UUID) (*models.Catalog, error) {
	return f.catalog, nil
}

func (f *fakeSource) ListSemanticMappings(ctx context.Context, id uuid.UUID) ([]models.SemanticMapping, error) {
	return f.mappings, nil
}

func (f *fakeSource) ListJoinPolicies(ctx context.Context, id uuid.UUID) ([]models.JoinPolicy, error) {
	return f.policies, nil
}

func (f *fakeSource) ListExamples(ctx context.Context, id uuid.UUID) ([]models.Example, error) {
	return f.examples, nil
}

func testCatalog() *models.Catalog {
	return &models.Catalog{
		DataSourceID: testDS,
		Objects: []models.CatalogObject{
			{Schema: "public", Name: "orders", Kind: models.ObjectKindTable, Columns: []models.CatalogColumn{
				{Name: "id", DataType: "bigint", IsPrimaryKey: true},
				{Name: "customer_id", DataType: "bigint"},
				{Name: "total", DataType: "numeric"},
			}},
			{Schema: "public", Name: "customers", Kind: models.ObjectKindTable, Columns: []models.CatalogColumn{
				{Name: "id", DataType: "bigint", IsPrimaryKey: true},
				{Name: "name", DataType: "text"},
			}},
		},
		Relationships: []models.Relationship{
			{FromSchema: "public", FromTable: "orders", FromColumn: "customer_id", ToSchema: "public", ToTable: "customers", ToColumn: "id"},
		},
	}
}

func TestReindexDataSource_IndexesAndRemovesStale(t *testing.T) {
	engine, store := newTestEngine(llm.NewMockEmbedder(16))
	ctx := context.Background()

	src := &fakeSource{
		catalog:  testCatalog(),
		mappings: []models.SemanticMapping{{Term: "revenue", Target: "public.orders.total", Expression: "sum(total)"}},
		policies: []models.JoinPolicy{
			{Name: "orders_customers", LeftTable: "public.orders", RightTable: "public.customers", Condition: "orders.customer_id = customers.id", Approved: true},
			{Name: "unapproved", LeftTable: "public.orders", RightTable: "public.customers", Condition: "true"},
		},
	}

	summary, err := engine.ReindexDataSource(ctx, src, testDS)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Documents)
	assert.Equal(t, 4, summary.Indexed)

	again, err := engine.ReindexDataSource(ctx, src, testDS)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Unchanged)
	assert.Zero(t, again.Indexed)

	src.catalog.Objects = src.catalog.Objects[:1]
	src.mappings = nil
	pruned, err := engine.ReindexDataSource(ctx, src, testDS)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned.Removed)

	keys, err := store.ListDocuments(ctx, testDS)
	require.NoError(t, err)
	var sourceKeys []string
	for _, k := range keys {
		sourceKeys = append(sourceKeys, k.SourceKey)
	}
	assert.ElementsMatch(t, []string{"object:public.orders", "policy:orders_customers"}, sourceKeys)
}

func TestReindexDataSource_PendingEmbeddings(t *testing.T) {
	emb := llm.NewMockEmbedder(16)
	emb.Err = errors.New("503 service unavailable")
	engine, _ := newTestEngine(emb)

	summary, err := engine.ReindexDataSource(context.Background(), &fakeSource{catalog: testCatalog()}, testDS)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrIndexUnavailable))
	assert.Equal(t, 2, summary.PendingEmbeddings)
}
