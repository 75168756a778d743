package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

func int64Ptr(v int64) *int64 { return &v }

// shopCatalog mirrors the schema the integration containers seed.
func shopCatalog(dsID uuid.UUID) *models.Catalog {
	return &models.Catalog{
		DataSourceID: dsID,
		Objects: []models.CatalogObject{
			{
				Schema: "shop", Name: "customers", Kind: models.ObjectKindTable,
				BusinessName: "Client", RowEstimate: int64Ptr(50),
				Columns: []models.CatalogColumn{
					{Name: "id", DataType: "integer", IsPrimaryKey: true},
					{Name: "name", DataType: "text"},
					{Name: "region", DataType: "text"},
				},
			},
			{
				Schema: "shop", Name: "orders", Kind: models.ObjectKindTable, RowEstimate: int64Ptr(2000),
				Columns: []models.CatalogColumn{
					{Name: "id", DataType: "integer", IsPrimaryKey: true},
					{Name: "customer_id", DataType: "integer"},
					{Name: "total", DataType: "numeric(12,2)"},
					{Name: "placed_at", DataType: "date"},
				},
			},
			{
				Schema: "shop", Name: "products", Kind: models.ObjectKindTable, RowEstimate: int64Ptr(10),
				Columns: []models.CatalogColumn{
					{Name: "id", DataType: "integer", IsPrimaryKey: true},
					{Name: "title", DataType: "text"},
				},
			},
		},
		Relationships: []models.Relationship{
			{FromSchema: "shop", FromTable: "orders", FromColumn: "customer_id", ToSchema: "shop", ToTable: "customers", ToColumn: "id", Cardinality: "N:1"},
		},
	}
}

// largeCatalog returns n unrelated tables named t000..t(n-1).
func largeCatalog(dsID uuid.UUID, n int) *models.Catalog {
	c := &models.Catalog{DataSourceID: dsID}
	for i := 0; i < n; i++ {
		c.Objects = append(c.Objects, models.CatalogObject{
			Schema: "wide", Name: fmt.Sprintf("t%03d", i), Kind: models.ObjectKindTable,
			Columns: []models.CatalogColumn{{Name: "id", DataType: "integer", IsPrimaryKey: true}},
		})
	}
	return c
}

// memoryKnowledge is an in-memory KnowledgeReader and ContextSource.
type memoryKnowledge struct {
	mu       sync.Mutex
	catalogs map[uuid.UUID]*models.Catalog
	mappings map[uuid.UUID][]models.SemanticMapping
	policies map[uuid.UUID][]models.JoinPolicy
	synonyms map[uuid.UUID][]models.Synonym
	examples map[uuid.UUID][]models.Example
	replaced int
}

func newMemoryKnowledge() *memoryKnowledge {
	return &memoryKnowledge{
		catalogs: make(map[uuid.UUID]*models.Catalog),
		mappings: make(map[uuid.UUID][]models.SemanticMapping),
		policies: make(map[uuid.UUID][]models.JoinPolicy),
		synonyms: make(map[uuid.UUID][]models.Synonym),
		examples: make(map[uuid.UUID][]models.Example),
	}
}

func (m *memoryKnowledge) GetCatalog(ctx context.Context, dsID uuid.UUID) (*models.Catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.catalogs[dsID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return c, nil
}

func (m *memoryKnowledge) ReplaceCatalog(ctx context.Context, catalog *models.Catalog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[catalog.DataSourceID] = catalog
	m.replaced++
	return nil
}

func (m *memoryKnowledge) ListSemanticMappings(ctx context.Context, dsID uuid.UUID) ([]models.SemanticMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings[dsID], nil
}

func (m *memoryKnowledge) ListJoinPolicies(ctx context.Context, dsID uuid.UUID) ([]models.JoinPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[dsID], nil
}

func (m *memoryKnowledge) ListSynonyms(ctx context.Context, dsID uuid.UUID) ([]models.Synonym, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synonyms[dsID], nil
}

func (m *memoryKnowledge) ListExamples(ctx context.Context, dsID uuid.UUID) ([]models.Example, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Example(nil), m.examples[dsID]...), nil
}

func (m *memoryKnowledge) addExample(ex *models.Example) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.examples[ex.DataSourceID] = append(m.examples[ex.DataSourceID], *ex)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
