package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-nlq/pkg/database"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// ContextStore reads the curated knowledge of a data source: catalog,
// semantic mappings, join policies, synonyms and examples. ReplaceCatalog
// is the write side used by schema sync.
type ContextStore interface {
	GetCatalog(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error)
	ListSemanticMappings(ctx context.Context, dataSourceID uuid.UUID) ([]models.SemanticMapping, error)
	ListJoinPolicies(ctx context.Context, dataSourceID uuid.UUID) ([]models.JoinPolicy, error)
	ListSynonyms(ctx context.Context, dataSourceID uuid.UUID) ([]models.Synonym, error)
	ListExamples(ctx context.Context, dataSourceID uuid.UUID) ([]models.Example, error)
	ReplaceCatalog(ctx context.Context, catalog *models.Catalog) error
}

type contextStore struct {
	db       *database.DB
	examples ExampleRepository
}

// NewContextStore creates a pgx-backed ContextStore.
func NewContextStore(db *database.DB) ContextStore {
	return &contextStore{db: db, examples: NewExampleRepository(db)}
}

var _ ContextStore = (*contextStore)(nil)

func (s *contextStore) GetCatalog(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error) {
	catalog := &models.Catalog{DataSourceID: dataSourceID}

	rows, err := s.db.Query(ctx, `
		SELECT schema_name, object_name, kind, business_name, description, row_estimate
		FROM nlq_catalog_objects WHERE data_source_id = $1
		ORDER BY schema_name, object_name`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog objects: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var o models.CatalogObject
		if err := rows.Scan(&o.Schema, &o.Name, &o.Kind, &o.BusinessName, &o.Description, &o.RowEstimate); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan catalog object: %w", err)
		}
		index[o.QualifiedName()] = len(catalog.Objects)
		catalog.Objects = append(catalog.Objects, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT schema_name, object_name, column_name, data_type, is_primary_key, is_nullable, description
		FROM nlq_catalog_columns WHERE data_source_id = $1
		ORDER BY schema_name, object_name, ordinal_position, column_name`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog columns: %w", err)
	}
	for rows.Next() {
		var schema, object string
		var c models.CatalogColumn
		if err := rows.Scan(&schema, &object, &c.Name, &c.DataType, &c.IsPrimaryKey, &c.IsNullable, &c.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan catalog column: %w", err)
		}
		if i, ok := index[schema+"."+object]; ok {
			catalog.Objects[i].Columns = append(catalog.Objects[i].Columns, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT from_schema, from_table, from_column, to_schema, to_table, to_column, cardinality
		FROM nlq_catalog_relationships WHERE data_source_id = $1
		ORDER BY from_schema, from_table, from_column, to_schema, to_table, to_column`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}
	catalog.Relationships, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Relationship, error) {
		var r models.Relationship
		err := row.Scan(&r.FromSchema, &r.FromTable, &r.FromColumn, &r.ToSchema, &r.ToTable, &r.ToColumn, &r.Cardinality)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan relationships: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT schema_name, table_name, index_name, columns, is_unique
		FROM nlq_catalog_indexes WHERE data_source_id = $1
		ORDER BY schema_name, table_name, index_name`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load indexes: %w", err)
	}
	catalog.Indexes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CatalogIndex, error) {
		var ix models.CatalogIndex
		err := row.Scan(&ix.Schema, &ix.Table, &ix.Name, &ix.Columns, &ix.Unique)
		return ix, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan indexes: %w", err)
	}

	return catalog, nil
}

func (s *contextStore) ListSemanticMappings(ctx context.Context, dataSourceID uuid.UUID) ([]models.SemanticMapping, error) {
	rows, err := s.db.Query(ctx, `
		SELECT term, target, expression, description FROM nlq_semantic_mappings
		WHERE data_source_id = $1 ORDER BY term, target`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list semantic mappings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SemanticMapping, error) {
		var m models.SemanticMapping
		err := row.Scan(&m.Term, &m.Target, &m.Expression, &m.Description)
		return m, err
	})
}

func (s *contextStore) ListJoinPolicies(ctx context.Context, dataSourceID uuid.UUID) ([]models.JoinPolicy, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, left_table, right_table, condition, approved FROM nlq_join_policies
		WHERE data_source_id = $1 ORDER BY name`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list join policies: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JoinPolicy, error) {
		var p models.JoinPolicy
		err := row.Scan(&p.Name, &p.LeftTable, &p.RightTable, &p.Condition, &p.Approved)
		return p, err
	})
}

func (s *contextStore) ListSynonyms(ctx context.Context, dataSourceID uuid.UUID) ([]models.Synonym, error) {
	rows, err := s.db.Query(ctx, `
		SELECT term, target, weight FROM nlq_synonyms
		WHERE data_source_id = $1 ORDER BY weight DESC, term`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list synonyms: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Synonym, error) {
		var syn models.Synonym
		err := row.Scan(&syn.Term, &syn.Target, &syn.Weight)
		return syn, err
	})
}

func (s *contextStore) ListExamples(ctx context.Context, dataSourceID uuid.UUID) ([]models.Example, error) {
	return s.examples.ListByDataSource(ctx, dataSourceID)
}

// ReplaceCatalog swaps the stored catalog of a data source in one transaction.
func (s *contextStore) ReplaceCatalog(ctx context.Context, catalog *models.Catalog) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		dsID := catalog.DataSourceID
		for _, table := range []string{"nlq_catalog_indexes", "nlq_catalog_relationships", "nlq_catalog_columns", "nlq_catalog_objects"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE data_source_id = $1`, dsID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		batch := &pgx.Batch{}
		for _, o := range catalog.Objects {
			kind := o.Kind
			if kind == "" {
				kind = models.ObjectKindTable
			}
			batch.Queue(`
				INSERT INTO nlq_catalog_objects (data_source_id, schema_name, object_name, kind, business_name, description, row_estimate)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				dsID, o.Schema, o.Name, kind, o.BusinessName, o.Description, o.RowEstimate)
			for i, c := range o.Columns {
				batch.Queue(`
					INSERT INTO nlq_catalog_columns (data_source_id, schema_name, object_name, column_name, ordinal_position, data_type, is_primary_key, is_nullable, description)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					dsID, o.Schema, o.Name, c.Name, i+1, c.DataType, c.IsPrimaryKey, c.IsNullable, c.Description)
			}
		}
		for _, r := range catalog.Relationships {
			batch.Queue(`
				INSERT INTO nlq_catalog_relationships (data_source_id, from_schema, from_table, from_column, to_schema, to_table, to_column, cardinality)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING`,
				dsID, r.FromSchema, r.FromTable, r.FromColumn, r.ToSchema, r.ToTable, r.ToColumn, r.Cardinality)
		}
		for _, ix := range catalog.Indexes {
			batch.Queue(`
				INSERT INTO nlq_catalog_indexes (data_source_id, schema_name, table_name, index_name, columns, is_unique)
				VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
				dsID, ix.Schema, ix.Table, ix.Name, ix.Columns, ix.Unique)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write catalog: %w", err)
		}
		return nil
	})
}
