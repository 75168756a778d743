package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

const excludedSchemas = `('pg_catalog', 'information_schema', 'pg_toast')`

// DiscoverCatalog reads tables, views, columns, foreign keys and indexes of
// all user schemas into a catalog snapshot.
func (a *Adapter) DiscoverCatalog(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error) {
	catalog := &models.Catalog{DataSourceID: dataSourceID}

	index, err := a.discoverObjects(ctx, catalog)
	if err != nil {
		return nil, err
	}
	if err := a.discoverColumns(ctx, catalog, index); err != nil {
		return nil, err
	}
	if catalog.Relationships, err = a.discoverForeignKeys(ctx); err != nil {
		return nil, err
	}
	if catalog.Indexes, err = a.discoverIndexes(ctx); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (a *Adapter) discoverObjects(ctx context.Context, catalog *models.Catalog) (map[string]int, error) {
	const query = `
		SELECT
			n.nspname,
			c.relname,
			CASE WHEN c.relkind IN ('v', 'm') THEN 'view' ELSE 'table' END AS kind,
			COALESCE(obj_description(c.oid, 'pg_class'), '') AS description,
			CASE WHEN c.reltuples >= 0 THEN c.reltuples::bigint END AS row_estimate
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p', 'v', 'm')
		  AND n.nspname NOT IN ` + excludedSchemas + `
		  AND n.nspname NOT LIKE 'pg_temp%'
		ORDER BY n.nspname, c.relname
	`

	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var o models.CatalogObject
		if err := rows.Scan(&o.Schema, &o.Name, &o.Kind, &o.Description, &o.RowEstimate); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		index[o.QualifiedName()] = len(catalog.Objects)
		catalog.Objects = append(catalog.Objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return index, nil
}

// discoverColumns uses pg_index.indisprimary for primary key detection,
// which also catches primary keys created as unique indexes by ORMs.
func (a *Adapter) discoverColumns(ctx context.Context, catalog *models.Catalog, index map[string]int) error {
	const query = `
		SELECT
			n.nspname,
			c.relname,
			att.attname,
			format_type(att.atttypid, att.atttypmod) AS data_type,
			NOT att.attnotnull AS is_nullable,
			EXISTS (
				SELECT 1 FROM pg_index ix
				WHERE ix.indrelid = c.oid AND ix.indisprimary AND att.attnum = ANY(ix.indkey)
			) AS is_primary_key,
			COALESCE(col_description(c.oid, att.attnum), '') AS description
		FROM pg_attribute att
		JOIN pg_class c ON c.oid = att.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p', 'v', 'm')
		  AND att.attnum > 0
		  AND NOT att.attisdropped
		  AND n.nspname NOT IN ` + excludedSchemas + `
		  AND n.nspname NOT LIKE 'pg_temp%'
		ORDER BY n.nspname, c.relname, att.attnum
	`

	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table string
		var col models.CatalogColumn
		if err := rows.Scan(&schema, &table, &col.Name, &col.DataType, &col.IsNullable, &col.IsPrimaryKey, &col.Description); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		if i, ok := index[schema+"."+table]; ok {
			catalog.Objects[i].Columns = append(catalog.Objects[i].Columns, col)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}
	return nil
}

func (a *Adapter) discoverForeignKeys(ctx context.Context) ([]models.Relationship, error) {
	const query = `
		SELECT
			kcu.table_schema AS source_schema,
			kcu.table_name AS source_table,
			kcu.column_name AS source_column,
			ccu.table_schema AS target_schema,
			ccu.table_name AS target_table,
			ccu.column_name AS target_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema NOT IN ` + excludedSchemas + `
		ORDER BY 1, 2, 3, 4, 5, 6
	`

	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var rels []models.Relationship
	for rows.Next() {
		r := models.Relationship{Cardinality: "N:1"}
		if err := rows.Scan(&r.FromSchema, &r.FromTable, &r.FromColumn, &r.ToSchema, &r.ToTable, &r.ToColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return rels, nil
}

func (a *Adapter) discoverIndexes(ctx context.Context) ([]models.CatalogIndex, error) {
	const query = `
		SELECT
			n.nspname,
			t.relname,
			i.relname,
			ARRAY(
				SELECT att.attname
				FROM unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
				JOIN pg_attribute att ON att.attrelid = t.oid AND att.attnum = k.attnum
				ORDER BY k.ord
			) AS columns,
			ix.indisunique
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname NOT IN ` + excludedSchemas + `
		  AND n.nspname NOT LIKE 'pg_temp%'
		ORDER BY n.nspname, t.relname, i.relname
	`

	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []models.CatalogIndex
	for rows.Next() {
		var ix models.CatalogIndex
		if err := rows.Scan(&ix.Schema, &ix.Table, &ix.Name, &ix.Columns, &ix.Unique); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		indexes = append(indexes, ix)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexes: %w", err)
	}
	return indexes, nil
}
