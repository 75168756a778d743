package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// CatalogWriter replaces the stored catalog of a data source.
type CatalogWriter interface {
	ReplaceCatalog(ctx context.Context, catalog *models.Catalog) error
}

// ReindexTrigger schedules a full reindex of a data source.
type ReindexTrigger interface {
	Trigger(dataSourceID uuid.UUID, reason string) bool
}

// SchemaSync refreshes the stored catalog from the live target database and
// reindexes the data source afterwards.
type SchemaSync struct {
	targets   TargetResolver
	catalogs  CatalogWriter
	reindexer ReindexTrigger
	logger    *zap.Logger
}

// NewSchemaSync creates a SchemaSync.
func NewSchemaSync(targets TargetResolver, catalogs CatalogWriter, reindexer ReindexTrigger, logger *zap.Logger) *SchemaSync {
	return &SchemaSync{
		targets:   targets,
		catalogs:  catalogs,
		reindexer: reindexer,
		logger:    logger.Named("schema-sync"),
	}
}

// Sync introspects the data source and stores the result. The reindex runs
// in the background.
func (s *SchemaSync) Sync(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error) {
	adapter, err := s.targets.Get(dataSourceID)
	if err != nil {
		return nil, err
	}
	discoverer, ok := adapter.(datasource.SchemaDiscoverer)
	if !ok {
		return nil, fmt.Errorf("data source %s does not support schema discovery", dataSourceID)
	}

	catalog, err := discoverer.DiscoverCatalog(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("discover catalog: %w", err)
	}
	catalog.DataSourceID = dataSourceID

	if err := s.catalogs.ReplaceCatalog(ctx, catalog); err != nil {
		return nil, fmt.Errorf("store catalog: %w", err)
	}
	s.reindexer.Trigger(dataSourceID, "schema_sync")

	s.logger.Info("Catalog synchronized",
		zap.String("data_source_id", dataSourceID.String()),
		zap.Int("objects", len(catalog.Objects)),
		zap.Int("relationships", len(catalog.Relationships)))
	return catalog, nil
}
