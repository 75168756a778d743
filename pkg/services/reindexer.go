package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/metrics"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retrieval"
	"github.com/ekaya-inc/ekaya-nlq/pkg/services/workqueue"
)

// Reindex scopes, also used as metric labels.
const (
	ReindexScopeDataSource = "data_source"
	ReindexScopeDocument   = "document"
)

// Indexer is the write side of the retrieval engine.
type Indexer interface {
	Index(ctx context.Context, doc *models.RagDocument) (*retrieval.IndexResult, error)
	ReindexDataSource(ctx context.Context, src retrieval.ContextSource, dataSourceID uuid.UUID) (*retrieval.ReindexSummary, error)
}

// TaskQueue accepts background tasks. *workqueue.Queue implements it.
type TaskQueue interface {
	Enqueue(task workqueue.Task) bool
}

// Reindexer schedules retrieval index updates on the work queue. Triggers
// never block or fail the write that caused them; failed runs are retried by
// the queue and indexing is idempotent, so duplicate triggers are harmless.
type Reindexer struct {
	queue   TaskQueue
	indexer Indexer
	source  retrieval.ContextSource
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReindexer creates a reindexer. m may be nil.
func NewReindexer(queue TaskQueue, indexer Indexer, source retrieval.ContextSource, m *metrics.Metrics, logger *zap.Logger) *Reindexer {
	return &Reindexer{
		queue:   queue,
		indexer: indexer,
		source:  source,
		metrics: m,
		logger:  logger.Named("reindexer"),
	}
}

// Trigger schedules a full reindex of a data source. It returns false when
// an identical reindex is already pending or the queue is closed.
func (r *Reindexer) Trigger(dataSourceID uuid.UUID, reason string) bool {
	task := &reindexDataSourceTask{
		BaseTask:     workqueue.NewBaseTask("Reindex data source "+dataSourceID.String(), "reindex:"+dataSourceID.String(), true),
		reindexer:    r,
		dataSourceID: dataSourceID,
		reason:       reason,
	}
	queued := r.queue.Enqueue(task)
	r.logger.Info("Reindex triggered",
		zap.String("data_source_id", dataSourceID.String()),
		zap.String("reason", reason),
		zap.Bool("queued", queued))
	return queued
}

// TriggerDocument schedules indexing of a single document.
func (r *Reindexer) TriggerDocument(doc *models.RagDocument, reason string) bool {
	key := fmt.Sprintf("reindex:%s:%s:%s", doc.DataSourceID, doc.DocType, doc.SourceKey)
	task := &indexDocumentTask{
		BaseTask:  workqueue.NewBaseTask("Index "+string(doc.DocType)+" "+doc.SourceKey, key, true),
		reindexer: r,
		doc:       doc,
		reason:    reason,
	}
	queued := r.queue.Enqueue(task)
	r.logger.Debug("Document index triggered",
		zap.String("data_source_id", doc.DataSourceID.String()),
		zap.String("source_key", doc.SourceKey),
		zap.String("reason", reason),
		zap.Bool("queued", queued))
	return queued
}

// pendingEmbeddingsError marks an index run whose chunks were stored but not
// embedded. The queue retries it to fill the gaps.
type pendingEmbeddingsError struct {
	err error
}

func (e *pendingEmbeddingsError) Error() string     { return e.err.Error() }
func (e *pendingEmbeddingsError) Unwrap() error     { return e.err }
func (e *pendingEmbeddingsError) IsRetryable() bool { return true }

func retryableIndexErr(err error) error {
	if errors.Is(err, apperrors.ErrIndexUnavailable) {
		return &pendingEmbeddingsError{err: err}
	}
	return err
}

type reindexDataSourceTask struct {
	workqueue.BaseTask
	reindexer    *Reindexer
	dataSourceID uuid.UUID
	reason       string
}

// Execute implements workqueue.Task.
func (t *reindexDataSourceTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	r := t.reindexer
	summary, err := r.indexer.ReindexDataSource(ctx, r.source, t.dataSourceID)
	r.metrics.RecordReindex(ReindexScopeDataSource, err)
	if err != nil {
		r.logger.Warn("Data source reindex failed",
			zap.String("data_source_id", t.dataSourceID.String()),
			zap.String("reason", t.reason),
			zap.Error(err))
		return retryableIndexErr(err)
	}
	r.logger.Info("Data source reindexed",
		zap.String("data_source_id", t.dataSourceID.String()),
		zap.String("reason", t.reason),
		zap.Int("indexed", summary.Indexed),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("removed", summary.Removed))
	return nil
}

type indexDocumentTask struct {
	workqueue.BaseTask
	reindexer *Reindexer
	doc       *models.RagDocument
	reason    string
}

// Execute implements workqueue.Task.
func (t *indexDocumentTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	r := t.reindexer
	res, err := r.indexer.Index(ctx, t.doc)
	r.metrics.RecordReindex(ReindexScopeDocument, err)
	if err != nil {
		r.logger.Warn("Document index failed",
			zap.String("source_key", t.doc.SourceKey),
			zap.String("reason", t.reason),
			zap.Error(err))
		return retryableIndexErr(err)
	}
	r.logger.Debug("Document indexed",
		zap.String("source_key", t.doc.SourceKey),
		zap.Bool("unchanged", res.Unchanged),
		zap.Int("chunks", res.Chunks))
	return nil
}
