package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/metrics"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retrieval"
	"github.com/ekaya-inc/ekaya-nlq/pkg/services/workqueue"
)

func waitQueueIdle(t *testing.T, q *workqueue.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []workqueue.Task
}

func (q *recordingQueue) Enqueue(task workqueue.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return true
}

type flakyIndexer struct {
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyIndexer) Index(ctx context.Context, doc *models.RagDocument) (*retrieval.IndexResult, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return &retrieval.IndexResult{MissingEmbeddings: 1}, fmt.Errorf("%w: embedder down", apperrors.ErrIndexUnavailable)
	}
	return &retrieval.IndexResult{Chunks: 1}, nil
}

func (f *flakyIndexer) ReindexDataSource(ctx context.Context, src retrieval.ContextSource, dsID uuid.UUID) (*retrieval.ReindexSummary, error) {
	f.calls.Add(1)
	return nil, errors.New("context store unreachable: permission denied")
}

func TestReindexer_DataSourceReindexIsIdempotent(t *testing.T) {
	dsID := uuid.New()
	knowledge := newMemoryKnowledge()
	knowledge.catalogs[dsID] = shopCatalog(dsID)

	store := retrieval.NewMemoryStore()
	engine := retrieval.NewEngine(store, nil, nil, retrieval.DefaultConfig(), zap.NewNop())
	queue := workqueue.New(zap.NewNop())
	t.Cleanup(func() { _ = queue.Shutdown(context.Background()) })
	m := metrics.New(prometheus.NewRegistry())
	r := NewReindexer(queue, engine, knowledge, m, zap.NewNop())

	require.True(t, r.Trigger(dsID, "test"))
	waitQueueIdle(t, queue)

	first, err := store.ListDocuments(context.Background(), dsID)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// A duplicate trigger leaves the index as it was.
	require.True(t, r.Trigger(dsID, "duplicate"))
	waitQueueIdle(t, queue)

	second, err := store.ListDocuments(context.Background(), dsID)
	require.NoError(t, err)
	assert.ElementsMatch(t, first, second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reindexes.WithLabelValues(ReindexScopeDataSource, "success")))

	res, err := engine.Retrieve(context.Background(), retrieval.Query{Text: "orders", K: 3, DataSourceID: dsID})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Chunks)
}

func TestReindexer_TaskKeys(t *testing.T) {
	queue := &recordingQueue{}
	r := NewReindexer(queue, &flakyIndexer{}, newMemoryKnowledge(), nil, zap.NewNop())
	dsID := uuid.New()

	r.Trigger(dsID, "a")
	r.Trigger(dsID, "b")
	ex := &models.Example{ID: uuid.New(), DataSourceID: dsID, Question: "q", SQL: "SELECT 1"}
	r.TriggerDocument(retrieval.ExampleDocument(ex), "feedback")

	require.Len(t, queue.tasks, 3)
	assert.Equal(t, queue.tasks[0].Key(), queue.tasks[1].Key())
	assert.NotEqual(t, queue.tasks[0].Key(), queue.tasks[2].Key())
	for _, task := range queue.tasks {
		assert.True(t, task.RequiresLLM())
	}
}

func TestReindexer_RetriesPendingEmbeddings(t *testing.T) {
	indexer := &flakyIndexer{}
	indexer.failures.Store(1)
	queue := workqueue.New(zap.NewNop(), workqueue.WithRetryConfig(workqueue.RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}))
	t.Cleanup(func() { _ = queue.Shutdown(context.Background()) })
	r := NewReindexer(queue, indexer, newMemoryKnowledge(), nil, zap.NewNop())

	ex := &models.Example{ID: uuid.New(), DataSourceID: uuid.New(), Question: "q", SQL: "SELECT 1"}
	require.True(t, r.TriggerDocument(retrieval.ExampleDocument(ex), "feedback"))
	waitQueueIdle(t, queue)

	assert.Equal(t, int32(2), indexer.calls.Load())
	tasks := queue.GetTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, workqueue.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)
}

func TestReindexer_PermanentFailureNotRetried(t *testing.T) {
	indexer := &flakyIndexer{}
	queue := workqueue.New(zap.NewNop(), workqueue.WithRetryConfig(workqueue.RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}))
	t.Cleanup(func() { _ = queue.Shutdown(context.Background()) })
	r := NewReindexer(queue, indexer, newMemoryKnowledge(), nil, zap.NewNop())

	require.True(t, r.Trigger(uuid.New(), "test"))
	waitQueueIdle(t, queue)

	assert.Equal(t, int32(1), indexer.calls.Load())
	assert.Equal(t, workqueue.TaskStatusFailed, queue.GetTasks()[0].Status)
}
