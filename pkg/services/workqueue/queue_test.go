package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testTask is a simple task for testing.
type testTask struct {
	BaseTask
	executeFunc func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newTestTask(name, key string, requiresLLM bool, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *testTask {
	return &testTask{
		BaseTask:    NewBaseTask(name, key, requiresLLM),
		executeFunc: fn,
	}
}

func (t *testTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	if t.executeFunc != nil {
		return t.executeFunc(ctx, enqueuer)
	}
	return nil
}

type retryableErr struct{}

func (retryableErr) Error() string     { return "transient" }
func (retryableErr) IsRetryable() bool { return true }

func fastRetry(n int) QueueOption {
	return WithRetryConfig(RetryConfig{
		MaxRetries:     n,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	})
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not become idle: %v", err)
	}
}

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := New(zap.NewNop())

	var executed atomic.Bool
	q.Enqueue(newTestTask("test-task", "", false, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		executed.Store(true)
		return nil
	}))

	waitIdle(t, q)

	if !executed.Load() {
		t.Error("task was not executed")
	}
	if p := q.Progress(); p.Completed != 1 {
		t.Errorf("expected 1 completed, got %+v", p)
	}
}

func TestQueue_IdleWhenEmpty(t *testing.T) {
	q := New(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("empty queue should be idle: %v", err)
	}
}

func TestQueue_TaskFailureIsRecorded(t *testing.T) {
	q := New(zap.NewNop())

	q.Enqueue(newTestTask("failing-task", "", false, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		return errors.New("boom")
	}))
	waitIdle(t, q)

	tasks := q.GetTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Status != TaskStatusFailed {
		t.Errorf("expected failed, got %s", tasks[0].Status)
	}
	if tasks[0].Error != "boom" {
		t.Errorf("expected error text, got %q", tasks[0].Error)
	}
	if tasks[0].RetryCount != 0 {
		t.Errorf("non-retryable error must not retry, got %d", tasks[0].RetryCount)
	}
}

func TestQueue_RetriesTransientErrors(t *testing.T) {
	q := New(zap.NewNop(), fastRetry(3))

	var calls atomic.Int32
	q.Enqueue(newTestTask("flaky", "", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if calls.Add(1) < 3 {
			return retryableErr{}
		}
		return nil
	}))
	waitIdle(t, q)

	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	tasks := q.GetTasks()
	if tasks[0].Status != TaskStatusCompleted || tasks[0].RetryCount != 2 {
		t.Errorf("unexpected snapshot: %+v", tasks[0])
	}
}

func TestQueue_GivesUpAfterMaxRetries(t *testing.T) {
	q := New(zap.NewNop(), fastRetry(2))

	var calls atomic.Int32
	q.Enqueue(newTestTask("always-flaky", "", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		calls.Add(1)
		return retryableErr{}
	}))
	waitIdle(t, q)

	if calls.Load() != 3 {
		t.Errorf("expected initial call plus 2 retries, got %d", calls.Load())
	}
	if got := q.GetTasks()[0].Status; got != TaskStatusFailed {
		t.Errorf("expected failed, got %s", got)
	}
}

func TestQueue_LLMSerialization(t *testing.T) {
	q := New(zap.NewNop())

	var running, maxConcurrent int32
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		q.Enqueue(newTestTask("llm-task", "", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			current := atomic.AddInt32(&running, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Errorf("LLM tasks ran concurrently: max concurrent was %d", maxConcurrent)
	}
}

func TestQueue_TwoLaneParallelism(t *testing.T) {
	q := New(zap.NewNop())

	llmStarted := make(chan struct{})
	dataStarted := make(chan struct{})
	release := make(chan struct{})

	q.Enqueue(newTestTask("llm", "", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(llmStarted)
		<-release
		return nil
	}))
	q.Enqueue(newTestTask("data", "", false, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(dataStarted)
		<-release
		return nil
	}))

	for _, ch := range []chan struct{}{llmStarted, dataStarted} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("lanes did not run in parallel")
		}
	}
	close(release)
	waitIdle(t, q)
}

func TestQueue_CoalescesPendingDuplicates(t *testing.T) {
	q := New(zap.NewNop())

	block := make(chan struct{})
	var runs atomic.Int32
	run := func(ctx context.Context, enqueuer TaskEnqueuer) error {
		runs.Add(1)
		<-block
		return nil
	}

	if !q.Enqueue(newTestTask("reindex", "ds-1", true, run)) {
		t.Fatal("first enqueue should be accepted")
	}
	// First task is running; a second one queues behind it.
	if !q.Enqueue(newTestTask("reindex", "ds-1", true, run)) {
		t.Fatal("second enqueue should be accepted while first runs")
	}
	// Third duplicates the pending second.
	if q.Enqueue(newTestTask("reindex", "ds-1", true, run)) {
		t.Fatal("third enqueue should coalesce into the pending task")
	}

	close(block)
	waitIdle(t, q)

	if runs.Load() != 2 {
		t.Errorf("expected 2 runs, got %d", runs.Load())
	}
}

func TestQueue_SameKeyNeverRunsConcurrently(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewParallelLLMStrategy()))

	var running, maxRunning int32
	var mu sync.Mutex
	run := func(ctx context.Context, enqueuer TaskEnqueuer) error {
		cur := atomic.AddInt32(&running, 1)
		mu.Lock()
		if cur > maxRunning {
			maxRunning = cur
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	q.Enqueue(newTestTask("reindex", "ds-1", true, run))
	q.Enqueue(newTestTask("reindex", "ds-1", true, run))
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if maxRunning != 1 {
		t.Errorf("same-key tasks overlapped: %d", maxRunning)
	}
}

func TestQueue_TaskEnqueuesFollowUp(t *testing.T) {
	q := New(zap.NewNop())

	var followUpRan atomic.Bool
	q.Enqueue(newTestTask("parent", "", false, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		enqueuer.Enqueue(newTestTask("child", "", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			followUpRan.Store(true)
			return nil
		}))
		return nil
	}))
	waitIdle(t, q)

	if !followUpRan.Load() {
		t.Error("follow-up task did not run")
	}
	if p := q.Progress(); p.Completed != 2 {
		t.Errorf("expected 2 completed, got %+v", p)
	}
}

func TestQueue_HistoryIsPruned(t *testing.T) {
	q := New(zap.NewNop(), WithHistoryLimit(2))

	for i := 0; i < 5; i++ {
		q.Enqueue(newTestTask("t", "", false, nil))
		waitIdle(t, q)
	}

	if n := len(q.GetTasks()); n != 2 {
		t.Errorf("expected 2 retained tasks, got %d", n)
	}
}

func TestQueue_ShutdownCancelsRunningAndPending(t *testing.T) {
	q := New(zap.NewNop())

	started := make(chan struct{})
	q.Enqueue(newTestTask("blocking", "", false, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	q.Enqueue(newTestTask("queued", "", false, nil))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	p := q.Progress()
	if p.Cancelled != 2 {
		t.Errorf("expected both tasks cancelled, got %+v", p)
	}
	if q.Enqueue(newTestTask("late", "", false, nil)) {
		t.Error("closed queue must reject tasks")
	}
	waitIdle(t, q)
}

func TestQueue_OnUpdateCallback(t *testing.T) {
	q := New(zap.NewNop())

	var mu sync.Mutex
	var statuses []TaskStatus
	q.SetOnUpdate(func(snaps []TaskSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(snaps) > 0 {
			statuses = append(statuses, snaps[0].Status)
		}
	})

	q.Enqueue(newTestTask("t", "", false, nil))
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 3 {
		t.Fatalf("expected pending/running/completed updates, got %v", statuses)
	}
	if statuses[len(statuses)-1] != TaskStatusCompleted {
		t.Errorf("last update should be completed, got %s", statuses[len(statuses)-1])
	}
}

func TestThrottledLLMStrategy_RespectsLimit(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewThrottledLLMStrategy(2)))

	var running, maxRunning int32
	var mu sync.Mutex
	for i := 0; i < 6; i++ {
		q.Enqueue(newTestTask("embed", "", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			cur := atomic.AddInt32(&running, 1)
			mu.Lock()
			if cur > maxRunning {
				maxRunning = cur
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if maxRunning > 2 {
		t.Errorf("expected at most 2 concurrent, got %d", maxRunning)
	}
}

func TestStrategies_Limits(t *testing.T) {
	s := NewSerializedStrategy()
	s.OnStartLLM()
	if s.CanStartLLM() {
		t.Error("serialized strategy allowed a second LLM task")
	}
	if !s.CanStartData() {
		t.Error("serialized strategy blocked data lane")
	}
	s.OnCompleteLLM()
	if !s.CanStartLLM() {
		t.Error("LLM lane not released")
	}

	p := NewParallelLLMStrategy()
	for i := 0; i < 10; i++ {
		p.OnStartLLM()
	}
	if !p.CanStartLLM() {
		t.Error("parallel strategy should not limit LLM tasks")
	}
	p.OnStartData()
	if p.CanStartData() {
		t.Error("parallel strategy should serialize data tasks")
	}

	if th := NewThrottledLLMStrategy(0); th.llmLimit != 1 {
		t.Errorf("throttled limit below 1 should clamp to 1, got %d", th.llmLimit)
	}
}

func TestTaskState_Snapshot(t *testing.T) {
	ts := NewTaskState(newTestTask("snap", "k", true, nil))
	ts.SetStatus(TaskStatusRunning)
	ts.IncrementRetryCount()
	ts.SetError(errors.New("oops"))
	ts.SetStatus(TaskStatusFailed)

	snap := ts.Snapshot()
	if snap.Name != "snap" || snap.Key != "k" || !snap.RequiresLLM {
		t.Errorf("identity not copied: %+v", snap)
	}
	if snap.StartedAt == nil || snap.CompletedAt == nil {
		t.Error("timestamps not set")
	}
	if snap.Error != "oops" || snap.RetryCount != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}
