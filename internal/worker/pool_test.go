package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"relayq/internal/credential"
	"relayq/internal/domain"
	"relayq/internal/queue"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, queue.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return queue.New(db, queue.DefaultConfig())
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  []string
	delay time.Duration
	fail  error
}

func (h *recordingHandler) Handle(ctx context.Context, partitionKey string, payload []string) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.seen = append(h.seen, payload[0])
	h.mu.Unlock()
	return h.fail
}

func (h *recordingHandler) order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

type blockingHandler struct {
	started chan struct{}
	once    sync.Once
}

func (h *blockingHandler) Handle(ctx context.Context, partitionKey string, payload []string) error {
	h.once.Do(func() { close(h.started) })
	<-ctx.Done()
	return ctx.Err()
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestEndToEndDrain(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var normals []int64
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, "conv-1", []string{fmt.Sprintf("normal-%d", i)}, domain.PriorityNormal)
		require.NoError(t, err)
		normals = append(normals, id)
	}
	criticalID, err := q.Enqueue(ctx, "conv-2", []string{"critical"}, domain.PriorityCritical)
	require.NoError(t, err)

	h := &recordingHandler{delay: 5 * time.Millisecond}
	p := NewPool(q, h, nil, nil, testConfig(1))
	p.Start(ctx)
	defer p.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		s, err := q.Stats(ctx, time.Now())
		return err == nil && s.ProcessedLast24h == 4
	}, 5*time.Second, 20*time.Millisecond, "pool must drain all four tasks")

	assert.Equal(t, "critical", h.order()[0], "highest priority is served first")

	crit, err := q.Get(ctx, criticalID)
	require.NoError(t, err)
	require.NotNil(t, crit.ProcessedAt)
	for _, id := range normals {
		n, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, n.ProcessedAt)
		assert.True(t, crit.ProcessedAt.Before(*n.ProcessedAt),
			"critical task must finish before task %d", id)
	}

	assert.Equal(t, 4, p.GetStats().TotalProcessed)
}

func TestExecutionFailureRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "conv-1", []string{"doomed"}, domain.PriorityNormal)
	require.NoError(t, err)

	h := &recordingHandler{fail: errors.New("boom")}
	p := NewPool(q, h, nil, nil, testConfig(1))
	p.Start(ctx)
	defer p.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		task, err := q.Get(ctx, id)
		return err == nil && task.Status == domain.StatusFailed
	}, 5*time.Second, 20*time.Millisecond, "retries must exhaust into permanent failure")

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "boom", task.ErrorMessage)
	assert.Equal(t, task.MaxRetries, task.RetryCount)
	assert.GreaterOrEqual(t, p.GetStats().TotalErrors, task.MaxRetries+1)
}

func TestRateLimitRequeuesUntouched(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "conv-1", []string{"limited"}, domain.PriorityNormal)
	require.NoError(t, err)

	gate := credential.NewGate(time.Millisecond)
	h := &recordingHandler{fail: &credential.RateLimitedError{RetryAfter: time.Hour}}
	p := NewPool(q, h, gate, nil, testConfig(1))
	p.Start(ctx)
	defer p.Shutdown(time.Second)

	require.Eventually(t, gate.Cooling, 5*time.Second, 10*time.Millisecond,
		"rate limit must set the process-wide cooldown")

	// task restored untouched, and not re-claimed while cooling down
	time.Sleep(50 * time.Millisecond)
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Zero(t, task.RetryCount, "a rate limit must not burn the retry budget")
	assert.Zero(t, p.GetStats().TotalErrors)
	assert.Len(t, h.order(), 1, "no re-attempt during cooldown")
}

func TestPoolExhaustionRequeues(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "conv-1", []string{"starved"}, domain.PriorityNormal)
	require.NoError(t, err)

	gate := credential.NewGate(time.Millisecond)
	h := &recordingHandler{fail: credential.ErrPoolExhausted}
	p := NewPool(q, h, gate, nil, testConfig(1))
	p.Start(ctx)
	defer p.Shutdown(time.Second)

	require.Eventually(t, gate.Cooling, 5*time.Second, 10*time.Millisecond)
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Zero(t, task.RetryCount)
}

func TestScaleClamps(t *testing.T) {
	q := newTestQueue(t)
	p := NewPool(q, &recordingHandler{}, nil, nil, testConfig(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)

	p.Scale(100)
	assert.Equal(t, MaxWorkers, p.GetStats().TotalWorkers)

	p.Scale(0)
	assert.Eventually(t, func() bool {
		return p.GetStats().TotalWorkers == MinWorkers
	}, 5*time.Second, 10*time.Millisecond, "idle workers drain away on scale-down")
}

func TestShutdownFailsInflightForRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "conv-1", []string{"inflight"}, domain.PriorityNormal)
	require.NoError(t, err)

	h := &blockingHandler{started: make(chan struct{})}
	p := NewPool(q, h, nil, nil, testConfig(1))
	p.Start(ctx)

	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	p.Shutdown(50 * time.Millisecond)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status, "in-flight task re-enters the retry cycle")
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "worker pool shutdown", task.ErrorMessage)
}

func TestStuckWorkerDetection(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "conv-1", []string{"hang"}, domain.PriorityNormal)
	require.NoError(t, err)

	// handler ignores cancellation, simulating a hung external call
	h := &recordingHandler{delay: 500 * time.Millisecond}
	cfg := testConfig(1)
	cfg.ExecTimeout = 20 * time.Millisecond
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.ErrorCooldown = 50 * time.Millisecond
	p := NewPool(q, h, nil, nil, cfg)
	p.Start(ctx)
	defer p.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		task, err := q.Get(ctx, id)
		return err == nil && task.Status != domain.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond, "stuck task must be freed by the health check")

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, task.RetryCount, 1)
	assert.Contains(t, task.ErrorMessage, "stuck worker")

	require.Eventually(t, func() bool {
		s := p.GetStats()
		return s.Error == 0 && s.TotalWorkers == 1
	}, 5*time.Second, 10*time.Millisecond, "worker must auto-recover from error state")
}
