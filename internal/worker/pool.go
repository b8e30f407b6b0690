package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"relayq/internal/credential"
	"relayq/internal/domain"
	"relayq/internal/metrics"
	"relayq/internal/queue"
)

// Handler executes one task. Any side-effecting operation qualifies; a
// handler that hits a rate limit must return *credential.RateLimitedError
// (or credential.ErrPoolExhausted) so the task is re-queued untouched
// instead of burning a retry.
type Handler interface {
	Handle(ctx context.Context, partitionKey string, payload []string) error
}

const (
	StateIdle  = "idle"
	StateBusy  = "busy"
	StateError = "error"
)

// Hard bounds for Scale, regardless of configuration.
const (
	MinWorkers = 1
	MaxWorkers = 20
)

type Config struct {
	Workers        int           // initial worker count
	ExecTimeout    time.Duration // per-task handler timeout; generous but finite
	PollInterval   time.Duration // idle sleep between empty dequeues
	HealthInterval time.Duration // stuck-worker sweep cadence
	ErrorCooldown  time.Duration // error-state worker auto-recovery delay
}

func DefaultConfig() Config {
	return Config{
		Workers:        2,
		ExecTimeout:    5 * time.Minute,
		PollInterval:   500 * time.Millisecond,
		HealthInterval: 10 * time.Second,
		ErrorCooldown:  30 * time.Second,
	}
}

type workerState struct {
	id             string
	status         string
	tasksProcessed int
	errorCount     int
	lastActivityAt time.Time
	currentTaskID  int64
	taskStartedAt  time.Time
	cancelTask     context.CancelFunc
	stop           chan struct{}
	draining       bool
}

// Pool runs N concurrent claim/execute loops against the queue.
// Membership is process-local and never persisted.
type Pool struct {
	q       *queue.Queue
	handler Handler
	gate    *credential.Gate
	met     *metrics.Metrics
	cfg     Config

	mu      sync.Mutex
	workers map[string]*workerState
	started bool

	totalProcessed int
	totalErrors    int

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewPool constructs a pool. gate and met may be nil in tests.
func NewPool(q *queue.Queue, handler Handler, gate *credential.Gate, met *metrics.Metrics, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = 30 * time.Second
	}
	return &Pool{
		q:       q,
		handler: handler,
		gate:    gate,
		met:     met,
		cfg:     cfg,
		workers: map[string]*workerState{},
		quit:    make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.healthLoop()
	log.Info().Int("workers", p.cfg.Workers).Msg("worker pool started")
}

func (p *Pool) spawnLocked() {
	w := &workerState{
		id:             "wrk_" + uuid.NewString()[:8],
		status:         StateIdle,
		lastActivityAt: time.Now(),
		stop:           make(chan struct{}),
	}
	p.workers[w.id] = w
	p.wg.Add(1)
	go p.run(w)
}

func (p *Pool) run(w *workerState) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.workers, w.id)
		p.mu.Unlock()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.quit:
			return
		case <-w.stop:
			return
		default:
		}
		p.mu.Lock()
		draining := w.draining
		inError := w.status == StateError
		p.mu.Unlock()
		if draining {
			return
		}
		if inError {
			// healthLoop recovers us; don't claim work meanwhile
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if p.gate != nil && p.gate.Cooling() {
			// process-wide rate-limit cooldown: leave tasks queued
			p.sleep(p.cfg.PollInterval)
			continue
		}

		t, err := p.q.Dequeue(p.ctx, w.id, time.Now())
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("worker", w.id).Msg("dequeue failed")
			}
			p.sleep(p.cfg.PollInterval)
			continue
		}
		p.execute(w, t)
	}
}

func (p *Pool) execute(w *workerState, t domain.Task) {
	cctx, cancel := context.WithTimeout(p.ctx, p.cfg.ExecTimeout)
	defer cancel()

	p.mu.Lock()
	w.status = StateBusy
	w.currentTaskID = t.ID
	w.taskStartedAt = time.Now()
	w.lastActivityAt = w.taskStartedAt
	w.cancelTask = cancel
	p.mu.Unlock()

	err := p.handler.Handle(cctx, t.PartitionKey, t.Payload)

	// queue ops below run on a fresh context: the task outcome must be
	// recorded even if the handler context was cancelled
	bg, bgCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bgCancel()
	now := time.Now()

	switch {
	case err == nil:
		if qerr := p.q.MarkCompleted(bg, t.ID, now); qerr != nil {
			log.Error().Err(qerr).Int64("task", t.ID).Msg("mark completed failed")
		}
		p.mu.Lock()
		w.tasksProcessed++
		p.totalProcessed++
		p.mu.Unlock()
		if p.met != nil {
			p.met.TasksProcessed.Inc()
		}

	case isRateLimit(err):
		// distinct path: restore untouched, cool the whole process down
		if qerr := p.q.Requeue(bg, t.ID); qerr != nil {
			log.Error().Err(qerr).Int64("task", t.ID).Msg("requeue failed")
		}
		if p.gate != nil {
			p.gate.SetCooldown(retryAfter(err))
		}
		log.Warn().Int64("task", t.ID).Str("partition", t.PartitionKey).
			Msg("task re-queued after rate limit")

	default:
		retried, qerr := p.q.MarkFailed(bg, t.ID, err.Error(), now)
		if qerr != nil {
			log.Error().Err(qerr).Int64("task", t.ID).Msg("mark failed failed")
		}
		p.mu.Lock()
		w.errorCount++
		p.totalErrors++
		p.mu.Unlock()
		if p.met != nil {
			p.met.TaskErrors.Inc()
		}
		log.Warn().Err(err).Int64("task", t.ID).Bool("retried", retried).Msg("task failed")
	}

	p.mu.Lock()
	if w.status == StateBusy { // healthLoop may have moved us to error
		w.status = StateIdle
	}
	w.currentTaskID = 0
	w.cancelTask = nil
	w.lastActivityAt = time.Now()
	p.mu.Unlock()
}

func isRateLimit(err error) bool {
	var rl *credential.RateLimitedError
	return errors.As(err, &rl) || errors.Is(err, credential.ErrPoolExhausted)
}

func retryAfter(err error) time.Duration {
	var rl *credential.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return credential.DefaultCooldown
}

// Scale adjusts the live worker count toward n, clamped to [1,20].
// Scale-down removes idle workers first; busy workers finish their
// current task and exit instead of being interrupted.
func (p *Pool) Scale(n int) {
	if n < MinWorkers {
		n = MinWorkers
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	cur := 0
	for _, w := range p.workers {
		if !w.draining {
			cur++
		}
	}
	switch {
	case n > cur:
		for i := 0; i < n-cur; i++ {
			p.spawnLocked()
		}
		log.Info().Int("from", cur).Int("to", n).Msg("scaled up worker pool")
	case n < cur:
		remove := cur - n
		for _, w := range p.workers {
			if remove == 0 {
				break
			}
			if w.status == StateIdle && !w.draining {
				w.draining = true
				close(w.stop)
				remove--
			}
		}
		for _, w := range p.workers {
			if remove == 0 {
				break
			}
			if !w.draining {
				w.draining = true // exits after current task
				remove--
			}
		}
		log.Info().Int("from", cur).Int("to", n).Msg("scaling down worker pool")
	}
	if n != cur && p.met != nil {
		p.met.ScaleEvents.Inc()
	}
}

// Shutdown stops claiming new work and waits up to timeout for in-flight
// tasks. Tasks still running at the deadline are failed with a shutdown
// reason so they re-enter the retry cycle instead of being lost.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.mu.Lock()
		for _, w := range p.workers {
			if w.status == StateBusy && w.currentTaskID != 0 {
				// fail the task before cancelling, so the worker's own
				// failure path finds it already handled
				id := w.currentTaskID
				if _, err := p.q.MarkFailed(bg, id, "worker pool shutdown", time.Now()); err != nil {
					log.Error().Err(err).Int64("task", id).Msg("shutdown fail-mark failed")
				}
				if w.cancelTask != nil {
					w.cancelTask()
				}
			}
		}
		p.mu.Unlock()
		log.Warn().Dur("timeout", timeout).Msg("shutdown deadline hit, in-flight tasks failed for retry")
	}
	p.cancel()
	log.Info().Msg("worker pool stopped")
}

func (p *Pool) GetStats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := domain.PoolStats{
		TotalProcessed: p.totalProcessed,
		TotalErrors:    p.totalErrors,
	}
	for _, w := range p.workers {
		s.TotalWorkers++
		switch w.status {
		case StateIdle:
			s.Idle++
		case StateBusy:
			s.Busy++
		case StateError:
			s.Error++
		}
	}
	if p.met != nil {
		p.met.Workers.WithLabelValues(StateIdle).Set(float64(s.Idle))
		p.met.Workers.WithLabelValues(StateBusy).Set(float64(s.Busy))
		p.met.Workers.WithLabelValues(StateError).Set(float64(s.Error))
	}
	return s
}

// healthLoop flags workers stuck past 2x the execution timeout: the
// handler context is cancelled, the task explicitly failed so another
// worker can pick it up, and the worker parked in error state until its
// cooldown elapses.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.quit:
			return
		case now := <-ticker.C:
			p.checkHealth(now)
		}
	}
}

func (p *Pool) checkHealth(now time.Time) {
	stuckAfter := 2 * p.cfg.ExecTimeout
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		switch w.status {
		case StateBusy:
			if now.Sub(w.taskStartedAt) > stuckAfter {
				id := w.currentTaskID
				log.Warn().Str("worker", w.id).Int64("task", id).Msg("stuck worker detected, force-failing task")
				if _, err := p.q.MarkFailed(bg, id, "stuck worker timeout", now); err != nil {
					log.Error().Err(err).Int64("task", id).Msg("stuck fail-mark failed")
				}
				if w.cancelTask != nil {
					w.cancelTask()
				}
				w.status = StateError
				w.errorCount++
				w.currentTaskID = 0
				w.lastActivityAt = now
			}
		case StateError:
			if now.Sub(w.lastActivityAt) > p.cfg.ErrorCooldown {
				w.status = StateIdle
				w.lastActivityAt = now
				log.Info().Str("worker", w.id).Msg("worker recovered from error state")
			}
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-p.quit:
	case <-t.C:
	}
}
