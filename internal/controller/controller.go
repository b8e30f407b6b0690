package controller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"relayq/internal/domain"
	"relayq/internal/metrics"
)

// QueueObserver is the slice of the queue the controller reads.
type QueueObserver interface {
	Stats(ctx context.Context, now time.Time) (domain.QueueStats, error)
}

// PoolScaler is the slice of the worker pool the controller drives.
type PoolScaler interface {
	GetStats() domain.PoolStats
	Scale(n int)
}

// CredentialSource reports whether the credential pool is exhausted.
type CredentialSource interface {
	IsExhausted() bool
	AvailableCount() int
}

type Config struct {
	Interval              time.Duration // evaluation cadence
	MinWorkers            int
	MaxWorkers            int
	BackpressureThreshold int     // queue depth considered backpressure
	ErrorRateThreshold    float64 // above this, halve the pool
	HistorySize           int     // rolling samples kept for deltas
}

func DefaultConfig() Config {
	return Config{
		Interval:              30 * time.Second,
		MinWorkers:            1,
		MaxWorkers:            10,
		BackpressureThreshold: 50,
		ErrorRateThreshold:    0.10,
		HistorySize:           10,
	}
}

// sample pairs one observation with the cumulative pool counters it was
// taken from, so error rate can be computed as a delta between samples.
type sample struct {
	metrics   domain.Metrics
	processed int
	errors    int
}

// Controller is the periodic control loop: observe queue + pool +
// credentials, decide a recommended worker count from a fixed table,
// and move the pool at most one worker per cycle toward it.
type Controller struct {
	q     QueueObserver
	pool  PoolScaler
	creds CredentialSource
	met   *metrics.Metrics
	cfg   Config

	mu      sync.Mutex
	history []sample
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a controller. creds and met may be nil.
func New(q QueueObserver, pool PoolScaler, creds CredentialSource, met *metrics.Metrics, cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = 50
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.10
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	return &Controller{
		q:     q,
		pool:  pool,
		creds: creds,
		met:   met,
		cfg:   cfg,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *Controller) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		log.Info().Dur("interval", c.cfg.Interval).Msg("concurrency controller started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case now := <-ticker.C:
				c.Evaluate(ctx, now)
			}
		}
	}()
}

func (c *Controller) Stop() {
	close(c.stop)
	<-c.done
}

// Evaluate runs one observe/decide/apply cycle. Exported so tests and
// callers can drive cycles without the ticker.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) {
	qs, err := c.q.Stats(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("controller observation failed")
		return
	}
	ps := c.pool.GetStats()

	m := domain.Metrics{
		QueueDepth:     qs.QueueDepth,
		CurrentWorkers: ps.TotalWorkers,
		ErrorRate:      c.errorRate(ps),
		IsBackpressure: qs.QueueDepth > c.cfg.BackpressureThreshold,
		ObservedAt:     now,
	}
	m.RecommendedWorkers = c.recommend(m)

	c.mu.Lock()
	c.history = append(c.history, sample{metrics: m, processed: ps.TotalProcessed, errors: ps.TotalErrors})
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[1:]
	}
	c.mu.Unlock()

	if c.met != nil {
		c.met.QueueDepth.Set(float64(qs.QueueDepth))
		if c.creds != nil {
			c.met.CredentialsAvailable.Set(float64(c.creds.AvailableCount()))
		}
	}

	// hysteresis: one worker per cycle, never a jump
	target := ps.TotalWorkers
	if m.RecommendedWorkers > target {
		target++
	} else if m.RecommendedWorkers < target {
		target--
	}
	if target != ps.TotalWorkers {
		log.Info().
			Int("queue_depth", m.QueueDepth).
			Float64("error_rate", m.ErrorRate).
			Int("recommended", m.RecommendedWorkers).
			Int("target", target).
			Msg("rescaling worker pool")
		c.pool.Scale(target)
	}
}

// errorRate derives the rate from deltas against the previous sample,
// not cumulative totals. No work since last sample means rate 0.
func (c *Controller) errorRate(ps domain.PoolStats) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return 0
	}
	prev := c.history[len(c.history)-1]
	dp := ps.TotalProcessed - prev.processed
	de := ps.TotalErrors - prev.errors
	if dp+de <= 0 {
		return 0
	}
	return float64(de) / float64(dp+de)
}

// recommend is the decision table. Ordering matters: exhaustion and
// error rate override depth-based scaling.
func (c *Controller) recommend(m domain.Metrics) int {
	min, max := c.cfg.MinWorkers, c.cfg.MaxWorkers
	if c.creds != nil && c.creds.IsExhausted() {
		return min
	}
	if m.ErrorRate > c.cfg.ErrorRateThreshold {
		half := max / 2
		if half < min {
			half = min
		}
		return half
	}
	switch {
	case m.QueueDepth == 0:
		return min
	case m.QueueDepth < 5:
		return clamp(2, min, max)
	case m.QueueDepth < 20:
		return clamp(3, min, max)
	case m.QueueDepth < c.cfg.BackpressureThreshold:
		return clamp(4, min, max)
	default:
		return max
	}
}

// GetCurrentMetrics returns the most recent observation, or a zero
// sample when no cycle has run yet.
func (c *Controller) GetCurrentMetrics() domain.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return domain.Metrics{}
	}
	return c.history[len(c.history)-1].metrics
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
