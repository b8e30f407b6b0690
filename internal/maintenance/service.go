package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"relayq/internal/queue"
)

type Config struct {
	StuckTimeout     time.Duration // processing older than this is considered stuck
	StuckSchedule    string        // cron spec for the stuck sweep
	Retention        time.Duration // terminal tasks kept this long
	CleanupSchedule  string        // cron spec for cleanup
	SnapshotSchedule string        // cron spec for metrics snapshots
}

func DefaultConfig() Config {
	return Config{
		StuckTimeout:     10 * time.Minute,
		StuckSchedule:    "@every 1m",
		Retention:        time.Hour,
		CleanupSchedule:  "@every 10m",
		SnapshotSchedule: "@every 1m",
	}
}

// Service runs the queue's background housekeeping on cron schedules:
// stuck-task restoration, terminal-task cleanup, and periodic metrics
// snapshots.
type Service struct {
	q    *queue.Queue
	cron *cron.Cron
	cfg  Config
}

func NewService(q *queue.Queue, cfg Config) *Service {
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 10 * time.Minute
	}
	if cfg.StuckSchedule == "" {
		cfg.StuckSchedule = "@every 1m"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 10m"
	}
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = "@every 1m"
	}
	return &Service{q: q, cron: cron.New(), cfg: cfg}
}

// Start runs the startup stuck-sweep immediately, then schedules the
// recurring jobs.
func (s *Service) Start(ctx context.Context) error {
	s.RestoreStuck(ctx)

	if _, err := s.cron.AddFunc(s.cfg.StuckSchedule, func() { s.RestoreStuck(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, func() { s.Cleanup(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.SnapshotSchedule, func() { s.Snapshot(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().
		Str("stuck", s.cfg.StuckSchedule).
		Str("cleanup", s.cfg.CleanupSchedule).
		Str("snapshot", s.cfg.SnapshotSchedule).
		Msg("maintenance service started")
	return nil
}

func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) RestoreStuck(ctx context.Context) {
	n, err := s.q.RestoreStuck(ctx, s.cfg.StuckTimeout, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("stuck-task sweep failed")
		return
	}
	if n > 0 {
		log.Warn().Int("restored", n).Msg("restored stuck tasks")
	}
}

func (s *Service) Cleanup(ctx context.Context) {
	n, err := s.q.Cleanup(ctx, s.cfg.Retention, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("cleanup failed")
		return
	}
	if n > 0 {
		log.Info().Int("deleted", n).Msg("cleaned up terminal tasks")
	}
}

func (s *Service) Snapshot(ctx context.Context) {
	now := time.Now()
	stats, err := s.q.Stats(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("snapshot stats failed")
		return
	}
	if err := s.q.SnapshotMetrics(ctx, stats, now); err != nil {
		log.Error().Err(err).Msg("snapshot write failed")
	}
}
