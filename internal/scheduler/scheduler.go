// Package scheduler runs the periodic notification sweep and the nightly
// ingest on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/ingest"
	"github.com/JakeFAU/digwatch/internal/notify"
)

// Sweeper pushes alerts to every connected identity.
type Sweeper interface {
	NotifyAll(ctx context.Context) notify.SweepReport
}

// Ingester runs one scrape and persist pass.
type Ingester interface {
	Ingest(ctx context.Context, opts ingest.Options) (ingest.Result, error)
}

// Config holds the job schedules. An empty schedule disables that job.
type Config struct {
	SweepSchedule  string
	SweepTimeout   time.Duration
	IngestSchedule string
	IngestTimeout  time.Duration
	MaxPages       int
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	sweeper  Sweeper
	ingester Ingester
	logger   *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New registers the configured jobs. Overlapping runs of the same job are
// skipped rather than queued.
func New(cfg Config, sweeper Sweeper, ingester Ingester, logger *zap.Logger) (*Scheduler, error) {
	if sweeper == nil || ingester == nil {
		return nil, errors.New("sweeper and ingester are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		cfg:      cfg,
		sweeper:  sweeper,
		ingester: ingester,
		logger:   logger,
		baseCtx:  context.Background(),
	}
	if cfg.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, s.RunSweep); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	if cfg.IngestSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.IngestSchedule, s.RunIngest); err != nil {
			return nil, fmt.Errorf("ingest schedule %q: %w", cfg.IngestSchedule, err)
		}
	}
	return s, nil
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins firing jobs. Running jobs see ctx canceled on Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Int("jobs", s.Jobs()),
		zap.String("sweep_schedule", s.cfg.SweepSchedule),
		zap.String("ingest_schedule", s.cfg.IngestSchedule),
	)
}

// Stop halts scheduling, cancels in-flight jobs and waits for them until ctx
// expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) jobContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, timeout)
}

// RunSweep performs one notification sweep.
func (s *Scheduler) RunSweep() {
	ctx, cancel := s.jobContext(s.cfg.SweepTimeout)
	defer cancel()
	report := s.sweeper.NotifyAll(ctx)
	s.logger.Debug("scheduled sweep finished",
		zap.Int("identities", report.Identities),
		zap.Int("notified", report.Notified),
		zap.Int("failed", report.Failed),
	)
}

// RunIngest performs one ingest with the configured page cap.
func (s *Scheduler) RunIngest() {
	ctx, cancel := s.jobContext(s.cfg.IngestTimeout)
	defer cancel()
	res, err := s.ingester.Ingest(ctx, ingest.Options{MaxPages: s.cfg.MaxPages})
	switch {
	case errors.Is(err, ingest.ErrIngestRunning):
		s.logger.Info("scheduled ingest skipped, another run is active")
	case err != nil:
		s.logger.Error("scheduled ingest failed", zap.Error(err))
	default:
		s.logger.Info("scheduled ingest finished",
			zap.String("run_id", res.RunID),
			zap.Int("scraped", res.Scraped),
			zap.Int("saved", res.Saved),
			zap.Int("geometry_updated", res.GeometryUpdated),
		)
	}
}
