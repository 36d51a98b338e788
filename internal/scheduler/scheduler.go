package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/oura-data-aggregation/internal/logger"
)

// Pipeline is the work the scheduler drives.
type Pipeline interface {
	Poll(ctx context.Context, now time.Time) error
	Backfill(ctx context.Context, now time.Time, days int) error
	BackfillCompleted(ctx context.Context) (bool, error)
}

// Config controls cadence and the one-time historical import.
type Config struct {
	Interval         time.Duration
	Location         *time.Location
	HistoricalImport bool
	HistoricalDays   int
	PollTimeout      time.Duration

	// Back-fill retry backoff.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Scheduler periodically polls the pipeline. When a historical import is
// pending it runs first, and polling starts only once it has succeeded.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pipeline  Pipeline
	cfg       Config
	log       logger.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}
}

// New creates a new Scheduler.
func New(cfg Config, pipeline Pipeline, log logger.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(cfg.Location),
		pipeline:  pipeline,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		ready:     make(chan struct{}),
	}
}

// Start schedules the poll job and, in the background, runs any pending
// back-fill before starting the underlying scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	_, err := s.scheduler.Every(s.cfg.Interval).SingletonMode().Do(func() {
		s.poll(ctx)
	})
	if err != nil {
		s.cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.cfg.HistoricalImport {
			if err := s.backfill(ctx); err != nil {
				s.log.Info(ctx, "scheduler stopped before historical import finished", logger.Error(err))
				return
			}
		}
		s.scheduler.StartAsync()
		close(s.ready)
		s.log.Info(ctx, "polling started", logger.Duration("interval", s.cfg.Interval))
	}()
	return nil
}

// Ready is closed once the poll cadence has started.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

func (s *Scheduler) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	if err := s.pipeline.Poll(ctx, s.now().In(s.cfg.Location)); err != nil {
		s.log.Warn(ctx, "poll failed, will retry on next update", logger.Error(err))
	}
}

// backfill retries the historical import with exponential backoff until it
// succeeds or ctx ends.
func (s *Scheduler) backfill(ctx context.Context) error {
	delay := s.cfg.RetryInitial
	for {
		done, err := s.pipeline.BackfillCompleted(ctx)
		if err == nil && done {
			s.log.Info(ctx, "historical import already completed")
			return nil
		}
		if err != nil {
			s.log.Warn(ctx, "could not read import history", logger.Error(err))
		} else if err = s.pipeline.Backfill(ctx, s.now().In(s.cfg.Location), s.cfg.HistoricalDays); err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn(ctx, "historical import failed, retrying",
			logger.Error(err), logger.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > s.cfg.RetryMax {
			delay = s.cfg.RetryMax
		}
	}
}

// Stop cancels a pending back-fill and stops future polls.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
