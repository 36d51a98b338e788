package oura

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/oura-data-aggregation/internal/logger"
)

// Poll results reported to the Observer.
const (
	PollOK    = "ok"
	PollStale = "stale"
	PollError = "error"
)

// Service orchestrates fetching, snapshot normalization and the historical
// statistics import.
type Service struct {
	fetcher    Fetcher
	store      SnapshotStore
	aggregator *Aggregator
	runs       RunLog
	normalizer *Normalizer
	observer   Observer
	log        logger.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithObserver reports poll and back-fill outcomes to o.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) { s.observer = o }
}

// NewService creates a new Service. runs may be nil, in which case
// back-fill attempts are not recorded.
func NewService(fetcher Fetcher, store SnapshotStore, aggregator *Aggregator, runs RunLog, opts ...ServiceOption) *Service {
	s := &Service{
		fetcher:    fetcher,
		store:      store,
		aggregator: aggregator,
		runs:       runs,
		observer:   nopObserver{},
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.normalizer = NewNormalizer(s.log.Named("normalizer"))
	return s
}

// Poll fetches the current window, normalizes it and stores the snapshot.
// now must be in the wearer's timezone. When the fetch fails or yields no
// readings the previous snapshot is kept and nil is returned; without a
// previous snapshot the error wraps ErrNoData.
func (s *Service) Poll(ctx context.Context, now time.Time) error {
	started := time.Now()

	data, err := s.fetcher.Fetch(ctx, WindowEndingToday(now, 1))
	if err != nil {
		return s.keepPrevious(ctx, started, err)
	}

	state := s.normalizer.Normalize(ctx, data, now)
	if !state.HasReadings() {
		return s.keepPrevious(ctx, started, errors.New("no sensor values in response"))
	}

	s.store.SaveSnapshot(Snapshot{FetchedAt: now.UTC(), State: state})
	s.observer.PollFinished(PollOK, time.Since(started), len(state))
	s.log.Debug(ctx, "snapshot updated", logger.Int("keys", len(state)))
	return nil
}

func (s *Service) keepPrevious(ctx context.Context, started time.Time, cause error) error {
	prev, err := s.store.GetLatest()
	if err != nil {
		s.observer.PollFinished(PollError, time.Since(started), 0)
		return fmt.Errorf("%w: %v", ErrNoData, cause)
	}
	s.log.Warn(ctx, "poll failed, keeping previous snapshot",
		logger.Error(cause), logger.String("snapshot_at", prev.FetchedAt.Format(time.RFC3339)))
	s.observer.PollFinished(PollStale, time.Since(started), len(prev.State))
	return nil
}

// Backfill pulls days of history ending today, imports it as statistics and
// seeds the snapshot from the same data. Any error means the import is
// incomplete and the whole back-fill should be retried.
func (s *Service) Backfill(ctx context.Context, now time.Time, days int) error {
	if days <= 0 {
		return fmt.Errorf("days must be greater than zero")
	}

	run := ImportRun{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := s.log.Named("backfill")
	log.Info(ctx, "loading historical data", logger.Int("days", days), logger.String("run_id", run.ID))

	err := s.backfill(ctx, now, days, &run)

	run.FinishedAt = time.Now().UTC()
	run.Status = RunSucceeded
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
	}
	if s.runs != nil {
		if recErr := s.runs.RecordRun(ctx, run); recErr != nil {
			log.Error(ctx, "recording import run failed", logger.Error(recErr))
			if err == nil {
				err = recErr
			}
		}
	}

	s.observer.BackfillFinished(string(run.Status))
	if err != nil {
		log.Error(ctx, "historical import failed", logger.Error(err), logger.String("run_id", run.ID))
		return err
	}
	log.Info(ctx, "historical data loaded", logger.Int("points", run.Points), logger.String("run_id", run.ID))
	return nil
}

func (s *Service) backfill(ctx context.Context, now time.Time, days int, run *ImportRun) error {
	data, err := s.fetcher.Fetch(ctx, WindowEndingToday(now, days))
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	points, err := s.aggregator.Import(ctx, data)
	run.Points = points
	if err != nil {
		return fmt.Errorf("import statistics: %w", err)
	}

	if state := s.normalizer.Normalize(ctx, data, now); state.HasReadings() {
		s.store.SaveSnapshot(Snapshot{FetchedAt: now.UTC(), State: state})
	}
	return nil
}

// BackfillCompleted reports whether a historical import has already
// succeeded.
func (s *Service) BackfillCompleted(ctx context.Context) (bool, error) {
	if s.runs == nil {
		return false, nil
	}
	return s.runs.BackfillCompleted(ctx)
}

// Latest delegates to the underlying store.
func (s *Service) Latest() (Snapshot, error) {
	return s.store.GetLatest()
}

// History delegates to the underlying store.
func (s *Service) History(from, to time.Time) ([]Snapshot, error) {
	return s.store.GetRange(from, to)
}
