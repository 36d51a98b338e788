package oura

import (
	"context"
	"time"
)

// Fetcher pulls every source for one date window.
type Fetcher interface {
	Fetch(ctx context.Context, w Window) (PulledData, error)
}

// SnapshotStore is the contract the in-memory store (and any future
// persistent store) must satisfy.
type SnapshotStore interface {
	SaveSnapshot(snapshot Snapshot)
	GetLatest() (Snapshot, error)
	GetRange(from, to time.Time) ([]Snapshot, error)
}

// RunStatus is the outcome of a historical import run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ImportRun records one back-fill attempt.
type ImportRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Points     int
	Status     RunStatus
	Error      string
}

// RunLog remembers back-fill attempts so a completed import is not repeated.
type RunLog interface {
	RecordRun(ctx context.Context, run ImportRun) error
	BackfillCompleted(ctx context.Context) (bool, error)
}

// Observer receives pipeline outcomes, typically for metrics.
type Observer interface {
	PollFinished(result string, took time.Duration, keys int)
	BackfillFinished(result string)
}

type nopObserver struct{}

func (nopObserver) PollFinished(string, time.Duration, int) {}
func (nopObserver) BackfillFinished(string)                 {}
