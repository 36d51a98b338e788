package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/oura-data-aggregation/internal/oura"
)

var (
	// ErrNotFound is returned when no snapshot is available.
	ErrNotFound = errors.New("no sensor snapshot available")
)

// MemoryStore is a concurrency-safe in-memory history of sensor snapshots.
// The newest snapshot is the fallback served while polls fail.
type MemoryStore struct {
	mu sync.RWMutex

	snapshots []oura.Snapshot

	// retention configuration
	maxHistory int           // max number of snapshots kept
	maxAge     time.Duration // optional max age for snapshots

	now func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// SaveSnapshot appends a new snapshot and enforces retention. The latest
// snapshot is never evicted by age.
func (s *MemoryStore) SaveSnapshot(snapshot oura.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, snapshot)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(s.snapshots) > s.maxHistory {
		over := len(s.snapshots) - s.maxHistory
		s.snapshots = append([]oura.Snapshot(nil), s.snapshots[over:]...)
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(s.snapshots)-1; i++ {
			if !s.snapshots[i].FetchedAt.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			s.snapshots = s.snapshots[i:]
		}
	}
}

// GetLatest returns the most recent snapshot.
func (s *MemoryStore) GetLatest() (oura.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return oura.Snapshot{}, ErrNotFound
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

// GetRange returns all snapshots fetched between from and to (inclusive).
func (s *MemoryStore) GetRange(from, to time.Time) ([]oura.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []oura.Snapshot
	for _, snap := range s.snapshots {
		if !snap.FetchedAt.Before(from) && !snap.FetchedAt.After(to) {
			result = append(result, snap)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}
