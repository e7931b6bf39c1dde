package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// DeadLetterStore is an append-only in-memory dead-letter log. Entries are
// never removed; only their resolution moves forward.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries []crawler.DeadLetterEntry
	byID    map[string]int
	byJob   map[string]string
}

// NewDeadLetterStore constructs an empty store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		byID:  make(map[string]int),
		byJob: make(map[string]string),
	}
}

// Record appends entry. A second entry for the same job is rejected.
func (s *DeadLetterStore) Record(_ context.Context, entry crawler.DeadLetterEntry) error {
	if entry.ID == "" || entry.JobID == "" {
		return fmt.Errorf("dead-letter entry requires id and job id")
	}
	if entry.Resolution == "" {
		entry.Resolution = crawler.ResolutionOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byJob[entry.JobID]; ok {
		return fmt.Errorf("job %s (entry %s): %w", entry.JobID, existing, crawler.ErrAlreadyDeadLettered)
	}
	if _, ok := s.byID[entry.ID]; ok {
		return fmt.Errorf("dead-letter entry %s already exists", entry.ID)
	}
	s.byID[entry.ID] = len(s.entries)
	s.byJob[entry.JobID] = entry.ID
	s.entries = append(s.entries, cloneEntry(entry))
	return nil
}

// Get returns a single entry.
func (s *DeadLetterStore) Get(_ context.Context, id string) (crawler.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return crawler.DeadLetterEntry{}, fmt.Errorf("dead-letter %s: %w", id, crawler.ErrNotFound)
	}
	return cloneEntry(s.entries[idx]), nil
}

// List returns matching entries, newest first.
func (s *DeadLetterStore) List(_ context.Context, filter crawler.DeadLetterFilter) ([]crawler.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.DeadLetterEntry, 0)
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, cloneEntry(e))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Resolve moves an entry's resolution forward.
func (s *DeadLetterStore) Resolve(
	_ context.Context,
	id string,
	resolution crawler.Resolution,
	now time.Time,
) (crawler.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return crawler.DeadLetterEntry{}, fmt.Errorf("dead-letter %s: %w", id, crawler.ErrNotFound)
	}
	entry := s.entries[idx]
	if !entry.Resolution.CanMoveTo(resolution) {
		return crawler.DeadLetterEntry{}, fmt.Errorf(
			"dead-letter %s %s -> %s: %w", id, entry.Resolution, resolution, crawler.ErrInvalidTransition)
	}
	entry.Resolution = resolution
	entry.UpdatedAt = now
	s.entries[idx] = entry
	return cloneEntry(entry), nil
}

// Stats aggregates totals and the rate over the trailing window.
func (s *DeadLetterStore) Stats(_ context.Context, window time.Duration, now time.Time) (crawler.DeadLetterStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := crawler.DeadLetterStats{
		Total:  len(s.entries),
		ByKind: make(map[crawler.FailureKind]int),
		Window: window,
	}
	since := now.Add(-window)
	for _, e := range s.entries {
		stats.ByKind[e.Kind]++
		if window > 0 && !e.CreatedAt.Before(since) {
			stats.InWindow++
		}
	}
	stats.RatePerMinute = crawler.RatePerMinute(stats.InWindow, window)
	return stats, nil
}

// CountSince counts entries created at or after since.
func (s *DeadLetterStore) CountSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.entries {
		if !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func cloneEntry(e crawler.DeadLetterEntry) crawler.DeadLetterEntry {
	if e.RawContext != nil {
		ctx := make(map[string]string, len(e.RawContext))
		for k, v := range e.RawContext {
			ctx[k] = v
		}
		e.RawContext = ctx
	}
	return e
}
