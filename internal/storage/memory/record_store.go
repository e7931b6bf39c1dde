package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// RecordStore keeps the latest record per listing.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]crawler.Record
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]crawler.Record)}
}

// UpsertRecord stores record and returns the one it replaced, if any.
func (s *RecordStore) UpsertRecord(_ context.Context, record crawler.Record) (crawler.Record, bool, error) {
	if record.ListingID == "" {
		return crawler.Record{}, false, fmt.Errorf("listing id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.records[record.ListingID]
	s.records[record.ListingID] = record
	return previous, existed, nil
}

// Get returns the stored record for listingID.
func (s *RecordStore) Get(listingID string) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[listingID]
	return rec, ok
}
