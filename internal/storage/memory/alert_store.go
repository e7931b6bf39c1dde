package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// AlertStore keeps emitted alerts in arrival order.
type AlertStore struct {
	mu     sync.RWMutex
	alerts []crawler.AlertEvent
	max    int
}

// NewAlertStore keeps at most maxAlerts, discarding the oldest. Zero keeps all.
func NewAlertStore(maxAlerts int) *AlertStore {
	return &AlertStore{max: maxAlerts}
}

// SaveAlert appends an alert.
func (s *AlertStore) SaveAlert(_ context.Context, alert crawler.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	if s.max > 0 && len(s.alerts) > s.max {
		s.alerts = append([]crawler.AlertEvent(nil), s.alerts[len(s.alerts)-s.max:]...)
	}
	return nil
}

// ListAlerts returns matching alerts, newest first.
func (s *AlertStore) ListAlerts(_ context.Context, filter crawler.AlertFilter) ([]crawler.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.AlertEvent, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Acknowledged != nil && a.Acknowledged != *filter.Acknowledged {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// AckAlert marks an alert acknowledged.
func (s *AlertStore) AckAlert(_ context.Context, id string) (crawler.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Acknowledged = true
			return s.alerts[i], nil
		}
	}
	return crawler.AlertEvent{}, fmt.Errorf("alert %s: %w", id, crawler.ErrNotFound)
}
