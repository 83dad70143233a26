// Package memstore provides an in-memory implementation of alert.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/incidentd/internal/alert"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{alerts: make(map[string]*alert.Alert)}
}

// Put stores a copy of a.
func (s *Store) Put(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a.Clone()
	return nil
}

// Get returns a copy of the alert with the given ID.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// List returns one page of matching alerts, newest first.
func (s *Store) List(_ context.Context, f alert.Filter) ([]alert.Alert, int, error) {
	f = f.Normalize()
	s.mu.RLock()
	matched := make([]alert.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Service != "" && a.Service != f.Service {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.IncidentID != "" && (a.IncidentID == nil || *a.IncidentID != f.IncidentID) {
			continue
		}
		matched = append(matched, *a.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b alert.Alert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	total := len(matched)
	start := min(f.Offset(), total)
	end := min(start+f.PerPage, total)
	return matched[start:end], total, nil
}
