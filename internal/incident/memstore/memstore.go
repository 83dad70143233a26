// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing. A single mutex
// serialises writers, which gives every Update the isolation of a row lock.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident       // incident ID -> incident
	timeline  map[string][]incident.TimelineEvent // incident ID -> events in commit order
	notes     map[string][]incident.Note          // incident ID -> notes
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		timeline:  make(map[string][]incident.TimelineEvent),
		notes:     make(map[string][]incident.Note),
	}
}

// Create stores a copy of inc and its initial events.
func (s *Store) Create(_ context.Context, inc *incident.Incident, events []incident.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
	s.timeline[inc.ID] = append(s.timeline[inc.ID], events...)
	return nil
}

// Update runs fn against a copy of the incident and applies its mutation.
func (s *Store) Update(_ context.Context, id string, fn incident.UpdateFunc) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.incidents[id]
	if !ok {
		return nil, incident.ErrNotFound
	}

	m, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		return cur.Clone(), nil
	}

	if m.Incident != nil {
		next := m.Incident.Clone()
		// identity and creation columns are not writable through Update
		next.ID, next.Service, next.Severity, next.Title, next.CreatedAt = cur.ID, cur.Service, cur.Severity, cur.Title, cur.CreatedAt
		s.incidents[id] = next
	}
	if m.Note != nil {
		s.notes[id] = append(s.notes[id], *m.Note)
	}
	s.timeline[id] = append(s.timeline[id], m.Events...)

	return s.incidents[id].Clone(), nil
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// FindOpen returns the newest unresolved incident matching service and severity created after since.
func (s *Store) FindOpen(_ context.Context, service string, severity incident.Severity, since time.Time) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *incident.Incident
	for _, inc := range s.incidents {
		if inc.Service != service || inc.Severity != severity || inc.Status == incident.StatusResolved {
			continue
		}
		if !inc.CreatedAt.After(since) {
			continue
		}
		if best == nil || inc.CreatedAt.After(best.CreatedAt) || (inc.CreatedAt.Equal(best.CreatedAt) && inc.ID > best.ID) {
			best = inc
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.ID, true, nil
}

// List returns a page of incidents matching f, newest first.
func (s *Store) List(_ context.Context, f incident.Filter) ([]incident.Incident, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f = f.Normalize()
	var matched []incident.Incident
	for _, inc := range s.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Service != "" && inc.Service != f.Service {
			continue
		}
		matched = append(matched, *inc.Clone())
	}

	slices.SortFunc(matched, func(a, b incident.Incident) int {
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

// Timeline returns a copy of the incident's events in commit order.
func (s *Store) Timeline(_ context.Context, id string) ([]incident.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.incidents[id]; !ok {
		return nil, incident.ErrNotFound
	}
	return slices.Clone(s.timeline[id]), nil
}

// Notes returns a copy of the incident's notes.
func (s *Store) Notes(_ context.Context, id string) ([]incident.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.incidents[id]; !ok {
		return nil, incident.ErrNotFound
	}
	return slices.Clone(s.notes[id]), nil
}

// Summary counts incidents per status and averages recorded MTTA/MTTR.
func (s *Store) Summary(_ context.Context) (*incident.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sum              incident.Summary
		mttaSum, mttrSum float64
		mttaN, mttrN     int
	)
	for _, inc := range s.incidents {
		switch inc.Status {
		case incident.StatusOpen:
			sum.Open++
		case incident.StatusAcknowledged:
			sum.Acknowledged++
		case incident.StatusInProgress:
			sum.InProgress++
		case incident.StatusResolved:
			sum.Resolved++
		}
		if inc.MTTASeconds != nil {
			mttaSum += *inc.MTTASeconds
			mttaN++
		}
		if inc.MTTRSeconds != nil {
			mttrSum += *inc.MTTRSeconds
			mttrN++
		}
	}
	if mttaN > 0 {
		avg := mttaSum / float64(mttaN)
		sum.AvgMTTASeconds = &avg
	}
	if mttrN > 0 {
		avg := mttrSum / float64(mttrN)
		sum.AvgMTTRSeconds = &avg
	}
	return &sum, nil
}

// CountByStatus returns the number of incidents in each status.
func (s *Store) CountByStatus(_ context.Context) (map[incident.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[incident.Status]int, len(incident.Statuses))
	for _, inc := range s.incidents {
		counts[inc.Status]++
	}
	return counts, nil
}
