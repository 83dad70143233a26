package incident

import (
	"context"
	"time"
)

// UpdateFunc stages a change against the current state of an incident. It
// runs inside the store's transaction with the incident row locked, so it
// must be free of side effects and may be called with a copy only.
type UpdateFunc func(current *Incident) (*Mutation, error)

// Store is the persistence interface for incidents, their notes and their
// timeline. Every mutating call is one atomic unit: partial application is
// never observable. Timeline events of one incident are returned in the
// order their operations committed.
type Store interface {
	// Create inserts inc together with its initial timeline events.
	Create(ctx context.Context, inc *Incident, events []TimelineEvent) error

	// Update locks the incident, hands a copy to fn and applies the returned
	// Mutation (row columns, note, events) atomically, returning the row as
	// re-read after the write. Returns ErrNotFound if the incident does not
	// exist; an error from fn aborts the transaction and is returned as-is.
	Update(ctx context.Context, id string, fn UpdateFunc) (*Incident, error)

	Get(ctx context.Context, id string) (*Incident, bool, error)

	// FindOpen returns the most recently created non-resolved incident for
	// service and severity created strictly after since.
	FindOpen(ctx context.Context, service string, severity Severity, since time.Time) (string, bool, error)

	// List returns one page of incidents, newest first, and the total match count.
	List(ctx context.Context, f Filter) ([]Incident, int, error)

	// Timeline returns every event of the incident in commit order.
	Timeline(ctx context.Context, id string) ([]TimelineEvent, error)

	// Notes returns the incident's notes oldest first.
	Notes(ctx context.Context, id string) ([]Note, error)

	Summary(ctx context.Context) (*Summary, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
