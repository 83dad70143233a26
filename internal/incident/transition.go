package incident

import (
	"slices"
	"time"
)

// transitions is the legal-target table of the status state machine.
var transitions = map[Status][]Status{
	StatusOpen:         {StatusAcknowledged, StatusInProgress, StatusResolved},
	StatusAcknowledged: {StatusInProgress, StatusResolved},
	StatusInProgress:   {StatusResolved},
	StatusResolved:     nil,
}

// AllowedTransitions returns the statuses reachable from s in one step.
func AllowedTransitions(s Status) []Status {
	return slices.Clone(transitions[s])
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionRequest is one update against an incident. Empty fields mean
// "leave unchanged".
type TransitionRequest struct {
	Status     Status `json:"status,omitempty"`
	Notes      string `json:"notes,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// Mutation is the staged result of a read-modify-write against one
// incident. A Store applies all of it in one transaction or none of it.
type Mutation struct {
	// Incident is the full new row state, nil when no column changes.
	Incident *Incident
	Events   []TimelineEvent
	Note     *Note

	// outcome, consumed by the service after commit
	from, to     Status
	acknowledged bool
	resolved     bool
}

// Empty reports whether the mutation writes nothing.
func (m *Mutation) Empty() bool {
	return m == nil || (m.Incident == nil && len(m.Events) == 0 && m.Note == nil)
}

// planTransition stages the changes req makes to cur at time now. It never
// mutates cur.
func planTransition(cur *Incident, req TransitionRequest, now time.Time) (*Mutation, error) {
	next := cur.Clone()
	m := &Mutation{}
	changed := false

	actor := req.Actor
	if actor == "" {
		actor = ActorSystem
	}

	if req.AssignedTo != "" && req.AssignedTo != cur.AssignedTo {
		var previous any
		if cur.AssignedTo != "" {
			previous = cur.AssignedTo
		}
		next.AssignedTo = req.AssignedTo
		m.Events = append(m.Events, NewEvent(cur.ID, EventAssigned, actor, map[string]any{
			"previous": previous,
			"new":      req.AssignedTo,
		}, now))
		changed = true
	}

	if req.Status != "" && req.Status != cur.Status {
		if !CanTransition(cur.Status, req.Status) {
			return nil, &IllegalTransitionError{
				From:    cur.Status,
				To:      req.Status,
				Allowed: AllowedTransitions(cur.Status),
			}
		}
		next.Status = req.Status
		m.from, m.to = cur.Status, req.Status

		elapsed := max(now.Sub(cur.CreatedAt).Seconds(), 0)

		if (req.Status == StatusAcknowledged || req.Status == StatusInProgress) && cur.AcknowledgedAt == nil {
			next.AcknowledgedAt = &now
			next.MTTASeconds = &elapsed
			m.acknowledged = true
		}

		if req.Status == StatusResolved && cur.ResolvedAt == nil {
			next.ResolvedAt = &now
			next.MTTRSeconds = &elapsed
			m.resolved = true

			// fast-track open -> resolved auto-acknowledges
			if cur.AcknowledgedAt == nil {
				ack, mtta := now, elapsed
				next.AcknowledgedAt = &ack
				next.MTTASeconds = &mtta
				m.acknowledged = true
			}
		}

		m.Events = append(m.Events, NewEvent(cur.ID, EventType(req.Status), actor, map[string]any{
			"from": string(cur.Status),
			"to":   string(req.Status),
		}, now))
		changed = true
	}

	if req.Notes != "" {
		author := req.AssignedTo
		if author == "" {
			author = cur.AssignedTo
		}
		if author == "" {
			author = ActorSystem
		}
		m.Note = NewNote(cur.ID, author, req.Notes, now)
		m.Events = append(m.Events, noteEvent(m.Note))
		changed = true
	}

	if changed {
		next.UpdatedAt = now
		m.Incident = next
	}
	return m, nil
}
