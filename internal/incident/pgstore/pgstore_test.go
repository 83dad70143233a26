package pgstore_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/incident/pgstore"
	"github.com/linnemanlabs/incidentd/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("INCIDENTD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INCIDENTD_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// uniqueService isolates tests sharing one database.
func uniqueService(t *testing.T) string {
	t.Helper()
	return "svc-" + ulid.Make().String()
}

func createIncident(t *testing.T, s *pgstore.Store, service string, sev incident.Severity, at time.Time) *incident.Incident {
	t.Helper()
	inc := incident.New("["+string(sev)+"] "+service+": test", service, sev, "", at)
	ev := incident.NewEvent(inc.ID, incident.EventCreated, incident.ActorSystem, map[string]any{"title": inc.Title}, at)
	if err := s.Create(context.Background(), inc, []incident.TimelineEvent{ev}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inc
}

func link(alertID string, now time.Time) incident.UpdateFunc {
	return func(cur *incident.Incident) (*incident.Mutation, error) {
		next := cur.Clone()
		next.AlertCount++
		next.UpdatedAt = now
		return &incident.Mutation{
			Incident: next,
			Events: []incident.TimelineEvent{
				incident.NewEvent(cur.ID, incident.EventAlertCorrelated, incident.ActorAlertIngestion,
					map[string]any{"alert_id": alertID, "fingerprint": "fp"}, now),
			},
		}, nil
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	inc := createIncident(t, s, uniqueService(t), incident.SeverityHigh, now)

	got, ok, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "ID", inc.ID, got.ID)
	assertEqual(t, "Title", inc.Title, got.Title)
	assertEqual(t, "Service", inc.Service, got.Service)
	assertEqual(t, "Severity", inc.Severity, got.Severity)
	assertEqual(t, "Status", incident.StatusOpen, got.Status)
	assertEqual(t, "AlertCount", 0, got.AlertCount)
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, now)
	}
	if got.AcknowledgedAt != nil || got.ResolvedAt != nil || got.MTTASeconds != nil || got.MTTRSeconds != nil {
		t.Errorf("lifecycle fields set on new incident: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "nonexistent-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent ID")
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := openStore(t)

	_, err := s.Update(context.Background(), "nonexistent-id", link("a", time.Now()))
	if !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateErrorRollsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	inc := createIncident(t, s, uniqueService(t), incident.SeverityLow, now)

	boom := &incident.IllegalTransitionError{From: incident.StatusResolved, To: incident.StatusOpen}
	_, err := s.Update(ctx, inc.ID, func(*incident.Incident) (*incident.Mutation, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the UpdateFunc error", err)
	}

	events, err := s.Timeline(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	assertEqual(t, "timeline len", 1, len(events))
}

func TestUpdateAppliesTransition(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created := time.Now().Truncate(time.Microsecond).UTC()
	inc := createIncident(t, s, uniqueService(t), incident.SeverityCritical, created)
	resolvedAt := created.Add(90 * time.Second)

	got, err := s.Update(ctx, inc.ID, func(cur *incident.Incident) (*incident.Mutation, error) {
		next := cur.Clone()
		elapsed := resolvedAt.Sub(cur.CreatedAt).Seconds()
		next.Status = incident.StatusResolved
		next.AssignedTo = "alice"
		next.AcknowledgedAt, next.ResolvedAt = &resolvedAt, &resolvedAt
		next.MTTASeconds, next.MTTRSeconds = &elapsed, &elapsed
		next.UpdatedAt = resolvedAt
		note := incident.NewNote(cur.ID, "alice", "rolled back deploy", resolvedAt)
		return &incident.Mutation{
			Incident: next,
			Note:     note,
			Events: []incident.TimelineEvent{
				incident.NewEvent(cur.ID, "resolved", "alice", map[string]any{"from": "open", "to": "resolved"}, resolvedAt),
				incident.NewEvent(cur.ID, incident.EventNoteAdded, "alice", map[string]any{"note_id": note.ID}, resolvedAt),
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	assertEqual(t, "Status", incident.StatusResolved, got.Status)
	assertEqual(t, "AssignedTo", "alice", got.AssignedTo)
	assertEqual(t, "Title", inc.Title, got.Title)
	if got.MTTRSeconds == nil || *got.MTTRSeconds != 90 {
		t.Errorf("MTTRSeconds = %v, want 90", got.MTTRSeconds)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, resolvedAt)
	}

	notes, err := s.Notes(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "rolled back deploy" {
		t.Errorf("notes = %+v", notes)
	}

	events, err := s.Timeline(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	want := []incident.EventType{incident.EventCreated, "resolved", incident.EventNoteAdded}
	if len(events) != len(want) {
		t.Fatalf("timeline len = %d, want %d", len(events), len(want))
	}
	for i := range want {
		assertEqual(t, "event type", want[i], events[i].Type)
	}
	assertEqual(t, "detail.to", any("resolved"), events[1].Detail["to"])
}

func TestUpdateEmptyMutation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	inc := createIncident(t, s, uniqueService(t), incident.SeverityMedium, now)

	got, err := s.Update(ctx, inc.ID, func(*incident.Incident) (*incident.Mutation, error) {
		return &incident.Mutation{}, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	assertEqual(t, "ID", inc.ID, got.ID)
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt moved to %v", got.UpdatedAt)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	inc := createIncident(t, s, uniqueService(t), incident.SeverityHigh, now)

	const n = 25
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, inc.ID, link("alert-"+string(rune('a'+i)), now)); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertEqual(t, "AlertCount", n, got.AlertCount)

	events, err := s.Timeline(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	assertEqual(t, "timeline len", n+1, len(events))
}

func TestFindOpen(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	service := uniqueService(t)
	now := time.Now().Truncate(time.Microsecond).UTC()
	older := createIncident(t, s, service, incident.SeverityHigh, now.Add(-2*time.Minute))
	newer := createIncident(t, s, service, incident.SeverityHigh, now.Add(-time.Minute))
	createIncident(t, s, service, incident.SeverityLow, now)

	id, ok, err := s.FindOpen(ctx, service, incident.SeverityHigh, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if !ok || id != newer.ID {
		t.Errorf("FindOpen = %q/%v, want %q", id, ok, newer.ID)
	}

	// window start is exclusive
	_, ok, _ = s.FindOpen(ctx, service, incident.SeverityHigh, now.Add(-time.Minute))
	if ok {
		t.Error("incident created exactly at window start must not match")
	}

	if _, err := s.Update(ctx, newer.ID, func(cur *incident.Incident) (*incident.Mutation, error) {
		next := cur.Clone()
		next.Status = incident.StatusResolved
		return &incident.Mutation{Incident: next}, nil
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	id, ok, _ = s.FindOpen(ctx, service, incident.SeverityHigh, now.Add(-5*time.Minute))
	if !ok || id != older.ID {
		t.Errorf("after resolve FindOpen = %q/%v, want %q", id, ok, older.ID)
	}
}

func TestListFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	service := uniqueService(t)
	now := time.Now().Truncate(time.Microsecond).UTC()
	for i := range 3 {
		createIncident(t, s, service, incident.SeverityHigh, now.Add(time.Duration(i)*time.Second))
	}
	createIncident(t, s, service, incident.SeverityLow, now)

	items, total, err := s.List(ctx, incident.Filter{Service: service, Severity: incident.SeverityHigh, Page: 1, PerPage: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	assertEqual(t, "total", 3, total)
	assertEqual(t, "page len", 2, len(items))
	if !items[0].CreatedAt.After(items[1].CreatedAt) {
		t.Error("List must return newest first")
	}

	items, _, err = s.List(ctx, incident.Filter{Service: service, Severity: incident.SeverityHigh, Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	assertEqual(t, "page 2 len", 1, len(items))
}

func TestTimelineAndNotesMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Timeline(ctx, "nonexistent-id"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Timeline err = %v, want ErrNotFound", err)
	}
	if _, err := s.Notes(ctx, "nonexistent-id"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Notes err = %v, want ErrNotFound", err)
	}
}

func TestSummaryAndCounts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	createIncident(t, s, uniqueService(t), incident.SeverityHigh, time.Now().UTC())

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Open < 1 {
		t.Errorf("Summary.Open = %d, want >= 1", sum.Open)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[incident.StatusOpen] < 1 {
		t.Errorf("open count = %d, want >= 1", counts[incident.StatusOpen])
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
