package scheduling

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/platform/recurrence"
)

var testClinician = uuid.MustParse("6f1c2d1e-9a0b-4c55-8f3e-0d6c1a2b3c4d")

func ts(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func recurringRequest(rule string, start time.Time) CreateRequest {
	return CreateRequest{
		Start:             start,
		End:               start.Add(time.Hour),
		IsRecurring:       true,
		RecurrenceRule:    rule,
		AppointmentFields: AppointmentFields{ClinicianID: testClinician, Title: ptr("Group therapy")},
	}
}

// newTestSeries plans a recurring creation and loads its rows as a Series.
func newTestSeries(t *testing.T, p *Planner, rule string, start time.Time) *Series {
	t.Helper()
	plan, err := p.Create(recurringRequest(rule, start))
	if err != nil {
		t.Fatalf("create %q: %v", rule, err)
	}
	s, err := NewSeries(plan.Creates)
	if err != nil {
		t.Fatalf("load series: %v", err)
	}
	return s
}

// applyRows replays a plan the way the store does and returns the rows left.
func applyRows(rows []*Appointment, plan *Plan) []*Appointment {
	state := make(map[uuid.UUID]*Appointment)
	for _, r := range rows {
		state[r.ID] = r
	}
	for _, r := range plan.Creates {
		state[r.ID] = r
	}
	for _, r := range plan.Updates {
		state[r.ID] = r
	}
	for _, r := range plan.Deletes {
		delete(state, r.ID)
	}
	out := make([]*Appointment, 0, len(state))
	for _, r := range state {
		out = append(out, r)
	}
	sortByStart(out)
	return out
}

func groupByMaster(rows []*Appointment) map[uuid.UUID][]*Appointment {
	groups := make(map[uuid.UUID][]*Appointment)
	for _, r := range rows {
		groups[r.MasterID()] = append(groups[r.MasterID()], r)
	}
	return groups
}

func TestNewSeries_Valid(t *testing.T) {
	s := newTestSeries(t, NewPlanner(recurrence.Generator{}), "FREQ=WEEKLY;COUNT=4", ts(2025, 3, 3, 10, 0))

	if !s.Recurring() || s.Rule.Count != 4 {
		t.Fatalf("expected weekly COUNT=4 series, got %+v", s.Rule)
	}
	if len(s.Children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(s.Children))
	}
	rows := s.Rows()
	if rows[0] != s.Master || s.Last() != rows[3] {
		t.Error("rows not ordered master first")
	}
	if got, ok := s.Find(rows[2].ID); !ok || got != rows[2] {
		t.Error("Find did not return the child")
	}
	if _, ok := s.Find(uuid.New()); ok {
		t.Error("Find matched an unknown id")
	}

	// Row order from storage does not matter.
	shuffled := []*Appointment{rows[3], rows[1], rows[0], rows[2]}
	again, err := NewSeries(shuffled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Master.ID != s.Master.ID {
		t.Error("master not identified from shuffled rows")
	}
}

func TestNewSeries_Standalone(t *testing.T) {
	a := &Appointment{ID: uuid.New(), StartTime: ts(2025, 3, 3, 10, 0), EndTime: ts(2025, 3, 3, 11, 0)}
	s, err := NewSeries([]*Appointment{a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Recurring() || len(s.Children) != 0 || s.Master != a {
		t.Errorf("unexpected standalone series %+v", s)
	}
}

func TestNewSeries_Malformed(t *testing.T) {
	s := newTestSeries(t, NewPlanner(recurrence.Generator{}), "FREQ=DAILY;COUNT=3", ts(2025, 3, 3, 10, 0))
	rows := s.Rows()

	clone := func() []*Appointment {
		out := make([]*Appointment, len(rows))
		for i, r := range rows {
			out[i] = r.Clone()
		}
		return out
	}

	tests := []struct {
		name   string
		mutate func([]*Appointment) []*Appointment
	}{
		{"two masters", func(r []*Appointment) []*Appointment { r[1].SeriesMasterID = nil; return r }},
		{"no master", func(r []*Appointment) []*Appointment { return r[1:] }},
		{"foreign child", func(r []*Appointment) []*Appointment { r[2].SeriesMasterID = ptr(uuid.New()); return r }},
		{"duplicate start", func(r []*Appointment) []*Appointment { r[2].StartTime = r[1].StartTime; return r }},
		{"child with rule", func(r []*Appointment) []*Appointment { r[1].RecurrenceRule = ptr("FREQ=DAILY"); return r }},
		{"unparseable rule", func(r []*Appointment) []*Appointment { r[0].RecurrenceRule = ptr("FREQ=HOURLY"); return r }},
		{"children without rule", func(r []*Appointment) []*Appointment { r[0].RecurrenceRule = nil; return r }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSeries(tt.mutate(clone()))
			if !errors.Is(err, ErrMalformedSeries) {
				t.Fatalf("expected ErrMalformedSeries, got %v", err)
			}
		})
	}

	if _, err := NewSeries(nil); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("expected ErrSeriesNotFound for no rows, got %v", err)
	}
}
