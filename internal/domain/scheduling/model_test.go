package scheduling

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func ptr[T any](v T) *T { return &v }

func TestCreateRequest_Validate(t *testing.T) {
	start := ts(2025, 3, 3, 10, 0)
	base := func() CreateRequest {
		return CreateRequest{
			Start:             start,
			End:               start.Add(time.Hour),
			AppointmentFields: AppointmentFields{ClinicianID: uuid.New()},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr bool
	}{
		{"valid single", func(*CreateRequest) {}, false},
		{"valid recurring", func(r *CreateRequest) { r.IsRecurring = true; r.RecurrenceRule = "FREQ=DAILY;COUNT=2" }, false},
		{"missing clinician", func(r *CreateRequest) { r.ClinicianID = uuid.Nil }, true},
		{"missing start", func(r *CreateRequest) { r.Start = time.Time{} }, true},
		{"missing end", func(r *CreateRequest) { r.End = time.Time{} }, true},
		{"end before start", func(r *CreateRequest) { r.End = start.Add(-time.Minute) }, true},
		{"zero length", func(r *CreateRequest) { r.End = start }, true},
		{"recurring without rule", func(r *CreateRequest) { r.IsRecurring = true; r.RecurrenceRule = "  " }, true},
		{"rule without recurring", func(r *CreateRequest) { r.RecurrenceRule = "FREQ=DAILY" }, true},
		{"bad status", func(r *CreateRequest) { r.Status = "maybe" }, true},
		{"negative fee", func(r *CreateRequest) { r.FeeCents = ptr(int64(-1)) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("expected ErrInvalidRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateRequest_NormalizeDropsZone(t *testing.T) {
	loc := time.FixedZone("clinic", 5*3600)
	req := CreateRequest{
		Start: time.Date(2025, 3, 3, 10, 30, 15, 999, loc),
		End:   time.Date(2025, 3, 3, 11, 30, 0, 0, loc),
	}
	req.normalize()

	if !req.Start.Equal(ts(2025, 3, 3, 10, 30).Add(15*time.Second)) || req.Start.Location() != time.UTC {
		t.Errorf("expected wall clock 10:30:15 UTC, got %v", req.Start)
	}
	if req.Status != StatusBooked {
		t.Errorf("expected default status booked, got %q", req.Status)
	}
}

func TestChanges_ApplyTo(t *testing.T) {
	orig := &Appointment{
		ID:          uuid.New(),
		StartTime:   ts(2025, 3, 3, 10, 0),
		EndTime:     ts(2025, 3, 3, 10, 45),
		ClinicianID: uuid.New(),
		Status:      StatusBooked,
		Title:       ptr("Intake"),
	}

	t.Run("start keeps duration", func(t *testing.T) {
		a := orig.Clone()
		if err := (Changes{Start: ptr(ts(2025, 3, 4, 14, 0))}).applyTo(a); err != nil {
			t.Fatal(err)
		}
		if !a.EndTime.Equal(ts(2025, 3, 4, 14, 45)) {
			t.Errorf("expected end 14:45, got %v", a.EndTime)
		}
	})

	t.Run("start and end", func(t *testing.T) {
		a := orig.Clone()
		ch := Changes{Start: ptr(ts(2025, 3, 4, 14, 0)), End: ptr(ts(2025, 3, 4, 16, 0))}
		if err := ch.applyTo(a); err != nil {
			t.Fatal(err)
		}
		if a.EndTime.Sub(a.StartTime) != 2*time.Hour {
			t.Errorf("expected two hour window, got %v", a.EndTime.Sub(a.StartTime))
		}
	})

	t.Run("end before start", func(t *testing.T) {
		a := orig.Clone()
		err := (Changes{End: ptr(ts(2025, 3, 3, 9, 0))}).applyTo(a)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("fields copied not aliased", func(t *testing.T) {
		a := orig.Clone()
		title := "Follow-up"
		ch := Changes{Title: &title, Status: ptr(StatusArrived), FeeCents: ptr(int64(9000))}
		if err := ch.applyTo(a); err != nil {
			t.Fatal(err)
		}
		title = "changed"
		if *a.Title != "Follow-up" || a.Status != StatusArrived || *a.FeeCents != 9000 {
			t.Errorf("unexpected result %+v", a)
		}
		if *orig.Title != "Intake" {
			t.Error("original row was mutated")
		}
	})
}

func TestChanges_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ch      Changes
		wantErr bool
	}{
		{"empty", Changes{}, false},
		{"status", Changes{Status: ptr(StatusNoShow)}, false},
		{"bad status", Changes{Status: ptr("lost")}, true},
		{"nil clinician", Changes{ClinicianID: ptr(uuid.Nil)}, true},
		{"inverted window", Changes{Start: ptr(ts(2025, 1, 1, 10, 0)), End: ptr(ts(2025, 1, 1, 9, 0))}, true},
		{"negative fee", Changes{FeeCents: ptr(int64(-5))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ch.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in   string
		want Scope
		err  bool
	}{
		{"", ScopeSingle, false},
		{"single", ScopeSingle, false},
		{" FUTURE ", ScopeFuture, false},
		{"All", ScopeAll, false},
		{"this-and-following", "", true},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseScope(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseScope(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAppointment_SeriesAccessors(t *testing.T) {
	masterID := uuid.New()
	master := &Appointment{ID: masterID, RecurrenceRule: ptr("FREQ=DAILY")}
	child := &Appointment{ID: uuid.New(), SeriesMasterID: &masterID}
	single := &Appointment{ID: uuid.New()}

	if !master.IsMaster() || child.IsMaster() || single.IsMaster() {
		t.Error("IsMaster mismatch")
	}
	if !master.InSeries() || !child.InSeries() || single.InSeries() {
		t.Error("InSeries mismatch")
	}
	if child.MasterID() != masterID || master.MasterID() != masterID || single.MasterID() != single.ID {
		t.Error("MasterID mismatch")
	}

	c := child.Clone()
	*c.SeriesMasterID = uuid.New()
	if *child.SeriesMasterID != masterID {
		t.Error("Clone shares SeriesMasterID storage")
	}
}
