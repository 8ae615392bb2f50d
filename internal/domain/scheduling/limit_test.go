package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/platform/recurrence"
)

type countByDate map[time.Time]int

func (c countByDate) CountForClinicianOnDate(_ context.Context, _ uuid.UUID, date time.Time) (int, error) {
	return c[date], nil
}

type failingCounter struct{ err error }

func (f failingCounter) CountForClinicianOnDate(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, f.err
}

func dailyOccurrences(start time.Time, n int) []recurrence.Occurrence {
	out := make([]recurrence.Occurrence, n)
	for i := range out {
		s := start.AddDate(0, 0, i)
		out[i] = recurrence.Occurrence{Start: s, End: s.Add(time.Hour)}
	}
	return out
}

func TestLimitGuard_Disabled(t *testing.T) {
	counts := countByDate{recurrence.DateOf(ts(2025, 3, 3, 0, 0)): 50}
	for _, g := range []*LimitGuard{nil, NewLimitGuard(counts, 0), NewLimitGuard(counts, -1)} {
		over, err := g.Exceeds(context.Background(), testClinician, ts(2025, 3, 3, 9, 0))
		if err != nil || over {
			t.Errorf("expected a disabled guard to allow, got %v, %v", over, err)
		}
	}
}

func TestLimitGuard_Exceeds(t *testing.T) {
	day := recurrence.DateOf(ts(2025, 3, 3, 0, 0))
	g := NewLimitGuard(countByDate{day: 3}, 3)

	over, err := g.Exceeds(context.Background(), testClinician, ts(2025, 3, 3, 15, 30))
	if err != nil || !over {
		t.Errorf("expected at-limit date to exceed, got %v, %v", over, err)
	}
	over, err = g.Exceeds(context.Background(), testClinician, ts(2025, 3, 4, 15, 30))
	if err != nil || over {
		t.Errorf("expected empty date to pass, got %v, %v", over, err)
	}
}

func TestLimitGuard_CheckReportsFirstFullDate(t *testing.T) {
	counts := countByDate{
		recurrence.DateOf(ts(2025, 3, 5, 0, 0)): 2,
		recurrence.DateOf(ts(2025, 3, 7, 0, 0)): 2,
	}
	g := NewLimitGuard(counts, 2)

	err := g.Check(context.Background(), testClinician, dailyOccurrences(ts(2025, 3, 3, 10, 0), 7))
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceededError, got %v", err)
	}
	if !limitErr.Date.Equal(ts(2025, 3, 5, 0, 0)) || limitErr.Limit != 2 || limitErr.ClinicianID != testClinician {
		t.Errorf("unexpected error details: %+v", limitErr)
	}

	if err := g.Check(context.Background(), testClinician, dailyOccurrences(ts(2025, 3, 3, 10, 0), 2)); err != nil {
		t.Errorf("expected dates before the full one to pass, got %v", err)
	}
}

func TestLimitGuard_CounterError(t *testing.T) {
	boom := errors.New("count failed")
	g := NewLimitGuard(failingCounter{err: boom}, 1)
	if err := g.Check(context.Background(), testClinician, dailyOccurrences(ts(2025, 3, 3, 10, 0), 1)); !errors.Is(err, boom) {
		t.Fatalf("expected counter error, got %v", err)
	}
}

func TestLimitGuard_CheckReplacing(t *testing.T) {
	full := recurrence.DateOf(ts(2025, 3, 3, 0, 0))
	g := NewLimitGuard(countByDate{full: 1}, 1)
	ctx := context.Background()

	onFull := standalone(ts(2025, 3, 3, 14, 0))
	existing := standalone(ts(2025, 3, 3, 9, 0))
	cancelled := standalone(ts(2025, 3, 3, 9, 0))
	cancelled.Status = StatusCancelled

	tests := []struct {
		name     string
		placed   []*Appointment
		released []*Appointment
		wantDate time.Time
	}{
		{"replaces a released row", []*Appointment{onFull}, []*Appointment{existing}, time.Time{}},
		{"nothing released", []*Appointment{onFull}, nil, full},
		{"cancelled release frees nothing", []*Appointment{onFull}, []*Appointment{cancelled}, full},
		{"cancelled placement is free", []*Appointment{cancelled}, nil, time.Time{}},
		{"released slot on another date", []*Appointment{onFull}, []*Appointment{standalone(ts(2025, 3, 4, 9, 0))}, full},
		{"two rows on an empty date", []*Appointment{standalone(ts(2025, 3, 5, 9, 0)), standalone(ts(2025, 3, 5, 11, 0))}, nil,
			recurrence.DateOf(ts(2025, 3, 5, 0, 0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckReplacing(ctx, tt.placed, tt.released)
			if tt.wantDate.IsZero() {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var limitErr *LimitExceededError
			if !errors.As(err, &limitErr) {
				t.Fatalf("expected LimitExceededError, got %v", err)
			}
			if !limitErr.Date.Equal(tt.wantDate) {
				t.Errorf("expected limit on %v, got %v", tt.wantDate, limitErr.Date)
			}
		})
	}

	if err := NewLimitGuard(countByDate{full: 5}, 0).CheckReplacing(ctx, []*Appointment{onFull}, nil); err != nil {
		t.Errorf("expected a disabled guard to allow, got %v", err)
	}
}
