package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/platform/recurrence"
)

// AppointmentCounter counts a clinician's non-cancelled appointments on a date.
type AppointmentCounter interface {
	CountForClinicianOnDate(ctx context.Context, clinicianID uuid.UUID, date time.Time) (int, error)
}

// LimitGuard enforces the per-clinician daily appointment limit.
type LimitGuard struct {
	counter   AppointmentCounter
	maxPerDay int
}

// NewLimitGuard returns a guard allowing maxPerDay appointments per clinician
// per day. A maxPerDay of zero or less disables the guard.
func NewLimitGuard(counter AppointmentCounter, maxPerDay int) *LimitGuard {
	return &LimitGuard{counter: counter, maxPerDay: maxPerDay}
}

func (g *LimitGuard) MaxPerDay() int { return g.maxPerDay }

// Exceeds reports whether the clinician is already at the limit on date.
func (g *LimitGuard) Exceeds(ctx context.Context, clinicianID uuid.UUID, date time.Time) (bool, error) {
	if g == nil || g.maxPerDay <= 0 {
		return false, nil
	}
	n, err := g.counter.CountForClinicianOnDate(ctx, clinicianID, recurrence.DateOf(date))
	if err != nil {
		return false, err
	}
	return n >= g.maxPerDay, nil
}

// Check consults Exceeds for each occurrence in order and fails on the first
// date at the limit.
func (g *LimitGuard) Check(ctx context.Context, clinicianID uuid.UUID, occurrences []recurrence.Occurrence) error {
	for _, o := range occurrences {
		over, err := g.Exceeds(ctx, clinicianID, o.Start)
		if err != nil {
			return err
		}
		if over {
			return &LimitExceededError{ClinicianID: clinicianID, Date: recurrence.DateOf(o.Start), Limit: g.maxPerDay}
		}
	}
	return nil
}

// CheckReplacing checks the rows a plan places against the limit. Each
// released row frees its slot on its clinician's date, so a placed row landing
// on a freed slot replaces it instead of adding to the count.
func (g *LimitGuard) CheckReplacing(ctx context.Context, placed, released []*Appointment) error {
	if g == nil || g.maxPerDay <= 0 {
		return nil
	}
	type slot struct {
		clinician uuid.UUID
		date      time.Time
	}
	freed := make(map[slot]int)
	for _, r := range released {
		if r.Status != StatusCancelled {
			freed[slot{r.ClinicianID, recurrence.DateOf(r.StartTime)}]++
		}
	}
	added := make(map[slot]int)
	for _, r := range placed {
		if r.Status == StatusCancelled {
			continue
		}
		k := slot{r.ClinicianID, recurrence.DateOf(r.StartTime)}
		if freed[k] > 0 {
			freed[k]--
			continue
		}
		n, err := g.counter.CountForClinicianOnDate(ctx, k.clinician, k.date)
		if err != nil {
			return err
		}
		if n+added[k] >= g.maxPerDay {
			return &LimitExceededError{ClinicianID: k.clinician, Date: k.date, Limit: g.maxPerDay}
		}
		added[k]++
	}
	return nil
}

func occurrencesOf(rows []*Appointment) []recurrence.Occurrence {
	out := make([]recurrence.Occurrence, len(rows))
	for i, r := range rows {
		out[i] = recurrence.Occurrence{Start: r.StartTime, End: r.EndTime}
	}
	return out
}
