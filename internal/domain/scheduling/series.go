package scheduling

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/platform/recurrence"
)

// Series is a master appointment plus its children, ordered by start time.
// A standalone appointment loads as a Series with no rule and no children.
type Series struct {
	Master   *Appointment
	Rule     *recurrence.Rule
	Children []*Appointment
}

// NewSeries builds the aggregate from stored rows in any order and rejects
// state that breaks the master/child invariants.
func NewSeries(rows []*Appointment) (*Series, error) {
	if len(rows) == 0 {
		return nil, ErrSeriesNotFound
	}
	sorted := append([]*Appointment(nil), rows...)
	sortByStart(sorted)

	var master *Appointment
	for _, r := range sorted {
		if r.SeriesMasterID != nil {
			continue
		}
		if master != nil {
			return nil, fmt.Errorf("%w: more than one master (%s, %s)", ErrMalformedSeries, master.ID, r.ID)
		}
		master = r
	}
	if master == nil {
		return nil, fmt.Errorf("%w: no master row", ErrMalformedSeries)
	}

	s := &Series{Master: master}
	if master.RecurrenceRule == nil {
		if len(sorted) > 1 {
			return nil, fmt.Errorf("%w: master %s has children but no recurrence rule", ErrMalformedSeries, master.ID)
		}
		return s, nil
	}
	rule, err := recurrence.ParseRule(*master.RecurrenceRule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSeries, err)
	}
	s.Rule = &rule

	for i, r := range sorted {
		if i > 0 && !r.StartTime.After(sorted[i-1].StartTime) {
			return nil, fmt.Errorf("%w: rows %s and %s share start %s", ErrMalformedSeries,
				sorted[i-1].ID, r.ID, r.StartTime.Format(time.RFC3339))
		}
		if r == master {
			continue
		}
		if *r.SeriesMasterID != master.ID {
			return nil, fmt.Errorf("%w: row %s points at %s, not master %s", ErrMalformedSeries, r.ID, *r.SeriesMasterID, master.ID)
		}
		if r.RecurrenceRule != nil {
			return nil, fmt.Errorf("%w: child %s carries a recurrence rule", ErrMalformedSeries, r.ID)
		}
		s.Children = append(s.Children, r)
	}
	return s, nil
}

// Recurring reports whether the series has a rule.
func (s *Series) Recurring() bool { return s.Rule != nil }

// Rows returns every row of the series ordered by start time.
func (s *Series) Rows() []*Appointment {
	rows := make([]*Appointment, 0, len(s.Children)+1)
	rows = append(rows, s.Master)
	rows = append(rows, s.Children...)
	sortByStart(rows)
	return rows
}

// Find returns the row with the given id.
func (s *Series) Find(id uuid.UUID) (*Appointment, bool) {
	if s.Master.ID == id {
		return s.Master, true
	}
	for _, c := range s.Children {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Last returns the latest row of the series.
func (s *Series) Last() *Appointment {
	rows := s.Rows()
	return rows[len(rows)-1]
}

// split partitions the rows into those starting before at and the rest.
func (s *Series) split(at time.Time) (before, from []*Appointment) {
	for _, r := range s.Rows() {
		if r.StartTime.Before(at) {
			before = append(before, r)
		} else {
			from = append(from, r)
		}
	}
	return before, from
}

func sortByStart(rows []*Appointment) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].StartTime.Before(rows[j].StartTime) })
}
