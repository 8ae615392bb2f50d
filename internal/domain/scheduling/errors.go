package scheduling

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest         = errors.New("invalid request")
	ErrOccurrenceNotFound     = errors.New("appointment not found")
	ErrSeriesNotFound         = errors.New("series not found")
	ErrInvalidScope           = errors.New("invalid scope transition")
	ErrMalformedSeries        = errors.New("malformed series")
	ErrDuplicateOccurrence    = errors.New("another occurrence of the series already starts at this time")
	ErrConcurrentModification = errors.New("appointment was modified concurrently")
)

// LimitExceededError reports the first date on which a clinician is already at
// the daily appointment limit.
type LimitExceededError struct {
	ClinicianID uuid.UUID
	Date        time.Time
	Limit       int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("appointment limit of %d reached for clinician %s on %s",
		e.Limit, e.ClinicianID, e.Date.Format("2006-01-02"))
}

// PlanApplicationError wraps a store failure while applying a plan. No part of
// the plan was persisted.
type PlanApplicationError struct {
	SeriesID uuid.UUID
	Err      error
}

func (e *PlanApplicationError) Error() string {
	return fmt.Sprintf("apply plan for series %s: %v", e.SeriesID, e.Err)
}

func (e *PlanApplicationError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
