package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	AppointmentCounter
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// FindSeries returns every row of the series owned by masterID, ordered by start.
	FindSeries(ctx context.Context, masterID uuid.UUID) ([]*Appointment, error)
	ListByClinician(ctx context.Context, clinicianID uuid.UUID, from, to time.Time, limit, offset int) ([]*Appointment, int, error)
	ListOpenEndedMasters(ctx context.Context) ([]*Appointment, error)
	// ApplyPlan persists all of the plan or none of it.
	ApplyPlan(ctx context.Context, plan *Plan) error
}
