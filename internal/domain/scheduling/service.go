package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinic/backoffice/internal/platform/lock"
	"github.com/clinic/backoffice/internal/platform/metrics"
)

var tracer = otel.Tracer("github.com/clinic/backoffice/internal/domain/scheduling")

type Service struct {
	repo    AppointmentRepository
	planner *Planner
	guard   *LimitGuard
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(repo AppointmentRepository, planner *Planner, guard *LimitGuard, locker lock.Locker, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{repo: repo, planner: planner, guard: guard, locker: locker, metrics: m, logger: logger}
}

// CreateAppointment books a single appointment or a whole series. Either every
// row is persisted or none is; rows are returned master first.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) ([]*Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.create_appointment", trace.WithAttributes(
		attribute.String("clinician.id", req.ClinicianID.String()),
		attribute.Bool("appointment.recurring", req.IsRecurring),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	plan, err := s.planner.Create(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("series.occurrences", len(plan.Creates)))

	unlock, err := s.locker.Lock(ctx, lock.ClinicianKey(req.ClinicianID.String()))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.guard.Check(ctx, req.ClinicianID, occurrencesOf(plan.Creates)); err != nil {
		s.rejected(span, err)
		return nil, err
	}
	scope := ScopeSingle
	if req.IsRecurring {
		scope = ScopeAll
	}
	if err := s.apply(ctx, "create", scope, plan); err != nil {
		return nil, err
	}
	if req.IsRecurring {
		s.metrics.ObserveSeriesSize(len(plan.Creates))
	}
	return plan.Creates, nil
}

// UpdateAppointment applies req.Changes to the target and, per scope, to the
// rest of its series.
func (s *Service) UpdateAppointment(ctx context.Context, req UpdateRequest) (*MutationResult, error) {
	ctx, span := tracer.Start(ctx, "scheduling.update_appointment", trace.WithAttributes(
		attribute.String("appointment.id", req.TargetID.String()),
		attribute.String("scope", string(req.Scope)),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	scope, _ := ParseScope(string(req.Scope))

	var result *MutationResult
	err := s.withSeries(ctx, req.TargetID, func(series *Series, target *Appointment) error {
		plan, err := s.planner.Update(series, target.ID, scope, req.Changes)
		if err != nil {
			return err
		}
		if err := s.checkUpdateLimits(ctx, series, plan); err != nil {
			s.rejected(span, err)
			return err
		}
		if err := s.apply(ctx, "update", scope, plan); err != nil {
			return err
		}
		result = plan.Result()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteAppointment removes the target and, per scope, the rest of its series.
func (s *Service) DeleteAppointment(ctx context.Context, req DeleteRequest) (*MutationResult, error) {
	ctx, span := tracer.Start(ctx, "scheduling.delete_appointment", trace.WithAttributes(
		attribute.String("appointment.id", req.TargetID.String()),
		attribute.String("scope", string(req.Scope)),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	scope, _ := ParseScope(string(req.Scope))

	var result *MutationResult
	err := s.withSeries(ctx, req.TargetID, func(series *Series, target *Appointment) error {
		plan, err := s.planner.Delete(series, target.ID, scope)
		if err != nil {
			return err
		}
		if err := s.apply(ctx, "delete", scope, plan); err != nil {
			return err
		}
		result = plan.Result()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withSeries resolves target, locks its series and loads it under the lock.
func (s *Service) withSeries(ctx context.Context, targetID uuid.UUID, fn func(*Series, *Appointment) error) error {
	target, err := s.repo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, lock.SeriesKey(target.MasterID().String()))
	if err != nil {
		return err
	}
	defer unlock()

	// The series may have been split or promoted before the lock was taken.
	fresh, err := s.repo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	if fresh.MasterID() != target.MasterID() {
		return ErrConcurrentModification
	}
	series, err := s.loadSeries(ctx, fresh)
	if err != nil {
		return err
	}
	current, ok := series.Find(targetID)
	if !ok {
		return ErrOccurrenceNotFound
	}
	return fn(series, current)
}

func (s *Service) loadSeries(ctx context.Context, target *Appointment) (*Series, error) {
	if !target.InSeries() {
		return NewSeries([]*Appointment{target})
	}
	rows, err := s.repo.FindSeries(ctx, target.MasterID())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrSeriesNotFound
	}
	return NewSeries(rows)
}

// checkUpdateLimits applies the daily limit to the rows an update places.
// Rows the plan deletes or rewrites give their slot back first.
func (s *Service) checkUpdateLimits(ctx context.Context, series *Series, plan *Plan) error {
	placed := append(append([]*Appointment(nil), plan.Creates...), plan.Updates...)
	released := append([]*Appointment(nil), plan.Deletes...)
	for _, u := range plan.Updates {
		if old, ok := series.Find(u.ID); ok {
			released = append(released, old)
		}
	}
	return s.guard.CheckReplacing(ctx, placed, released)
}

func (s *Service) apply(ctx context.Context, op string, scope Scope, plan *Plan) error {
	if plan.Empty() {
		return nil
	}
	if err := s.repo.ApplyPlan(ctx, plan); err != nil {
		s.metrics.ObservePlan(op, string(scope), "failed")
		s.logger.Error().Err(err).
			Str("series_id", plan.SeriesID.String()).
			Str("operation", op).
			Msg("apply plan")
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply plan")
		}
		return &PlanApplicationError{SeriesID: plan.SeriesID, Err: err}
	}
	s.metrics.ObservePlan(op, string(scope), "applied")
	s.metrics.ObservePlanRows(len(plan.Creates), len(plan.Updates), len(plan.Deletes))
	s.logger.Debug().
		Str("series_id", plan.SeriesID.String()).
		Str("operation", op).
		Str("scope", string(scope)).
		Int("created", len(plan.Creates)).
		Int("updated", len(plan.Updates)).
		Int("deleted", len(plan.Deletes)).
		Msg("plan applied")
	return nil
}

func (s *Service) rejected(span trace.Span, err error) {
	var limitErr *LimitExceededError
	if errors.As(err, &limitErr) {
		s.metrics.ObserveLimitRejection()
		span.SetAttributes(attribute.String("limit.date", limitErr.Date.Format("2006-01-02")))
	}
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

// GetSeries returns every row of the series the appointment belongs to.
func (s *Service) GetSeries(ctx context.Context, id uuid.UUID) ([]*Appointment, error) {
	target, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	series, err := s.loadSeries(ctx, target)
	if err != nil {
		return nil, err
	}
	return series.Rows(), nil
}

func (s *Service) ListAppointmentsByClinician(ctx context.Context, clinicianID uuid.UUID, from, to time.Time, limit, offset int) ([]*Appointment, int, error) {
	if clinicianID == uuid.Nil {
		return nil, 0, invalidf("clinician_id is required")
	}
	if !to.After(from) {
		return nil, 0, invalidf("to must be after from")
	}
	return s.repo.ListByClinician(ctx, clinicianID, wallClock(from), wallClock(to), limit, offset)
}
