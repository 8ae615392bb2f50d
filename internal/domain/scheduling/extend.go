package scheduling

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/clinic/backoffice/internal/platform/lock"
)

// ExtendReport summarizes one extender run.
type ExtendReport struct {
	Series  int `json:"series"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ExtendOpenEndedSeries materializes the occurrences of every open-ended
// series up to now plus the generator horizon. A series that hits the daily
// limit or is locked is skipped until the next run.
func (s *Service) ExtendOpenEndedSeries(ctx context.Context, now time.Time) (*ExtendReport, error) {
	ctx, span := tracer.Start(ctx, "scheduling.extend_open_ended")
	defer span.End()

	masters, err := s.repo.ListOpenEndedMasters(ctx)
	if err != nil {
		return nil, err
	}
	_, horizon := s.planner.Generator().Limits()
	until := wallClock(now).Add(horizon)

	report := &ExtendReport{Series: len(masters)}
	for _, m := range masters {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		created, err := s.extendOne(ctx, m, until)
		log := s.logger.With().Str("series_id", m.ID.String()).Logger()
		var limitErr *LimitExceededError
		switch {
		case err == nil:
			report.Created += created
			if created > 0 {
				s.metrics.ObserveExtended("extended")
				log.Info().Int("created", created).Msg("series extended")
			}
		case errors.As(err, &limitErr), errors.Is(err, lock.ErrLocked):
			report.Skipped++
			s.metrics.ObserveExtended("skipped")
			log.Warn().Err(err).Msg("series extension skipped")
		default:
			report.Failed++
			s.metrics.ObserveExtended("failed")
			log.Error().Err(err).Msg("series extension failed")
		}
	}
	span.SetAttributes(
		attribute.Int("extend.series", report.Series),
		attribute.Int("extend.created", report.Created),
		attribute.Int("extend.skipped", report.Skipped),
	)
	return report, nil
}

func (s *Service) extendOne(ctx context.Context, master *Appointment, until time.Time) (int, error) {
	var created int
	err := s.withSeries(ctx, master.ID, func(series *Series, _ *Appointment) error {
		if !series.Recurring() || series.Rule.Bounded() {
			return nil
		}
		plan, err := s.planner.Extend(series, until)
		if err != nil {
			return err
		}
		if plan.Empty() {
			return nil
		}
		if err := s.guard.Check(ctx, series.Master.ClinicianID, occurrencesOf(plan.Creates)); err != nil {
			return err
		}
		if err := s.apply(ctx, "extend", ScopeFuture, plan); err != nil {
			return err
		}
		created = len(plan.Creates)
		return nil
	})
	return created, err
}
