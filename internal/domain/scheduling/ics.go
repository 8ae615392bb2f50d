package scheduling

import (
	"context"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
)

const icsProductID = "-//clinic//backoffice appointments//EN"

// ExportSeriesICS renders the series containing id as an iCalendar document
// with one VEVENT per stored row.
func (s *Service) ExportSeriesICS(ctx context.Context, id uuid.UUID) (string, error) {
	ctx, span := tracer.Start(ctx, "scheduling.export_ics")
	defer span.End()

	rows, err := s.GetSeries(ctx, id)
	if err != nil {
		return "", err
	}
	return renderICS(rows), nil
}

func renderICS(rows []*Appointment) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(icsProductID)
	for _, a := range rows {
		ev := cal.AddEvent(a.ID.String())
		ev.SetDtStampTime(a.UpdatedAt)
		ev.SetStartAt(a.StartTime)
		ev.SetEndAt(a.EndTime)
		summary := "Appointment"
		if a.Title != nil && *a.Title != "" {
			summary = *a.Title
		}
		ev.SetSummary(summary)
		if a.Note != nil && *a.Note != "" {
			ev.SetDescription(*a.Note)
		}
		ev.SetStatus(icsStatus(a.Status))
		if a.SeriesMasterID != nil {
			ev.SetProperty(ical.ComponentPropertyRelatedTo, a.SeriesMasterID.String())
		}
	}
	return cal.Serialize()
}

func icsStatus(status string) ical.ObjectStatus {
	switch status {
	case StatusCancelled, StatusNoShow:
		return ical.ObjectStatusCancelled
	default:
		return ical.ObjectStatusConfirmed
	}
}
