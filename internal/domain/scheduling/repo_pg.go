package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type dbtx interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type appointmentRepoPG struct{ db dbtx }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{db: pool}
}

func newAppointmentRepoWithDB(db dbtx) *appointmentRepoPG {
	return &appointmentRepoPG{db: db}
}

const apptCols = `id, start_time, end_time, is_recurring, recurrence_rule, series_master_id, materialized_through,
	clinician_id, location_id, client_group_id, service_id, status, title, fee_cents, note,
	version_id, created_at, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.StartTime, &a.EndTime, &a.IsRecurring, &a.RecurrenceRule, &a.SeriesMasterID, &a.MaterializedThrough,
		&a.ClinicianID, &a.LocationID, &a.ClientGroupID, &a.ServiceID, &a.Status, &a.Title, &a.FeeCents, &a.Note,
		&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.db.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *appointmentRepoPG) FindSeries(ctx context.Context, masterID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE id = $1 OR series_master_id = $1
		ORDER BY start_time`, masterID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *appointmentRepoPG) CountForClinicianOnDate(ctx context.Context, clinicianID uuid.UUID, date time.Time) (int, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM appointment
		WHERE clinician_id = $1 AND start_time >= $2 AND start_time < $3 AND status <> $4`,
		clinicianID, day, day.AddDate(0, 0, 1), StatusCancelled).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) ListByClinician(ctx context.Context, clinicianID uuid.UUID, from, to time.Time, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM appointment
		WHERE clinician_id = $1 AND start_time >= $2 AND start_time < $3`,
		clinicianID, from, to).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE clinician_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time LIMIT $4 OFFSET $5`, clinicianID, from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListOpenEndedMasters relies on masters storing their rule in canonical form.
func (r *appointmentRepoPG) ListOpenEndedMasters(ctx context.Context) ([]*Appointment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE series_master_id IS NULL AND recurrence_rule IS NOT NULL
			AND recurrence_rule NOT LIKE '%COUNT=%' AND recurrence_rule NOT LIKE '%UNTIL=%'
		ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// ApplyPlan runs creates, updates and deletes in one transaction. Updates and
// deletes only match the version they were planned against.
func (r *appointmentRepoPG) ApplyPlan(ctx context.Context, plan *Plan) error {
	ctx, span := tracer.Start(ctx, "scheduling.repo.apply_plan", trace.WithAttributes(
		attribute.String("series.id", plan.SeriesID.String()),
		attribute.Int("plan.creates", len(plan.Creates)),
		attribute.Int("plan.updates", len(plan.Updates)),
		attribute.Int("plan.deletes", len(plan.Deletes)),
	))
	defer span.End()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, a := range plan.Creates {
		if _, err := tx.Exec(ctx, `
			INSERT INTO appointment (id, start_time, end_time, is_recurring, recurrence_rule, series_master_id,
				materialized_through, clinician_id, location_id, client_group_id, service_id, status, title,
				fee_cents, note, version_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1,$16,$16)`,
			a.ID, a.StartTime, a.EndTime, a.IsRecurring, a.RecurrenceRule, a.SeriesMasterID,
			a.MaterializedThrough, a.ClinicianID, a.LocationID, a.ClientGroupID, a.ServiceID, a.Status, a.Title,
			a.FeeCents, a.Note, now); err != nil {
			return fmt.Errorf("insert appointment %s: %w", a.ID, err)
		}
	}
	for _, a := range plan.Updates {
		tag, err := tx.Exec(ctx, `
			UPDATE appointment SET start_time=$2, end_time=$3, is_recurring=$4, recurrence_rule=$5,
				series_master_id=$6, materialized_through=$7, clinician_id=$8, location_id=$9,
				client_group_id=$10, service_id=$11, status=$12, title=$13, fee_cents=$14, note=$15,
				version_id=version_id+1, updated_at=$16
			WHERE id = $1 AND version_id = $17`,
			a.ID, a.StartTime, a.EndTime, a.IsRecurring, a.RecurrenceRule,
			a.SeriesMasterID, a.MaterializedThrough, a.ClinicianID, a.LocationID,
			a.ClientGroupID, a.ServiceID, a.Status, a.Title, a.FeeCents, a.Note, now, a.VersionID)
		if err != nil {
			return fmt.Errorf("update appointment %s: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update appointment %s: %w", a.ID, ErrConcurrentModification)
		}
	}
	for _, a := range plan.Deletes {
		tag, err := tx.Exec(ctx, `DELETE FROM appointment WHERE id = $1 AND version_id = $2`, a.ID, a.VersionID)
		if err != nil {
			return fmt.Errorf("delete appointment %s: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("delete appointment %s: %w", a.ID, ErrConcurrentModification)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, a := range plan.Creates {
		a.VersionID = 1
		a.CreatedAt, a.UpdatedAt = now, now
	}
	for _, a := range plan.Updates {
		a.VersionID++
		a.UpdatedAt = now
	}
	return nil
}
