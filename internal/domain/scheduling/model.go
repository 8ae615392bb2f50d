package scheduling

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusBooked    = "booked"
	StatusArrived   = "arrived"
	StatusFulfilled = "fulfilled"
	StatusCancelled = "cancelled"
	StatusNoShow    = "noshow"
)

var validAppointmentStatuses = map[string]bool{
	StatusBooked: true, StatusArrived: true, StatusFulfilled: true,
	StatusCancelled: true, StatusNoShow: true,
}

// Appointment maps to the appointment table. A recurring series is one master
// row carrying the recurrence rule plus child rows pointing at it.
//
// MaterializedThrough is set on masters of open-ended series only: the start of
// the latest occurrence ever generated for the series. Occurrences up to that
// point that are missing were deleted and must not come back.
type Appointment struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	StartTime           time.Time  `db:"start_time" json:"start_time"`
	EndTime             time.Time  `db:"end_time" json:"end_time"`
	IsRecurring         bool       `db:"is_recurring" json:"is_recurring"`
	RecurrenceRule      *string    `db:"recurrence_rule" json:"recurrence_rule,omitempty"`
	SeriesMasterID      *uuid.UUID `db:"series_master_id" json:"series_master_id,omitempty"`
	MaterializedThrough *time.Time `db:"materialized_through" json:"materialized_through,omitempty"`
	ClinicianID         uuid.UUID  `db:"clinician_id" json:"clinician_id"`
	LocationID          *uuid.UUID `db:"location_id" json:"location_id,omitempty"`
	ClientGroupID       *uuid.UUID `db:"client_group_id" json:"client_group_id,omitempty"`
	ServiceID           *uuid.UUID `db:"service_id" json:"service_id,omitempty"`
	Status              string     `db:"status" json:"status"`
	Title               *string    `db:"title" json:"title,omitempty"`
	FeeCents            *int64     `db:"fee_cents" json:"fee_cents,omitempty"`
	Note                *string    `db:"note" json:"note,omitempty"`
	VersionID           int        `db:"version_id" json:"version_id"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (a *Appointment) GetVersionID() int { return a.VersionID }

// SetVersionID sets the current version.
func (a *Appointment) SetVersionID(v int) { a.VersionID = v }

// IsMaster reports whether the row owns a recurrence rule.
func (a *Appointment) IsMaster() bool {
	return a.SeriesMasterID == nil && a.RecurrenceRule != nil
}

// InSeries reports whether the row is a master or a child of one.
func (a *Appointment) InSeries() bool {
	return a.SeriesMasterID != nil || a.RecurrenceRule != nil
}

// MasterID returns the id of the series master the row belongs to.
func (a *Appointment) MasterID() uuid.UUID {
	if a.SeriesMasterID != nil {
		return *a.SeriesMasterID
	}
	return a.ID
}

// Clone returns a copy that shares no pointers with a.
func (a *Appointment) Clone() *Appointment {
	c := *a
	c.RecurrenceRule = cloneString(a.RecurrenceRule)
	c.SeriesMasterID = cloneUUID(a.SeriesMasterID)
	c.MaterializedThrough = cloneTime(a.MaterializedThrough)
	c.LocationID = cloneUUID(a.LocationID)
	c.ClientGroupID = cloneUUID(a.ClientGroupID)
	c.ServiceID = cloneUUID(a.ServiceID)
	c.Title = cloneString(a.Title)
	c.Note = cloneString(a.Note)
	if a.FeeCents != nil {
		v := *a.FeeCents
		c.FeeCents = &v
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

// AppointmentFields are the per-row fields the recurrence logic copies but does
// not interpret.
type AppointmentFields struct {
	ClinicianID   uuid.UUID  `json:"clinician_id"`
	LocationID    *uuid.UUID `json:"location_id,omitempty"`
	ClientGroupID *uuid.UUID `json:"client_group_id,omitempty"`
	ServiceID     *uuid.UUID `json:"service_id,omitempty"`
	Status        string     `json:"status,omitempty"`
	Title         *string    `json:"title,omitempty"`
	FeeCents      *int64     `json:"fee_cents,omitempty"`
	Note          *string    `json:"note,omitempty"`
}

// CreateRequest books one appointment or a whole recurring series.
type CreateRequest struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	IsRecurring    bool      `json:"is_recurring"`
	RecurrenceRule string    `json:"recurrence_rule,omitempty"`
	AppointmentFields
}

func (r *CreateRequest) Validate() error {
	if r.ClinicianID == uuid.Nil {
		return invalidf("clinician_id is required")
	}
	if r.Start.IsZero() {
		return invalidf("start is required")
	}
	if r.End.IsZero() {
		return invalidf("end is required")
	}
	if !r.End.After(r.Start) {
		return invalidf("end must be after start")
	}
	rule := strings.TrimSpace(r.RecurrenceRule)
	if r.IsRecurring && rule == "" {
		return invalidf("recurrence_rule is required for recurring appointments")
	}
	if !r.IsRecurring && rule != "" {
		return invalidf("recurrence_rule is only allowed when is_recurring is set")
	}
	if r.Status != "" && !validAppointmentStatuses[r.Status] {
		return invalidf("invalid appointment status: %s", r.Status)
	}
	if r.FeeCents != nil && *r.FeeCents < 0 {
		return invalidf("fee_cents must not be negative")
	}
	return nil
}

func (r *CreateRequest) normalize() {
	r.Start = wallClock(r.Start)
	r.End = wallClock(r.End)
	r.RecurrenceRule = strings.TrimSpace(r.RecurrenceRule)
	if r.Status == "" {
		r.Status = StatusBooked
	}
}

// newAppointment instantiates the request's fields over one occurrence window.
func (r *CreateRequest) newAppointment(start, end time.Time) *Appointment {
	a := &Appointment{
		ID:            uuid.New(),
		StartTime:     start,
		EndTime:       end,
		IsRecurring:   r.IsRecurring,
		ClinicianID:   r.ClinicianID,
		LocationID:    r.LocationID,
		ClientGroupID: r.ClientGroupID,
		ServiceID:     r.ServiceID,
		Status:        r.Status,
		Title:         r.Title,
		FeeCents:      r.FeeCents,
		Note:          r.Note,
	}
	return a.Clone()
}

// Changes is a partial update. Nil fields are left untouched.
type Changes struct {
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	RecurrenceRule *string    `json:"recurrence_rule,omitempty"`
	ClinicianID    *uuid.UUID `json:"clinician_id,omitempty"`
	LocationID     *uuid.UUID `json:"location_id,omitempty"`
	ClientGroupID  *uuid.UUID `json:"client_group_id,omitempty"`
	ServiceID      *uuid.UUID `json:"service_id,omitempty"`
	Status         *string    `json:"status,omitempty"`
	Title          *string    `json:"title,omitempty"`
	FeeCents       *int64     `json:"fee_cents,omitempty"`
	Note           *string    `json:"note,omitempty"`
}

func (c Changes) Validate() error {
	if c.ClinicianID != nil && *c.ClinicianID == uuid.Nil {
		return invalidf("clinician_id must not be empty")
	}
	if c.Status != nil && !validAppointmentStatuses[*c.Status] {
		return invalidf("invalid appointment status: %s", *c.Status)
	}
	if c.Start != nil && c.End != nil && !c.End.After(*c.Start) {
		return invalidf("end must be after start")
	}
	if c.FeeCents != nil && *c.FeeCents < 0 {
		return invalidf("fee_cents must not be negative")
	}
	return nil
}

// movesTime reports whether applying the changes can shift an occurrence.
func (c Changes) movesTime() bool { return c.Start != nil || c.End != nil }

// applyTo merges the changes over a. A new start without a new end keeps the
// row's duration.
func (c Changes) applyTo(a *Appointment) error {
	if c.Start != nil {
		d := a.EndTime.Sub(a.StartTime)
		a.StartTime = wallClock(*c.Start)
		a.EndTime = a.StartTime.Add(d)
	}
	if c.End != nil {
		a.EndTime = wallClock(*c.End)
	}
	if !a.EndTime.After(a.StartTime) {
		return invalidf("end must be after start")
	}
	if c.ClinicianID != nil {
		a.ClinicianID = *c.ClinicianID
	}
	if c.LocationID != nil {
		a.LocationID = cloneUUID(c.LocationID)
	}
	if c.ClientGroupID != nil {
		a.ClientGroupID = cloneUUID(c.ClientGroupID)
	}
	if c.ServiceID != nil {
		a.ServiceID = cloneUUID(c.ServiceID)
	}
	if c.Status != nil {
		a.Status = *c.Status
	}
	if c.Title != nil {
		a.Title = cloneString(c.Title)
	}
	if c.FeeCents != nil {
		v := *c.FeeCents
		a.FeeCents = &v
	}
	if c.Note != nil {
		a.Note = cloneString(c.Note)
	}
	return nil
}

// Scope selects which occurrences of a series a mutation touches.
type Scope string

const (
	ScopeSingle Scope = "single"
	ScopeFuture Scope = "future"
	ScopeAll    Scope = "all"
)

// ParseScope parses a scope query value. An empty value means ScopeSingle.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeSingle:
		return ScopeSingle, nil
	case ScopeFuture:
		return ScopeFuture, nil
	case ScopeAll:
		return ScopeAll, nil
	}
	return "", invalidf("invalid scope: %s", s)
}

// UpdateRequest applies Changes to a target occurrence and, depending on the
// scope, to the rest of its series.
type UpdateRequest struct {
	TargetID uuid.UUID `json:"-"`
	Scope    Scope     `json:"-"`
	Changes  Changes   `json:"changes"`
}

func (r *UpdateRequest) Validate() error {
	if r.TargetID == uuid.Nil {
		return invalidf("target id is required")
	}
	if _, err := ParseScope(string(r.Scope)); err != nil {
		return err
	}
	return r.Changes.Validate()
}

// DeleteRequest removes a target occurrence and, depending on the scope, the
// rest of its series.
type DeleteRequest struct {
	TargetID uuid.UUID
	Scope    Scope
}

func (r *DeleteRequest) Validate() error {
	if r.TargetID == uuid.Nil {
		return invalidf("target id is required")
	}
	if _, err := ParseScope(string(r.Scope)); err != nil {
		return err
	}
	return nil
}

// MutationResult lists every row a mutation touched.
type MutationResult struct {
	Created []*Appointment `json:"created"`
	Updated []*Appointment `json:"updated"`
	Deleted []*Appointment `json:"deleted"`
}

// wallClock keeps the wall-clock reading of t and drops its zone.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
