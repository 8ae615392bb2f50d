package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/platform/recurrence"
)

// Plan is an ordered batch of writes that must be applied atomically.
// Deletes carry the full row so the store can check its version.
type Plan struct {
	SeriesID uuid.UUID
	Creates  []*Appointment
	Updates  []*Appointment
	Deletes  []*Appointment
}

func (p *Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

// Result reports the plan's rows in the shape returned to callers.
func (p *Plan) Result() *MutationResult {
	return &MutationResult{Created: p.Creates, Updated: p.Updates, Deleted: p.Deletes}
}

// verify replays the plan over the rows it was computed from and checks that
// every series left behind is well formed.
func (p *Plan) verify(before []*Appointment) error {
	state := make(map[uuid.UUID]*Appointment, len(before)+len(p.Creates))
	for _, r := range before {
		state[r.ID] = r
	}
	touched := make(map[uuid.UUID]bool)
	mark := func(id uuid.UUID) error {
		if touched[id] {
			return fmt.Errorf("%w: row %s appears twice in plan", ErrMalformedSeries, id)
		}
		touched[id] = true
		return nil
	}

	for _, r := range p.Deletes {
		if err := mark(r.ID); err != nil {
			return err
		}
		if _, ok := state[r.ID]; !ok {
			return fmt.Errorf("%w: delete of unknown row %s", ErrMalformedSeries, r.ID)
		}
		delete(state, r.ID)
	}
	for _, r := range p.Updates {
		if err := mark(r.ID); err != nil {
			return err
		}
		if _, ok := state[r.ID]; !ok {
			return fmt.Errorf("%w: update of unknown row %s", ErrMalformedSeries, r.ID)
		}
		state[r.ID] = r
	}
	for _, r := range p.Creates {
		if r.ID == uuid.Nil {
			return fmt.Errorf("%w: created row without id", ErrMalformedSeries)
		}
		if err := mark(r.ID); err != nil {
			return err
		}
		state[r.ID] = r
	}

	groups := make(map[uuid.UUID][]*Appointment)
	for _, r := range state {
		if !r.EndTime.After(r.StartTime) {
			return fmt.Errorf("%w: row %s ends before it starts", ErrInvalidRequest, r.ID)
		}
		if r.InSeries() {
			groups[r.MasterID()] = append(groups[r.MasterID()], r)
		}
	}
	for masterID, rows := range groups {
		m, ok := state[masterID]
		if !ok || !m.IsMaster() {
			return fmt.Errorf("%w: rows point at missing master %s", ErrMalformedSeries, masterID)
		}
		if _, err := NewSeries(rows); err != nil {
			return err
		}
	}
	return nil
}

// Planner turns creation and mutation intents into plans. It never touches
// storage.
type Planner struct {
	gen recurrence.Generator
}

func NewPlanner(gen recurrence.Generator) *Planner {
	return &Planner{gen: gen}
}

// Generator returns the occurrence generator the planner expands rules with.
func (p *Planner) Generator() recurrence.Generator { return p.gen }

// Create plans a new appointment or series. The master is the first create.
func (p *Planner) Create(req CreateRequest) (*Plan, error) {
	req.normalize()
	if !req.IsRecurring {
		a := req.newAppointment(req.Start, req.End)
		return &Plan{SeriesID: a.ID, Creates: []*Appointment{a}}, nil
	}

	rule, err := recurrence.ParseRule(req.RecurrenceRule)
	if err != nil {
		return nil, err
	}
	occ, err := p.gen.Generate(rule, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	master := req.newAppointment(occ[0].Start, occ[0].End)
	setRule(master, rule)
	markMaterialized(master, rule, occ)
	plan := &Plan{SeriesID: master.ID, Creates: []*Appointment{master}}
	plan.Creates = append(plan.Creates, p.children(master, occ[1:])...)
	if err := plan.verify(nil); err != nil {
		return nil, err
	}
	return plan, nil
}

// Delete plans the removal of target under scope.
func (p *Planner) Delete(s *Series, targetID uuid.UUID, scope Scope) (*Plan, error) {
	target, ok := s.Find(targetID)
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	plan := &Plan{SeriesID: s.Master.ID}

	if !s.Recurring() {
		if scope != ScopeSingle {
			return nil, fmt.Errorf("%w: %s delete of a non-recurring appointment", ErrInvalidScope, scope)
		}
		plan.Deletes = []*Appointment{target}
		return plan, nil
	}

	switch scope {
	case ScopeSingle:
		if target != s.Master || len(s.Children) == 0 {
			plan.Deletes = []*Appointment{target}
			break
		}
		rule, err := p.reseed(s, s.Children[0].StartTime)
		if err != nil {
			return nil, err
		}
		plan.Updates = promote(s.Children, rule)
		if !rule.Bounded() {
			plan.Updates[0].MaterializedThrough = cloneTime(s.Master.MaterializedThrough)
		}
		plan.Deletes = []*Appointment{s.Master}
	case ScopeAll:
		plan.Deletes = deleteOrder(s, s.Rows())
	case ScopeFuture:
		if err := p.truncate(s, target.StartTime, plan); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, scope)
	}

	if err := plan.verify(s.Rows()); err != nil {
		return nil, err
	}
	return plan, nil
}

// Update plans applying ch to target under scope. ScopeAll is a FUTURE update
// from the master.
func (p *Planner) Update(s *Series, targetID uuid.UUID, scope Scope, ch Changes) (*Plan, error) {
	target, ok := s.Find(targetID)
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	var newRule *recurrence.Rule
	if ch.RecurrenceRule != nil {
		r, err := recurrence.ParseRule(*ch.RecurrenceRule)
		if err != nil {
			return nil, err
		}
		newRule = &r
	}

	if !s.Recurring() && scope != ScopeSingle {
		return nil, fmt.Errorf("%w: %s update of a non-recurring appointment", ErrInvalidScope, scope)
	}

	var plan *Plan
	var err error
	switch scope {
	case ScopeSingle:
		plan, err = p.updateSingle(s, target, ch, newRule)
	case ScopeAll:
		plan, err = p.updateFuture(s, s.Master, ch, newRule)
	case ScopeFuture:
		plan, err = p.updateFuture(s, target, ch, newRule)
	default:
		err = fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, scope)
	}
	if err != nil {
		return nil, err
	}
	if err := plan.verify(s.Rows()); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Planner) updateSingle(s *Series, target *Appointment, ch Changes, newRule *recurrence.Rule) (*Plan, error) {
	if newRule != nil {
		return nil, fmt.Errorf("%w: the recurrence rule can only change for future or all occurrences", ErrInvalidScope)
	}
	updated := target.Clone()
	if err := ch.applyTo(updated); err != nil {
		return nil, err
	}
	if ch.movesTime() && s.Recurring() {
		for _, r := range s.Rows() {
			if r.ID != target.ID && r.StartTime.Equal(updated.StartTime) {
				return nil, ErrDuplicateOccurrence
			}
		}
	}
	return &Plan{SeriesID: s.Master.ID, Updates: []*Appointment{updated}}, nil
}

// updateFuture splits the series at target: rows before it stay with the old
// master, and a new master regenerated from target carries the changes.
func (p *Planner) updateFuture(s *Series, target *Appointment, ch Changes, newRule *recurrence.Rule) (*Plan, error) {
	plan := &Plan{SeriesID: s.Master.ID}

	if target == s.Master {
		master := s.Master.Clone()
		if err := ch.applyTo(master); err != nil {
			return nil, err
		}
		rule := *s.Rule
		if newRule != nil {
			rule = *newRule
		}
		occ, err := p.gen.Generate(rule, master.StartTime, master.EndTime)
		if err != nil {
			return nil, err
		}
		master.StartTime, master.EndTime = occ[0].Start, occ[0].End
		master.IsRecurring = true
		setRule(master, rule)
		markMaterialized(master, rule, occ)
		plan.Updates = []*Appointment{master}
		plan.Creates = p.children(master, occ[1:])
		plan.Deletes = deleteOrder(s, s.Children)
		return plan, nil
	}

	rule, err := p.tailRule(s, target.StartTime, newRule)
	if err != nil {
		return nil, err
	}
	if err := p.truncate(s, target.StartTime, plan); err != nil {
		return nil, err
	}

	master := target.Clone()
	master.ID = uuid.New()
	master.SeriesMasterID = nil
	master.IsRecurring = true
	master.VersionID = 0
	if err := ch.applyTo(master); err != nil {
		return nil, err
	}
	occ, err := p.gen.Generate(rule, master.StartTime, master.EndTime)
	if err != nil {
		return nil, err
	}
	master.StartTime, master.EndTime = occ[0].Start, occ[0].End
	setRule(master, rule)
	markMaterialized(master, rule, occ)
	plan.Creates = append([]*Appointment{master}, p.children(master, occ[1:])...)
	return plan, nil
}

// tailRule is the rule of a series split off at from: the old pattern with a
// COUNT re-based on the occurrences left, or newRule when one is given.
func (p *Planner) tailRule(s *Series, from time.Time, newRule *recurrence.Rule) (recurrence.Rule, error) {
	if newRule != nil {
		return *newRule, nil
	}
	return p.reseed(s, from)
}

// reseed re-bases the series rule onto a new seed at from. UNTIL and open
// rules carry over; COUNT becomes the number of occurrences left.
func (p *Planner) reseed(s *Series, from time.Time) (recurrence.Rule, error) {
	rule := *s.Rule
	if rule.Count == 0 {
		return rule, nil
	}
	n, err := p.gen.Remaining(rule, s.Master.StartTime, s.Master.EndTime, from)
	if err != nil {
		return recurrence.Rule{}, err
	}
	if n == 0 {
		_, rest := s.split(from)
		n = len(rest)
	}
	return rule.WithCount(n), nil
}

// truncate ends the series the day before at: rows starting at or after at
// are deleted and the surviving master's rule gets an UNTIL. When the master
// itself is cut, the earliest survivor is promoted.
func (p *Planner) truncate(s *Series, at time.Time, plan *Plan) error {
	before, from := s.split(at)
	if len(before) == 0 {
		plan.Deletes = deleteOrder(s, from)
		return nil
	}

	rule := *s.Rule
	cut := recurrence.DayBefore(at)
	if rule.Until == nil || rule.Until.After(cut) {
		rule = rule.WithUntil(cut)
	}

	if s.Master.StartTime.Before(at) {
		if !rule.Equal(*s.Rule) {
			master := s.Master.Clone()
			setRule(master, rule)
			plan.Updates = append(plan.Updates, master)
		}
	} else {
		plan.Updates = append(plan.Updates, promote(before, rule)...)
	}
	plan.Deletes = deleteOrder(s, from)
	return nil
}

// Extend plans the children of an open-ended series after the point it was
// last materialized through, up to until. Gaps left by deleted occurrences
// before that point stay gaps.
func (p *Planner) Extend(s *Series, until time.Time) (*Plan, error) {
	if !s.Recurring() || s.Rule.Bounded() {
		return nil, fmt.Errorf("%w: series %s is not open-ended", ErrInvalidScope, s.Master.ID)
	}
	after := s.Last().StartTime
	if through := s.Master.MaterializedThrough; through != nil && through.After(after) {
		after = *through
	}
	occ, err := p.gen.Between(*s.Rule, s.Master.StartTime, s.Master.EndTime, after, until)
	if err != nil {
		return nil, err
	}
	plan := &Plan{SeriesID: s.Master.ID}
	if len(occ) == 0 {
		return plan, nil
	}
	master := s.Master.Clone()
	markMaterialized(master, *s.Rule, occ)
	plan.Updates = []*Appointment{master}
	plan.Creates = p.children(master, occ)
	if err := plan.verify(s.Rows()); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Planner) children(master *Appointment, occ []recurrence.Occurrence) []*Appointment {
	out := make([]*Appointment, 0, len(occ))
	for _, o := range occ {
		c := master.Clone()
		c.ID = uuid.New()
		c.StartTime, c.EndTime = o.Start, o.End
		c.RecurrenceRule = nil
		c.MaterializedThrough = nil
		c.SeriesMasterID = &master.ID
		c.IsRecurring = true
		c.VersionID = 0
		out = append(out, c)
	}
	return out
}

// promote makes rows[0] the master of rows under rule and repoints the rest.
func promote(rows []*Appointment, rule recurrence.Rule) []*Appointment {
	master := rows[0].Clone()
	master.SeriesMasterID = nil
	master.IsRecurring = true
	setRule(master, rule)
	out := []*Appointment{master}
	for _, r := range rows[1:] {
		c := r.Clone()
		id := master.ID
		c.SeriesMasterID = &id
		out = append(out, c)
	}
	return out
}

// deleteOrder returns rows with children first and the master last.
func deleteOrder(s *Series, rows []*Appointment) []*Appointment {
	out := make([]*Appointment, 0, len(rows))
	var master *Appointment
	for _, r := range rows {
		if r == s.Master {
			master = r
			continue
		}
		out = append(out, r)
	}
	if master != nil {
		out = append(out, master)
	}
	return out
}

func setRule(a *Appointment, rule recurrence.Rule) {
	s := rule.String()
	a.RecurrenceRule = &s
	if rule.Bounded() {
		a.MaterializedThrough = nil
	}
}

// markMaterialized records the latest occurrence generated for an open-ended
// series on its master.
func markMaterialized(master *Appointment, rule recurrence.Rule, occ []recurrence.Occurrence) {
	if rule.Bounded() || len(occ) == 0 {
		master.MaterializedThrough = nil
		return
	}
	last := occ[len(occ)-1].Start
	master.MaterializedThrough = &last
}
