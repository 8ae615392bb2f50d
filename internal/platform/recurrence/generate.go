package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	DefaultMaxOccurrences = 365
	DefaultHorizon        = 365 * 24 * time.Hour
)

var (
	ErrInvalidWindow = errors.New("occurrence end must be after its start")
	ErrSeriesTooLong = errors.New("series exceeds the maximum number of occurrences")
	ErrEmptySeries   = errors.New("rule produces no occurrences")
)

// Occurrence is one concrete [Start, End) window of a series.
type Occurrence struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Generator expands rules into occurrences. The zero value uses the defaults.
type Generator struct {
	// MaxOccurrences caps every series. Bounded rules that would exceed it are
	// rejected with ErrSeriesTooLong; open-ended rules stop at it.
	MaxOccurrences int
	// Horizon bounds open-ended rules, measured from the seed.
	Horizon time.Duration
}

func (g Generator) maxOccurrences() int {
	if g.MaxOccurrences <= 0 {
		return DefaultMaxOccurrences
	}
	return g.MaxOccurrences
}

func (g Generator) horizon() time.Duration {
	if g.Horizon <= 0 {
		return DefaultHorizon
	}
	return g.Horizon
}

// Limits returns the effective occurrence cap and horizon.
func (g Generator) Limits() (int, time.Duration) {
	return g.maxOccurrences(), g.horizon()
}

// Generate returns the ordered occurrences of rule seeded at [seedStart, seedEnd).
//
// Weekly rules with a weekday set are snapped forward onto the first matching
// weekday, so the first occurrence may fall after seedStart.
func (g Generator) Generate(rule Rule, seedStart, seedEnd time.Time) ([]Occurrence, error) {
	if err := rule.Validate(); err != nil {
		return nil, &ParseError{Rule: rule.String(), Reason: err.Error()}
	}
	if !seedEnd.After(seedStart) {
		return nil, ErrInvalidWindow
	}
	limit := g.maxOccurrences()
	if rule.Count > limit {
		return nil, fmt.Errorf("%w: count %d, limit %d", ErrSeriesTooLong, rule.Count, limit)
	}

	start := AdjustedSeed(rule, seedStart)
	next, err := iterator(rule, start)
	if err != nil {
		return nil, err
	}
	duration := seedEnd.Sub(seedStart)
	horizonEnd := start.Add(g.horizon())

	var out []Occurrence
	for {
		t, ok := next()
		if !ok {
			break
		}
		if !rule.Bounded() && t.After(horizonEnd) {
			break
		}
		if len(out) == limit {
			if rule.Bounded() {
				return nil, fmt.Errorf("%w: limit %d", ErrSeriesTooLong, limit)
			}
			break
		}
		out = append(out, Occurrence{Start: t, End: t.Add(duration)})
	}
	if len(out) == 0 {
		return nil, ErrEmptySeries
	}
	return out, nil
}

// Between returns the occurrences with after < start <= until, honoring the
// rule's own terminator. The result holds at most MaxOccurrences entries.
func (g Generator) Between(rule Rule, seedStart, seedEnd, after, until time.Time) ([]Occurrence, error) {
	if err := rule.Validate(); err != nil {
		return nil, &ParseError{Rule: rule.String(), Reason: err.Error()}
	}
	if !seedEnd.After(seedStart) {
		return nil, ErrInvalidWindow
	}
	next, err := iterator(rule, AdjustedSeed(rule, seedStart))
	if err != nil {
		return nil, err
	}
	duration := seedEnd.Sub(seedStart)
	limit := g.maxOccurrences()

	var out []Occurrence
	for len(out) < limit {
		t, ok := next()
		if !ok || t.After(until) {
			break
		}
		if !t.After(after) {
			continue
		}
		out = append(out, Occurrence{Start: t, End: t.Add(duration)})
	}
	return out, nil
}

// Remaining counts the occurrences of rule that start at or after from.
func (g Generator) Remaining(rule Rule, seedStart, seedEnd, from time.Time) (int, error) {
	occ, err := g.Generate(rule, seedStart, seedEnd)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range occ {
		if !o.Start.Before(from) {
			n++
		}
	}
	return n, nil
}

// AdjustedSeed moves seed forward onto the earliest date whose weekday is in
// the rule's weekday set. Other rules return seed unchanged.
func AdjustedSeed(rule Rule, seed time.Time) time.Time {
	if rule.Freq != Weekly || len(rule.ByWeekday) == 0 {
		return seed
	}
	for i := 0; i < 7; i++ {
		d := seed.AddDate(0, 0, i)
		for _, wd := range rule.ByWeekday {
			if d.Weekday() == wd {
				return d
			}
		}
	}
	return seed
}

func iterator(rule Rule, dtstart time.Time) (rrule.Next, error) {
	opt := rrule.ROption{
		Freq:     toRRuleFrequency(rule.Freq),
		Interval: rule.Interval,
		Dtstart:  dtstart,
		Wkst:     rrule.MO,
		Count:    rule.Count,
	}
	if rule.Freq == Weekly && len(rule.ByWeekday) > 0 {
		days := make([]rrule.Weekday, len(rule.ByWeekday))
		for i, d := range rule.ByWeekday {
			days[i] = toRRuleWeekday(d)
		}
		opt.Byweekday = days
	}
	if rule.Until != nil {
		u := rule.Until
		opt.Until = time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, dtstart.Location())
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build recurrence: %w", err)
	}
	return r.Iterator(), nil
}

func toRRuleFrequency(f Frequency) rrule.Frequency {
	switch f {
	case Daily:
		return rrule.DAILY
	case Weekly:
		return rrule.WEEKLY
	case Monthly:
		return rrule.MONTHLY
	default:
		return rrule.YEARLY
	}
}

func toRRuleWeekday(d time.Weekday) rrule.Weekday {
	switch d {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}
