// Package recurrence parses compact recurrence rules and expands them into
// concrete occurrence windows. It supports the subset of RFC 5545 used by the
// appointment book: FREQ (DAILY, WEEKLY, MONTHLY, YEARLY), INTERVAL, BYDAY for
// weekly rules, and a COUNT or UNTIL terminator.
//
// All instants are treated as naive wall-clock values; no timezone conversion
// is applied anywhere in this package.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Frequency is the period a rule advances by.
type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	Yearly
)

var frequencyNames = map[Frequency]string{
	Daily:   "DAILY",
	Weekly:  "WEEKLY",
	Monthly: "MONTHLY",
	Yearly:  "YEARLY",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Frequency(%d)", int(f))
}

func parseFrequency(s string) (Frequency, bool) {
	for f, name := range frequencyNames {
		if name == s {
			return f, true
		}
	}
	return 0, false
}

// ErrInvalidRule is matched by every ParseError.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// ParseError describes why a rule string was rejected.
type ParseError struct {
	Rule   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid recurrence rule %q: %s", e.Rule, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrInvalidRule }

// Rule is the structured form of a recurrence rule string.
type Rule struct {
	Freq      Frequency
	Interval  int
	ByWeekday []time.Weekday // Mon..Sun order, nil when empty
	Count     int            // 0 when unset
	Until     *time.Time     // inclusive calendar date, nil when unset
}

// weekdayOrder is the canonical order weekday sets are kept in.
var weekdayOrder = map[time.Weekday]int{
	time.Monday:    0,
	time.Tuesday:   1,
	time.Wednesday: 2,
	time.Thursday:  3,
	time.Friday:    4,
	time.Saturday:  5,
	time.Sunday:    6,
}

var weekdayCodes = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

func weekdayCode(d time.Weekday) string {
	return strings.ToUpper(d.String()[:2])
}

var untilLayouts = []string{
	"20060102",
	"20060102T150405",
	"20060102T150405Z",
	"2006-01-02",
}

// ParseRule parses a rule such as "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE;COUNT=10".
// An optional "RRULE:" prefix is accepted. Keys and values are case-insensitive.
func ParseRule(s string) (Rule, error) {
	fail := func(format string, args ...any) (Rule, error) {
		return Rule{}, &ParseError{Rule: s, Reason: fmt.Sprintf(format, args...)}
	}

	body := strings.TrimSpace(s)
	if len(body) >= 6 && strings.EqualFold(body[:6], "RRULE:") {
		body = body[6:]
	}
	if body == "" {
		return fail("empty rule")
	}

	r := Rule{Interval: 1}
	seen := make(map[string]bool)
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return fail("malformed part %q", part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))
		if seen[key] {
			return fail("duplicate %s", key)
		}
		seen[key] = true

		switch key {
		case "FREQ":
			f, ok := parseFrequency(value)
			if !ok {
				return fail("unsupported frequency %q", value)
			}
			r.Freq = f
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fail("interval must be a positive integer, got %q", value)
			}
			r.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fail("count must be a positive integer, got %q", value)
			}
			r.Count = n
		case "UNTIL":
			d, err := parseUntil(value)
			if err != nil {
				return fail("until is not a valid date: %q", value)
			}
			r.Until = &d
		case "BYDAY":
			days, err := parseWeekdays(value)
			if err != nil {
				return fail("%v", err)
			}
			r.ByWeekday = days
		default:
			return fail("unsupported rule part %s", key)
		}
	}

	if err := r.Validate(); err != nil {
		return fail("%v", err)
	}
	return r, nil
}

func parseUntil(value string) (time.Time, error) {
	for _, layout := range untilLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func parseWeekdays(value string) ([]time.Weekday, error) {
	if value == "" {
		return nil, errors.New("byday must list at least one weekday")
	}
	set := make(map[time.Weekday]bool)
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		d, ok := weekdayCodes[tok]
		if !ok {
			return nil, fmt.Errorf("unsupported weekday %q", tok)
		}
		set[d] = true
	}
	days := make([]time.Weekday, 0, len(set))
	for d := range set {
		days = append(days, d)
	}
	sortWeekdays(days)
	return days, nil
}

func sortWeekdays(days []time.Weekday) {
	sort.Slice(days, func(i, j int) bool { return weekdayOrder[days[i]] < weekdayOrder[days[j]] })
}

// Validate checks the invariants ParseRule enforces, for rules built in code.
// A rule that passes renders through String and parses back equal.
func (r Rule) Validate() error {
	if _, ok := frequencyNames[r.Freq]; !ok {
		return errors.New("frequency is required")
	}
	if r.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if r.Count < 0 {
		return errors.New("count must be positive")
	}
	if r.Count > 0 && r.Until != nil {
		return errors.New("count and until are mutually exclusive")
	}
	if len(r.ByWeekday) > 0 && r.Freq != Weekly {
		return errors.New("byday is only supported with FREQ=WEEKLY")
	}
	for i, d := range r.ByWeekday {
		if _, ok := weekdayOrder[d]; !ok {
			return fmt.Errorf("unknown weekday %d", d)
		}
		if i > 0 && weekdayOrder[d] <= weekdayOrder[r.ByWeekday[i-1]] {
			return errors.New("byday must list distinct weekdays in Monday to Sunday order")
		}
	}
	if r.Until != nil && !r.Until.Equal(DateOf(*r.Until)) {
		return errors.New("until must be a calendar date at midnight UTC")
	}
	return nil
}

// String renders the rule in canonical form. ParseRule(r.String()) equals r.
func (r Rule) String() string {
	parts := []string{"FREQ=" + r.Freq.String()}
	if r.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Interval))
	}
	if len(r.ByWeekday) > 0 {
		days := append([]time.Weekday(nil), r.ByWeekday...)
		sortWeekdays(days)
		codes := make([]string, len(days))
		for i, d := range days {
			codes[i] = weekdayCode(d)
		}
		parts = append(parts, "BYDAY="+strings.Join(codes, ","))
	}
	if r.Count > 0 {
		parts = append(parts, fmt.Sprintf("COUNT=%d", r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.Format("20060102"))
	}
	return strings.Join(parts, ";")
}

// Equal reports whether two rules describe the same recurrence.
func (r Rule) Equal(o Rule) bool {
	if r.Freq != o.Freq || r.Interval != o.Interval || r.Count != o.Count {
		return false
	}
	if (r.Until == nil) != (o.Until == nil) {
		return false
	}
	if r.Until != nil && !r.Until.Equal(*o.Until) {
		return false
	}
	if len(r.ByWeekday) != len(o.ByWeekday) {
		return false
	}
	for i := range r.ByWeekday {
		if r.ByWeekday[i] != o.ByWeekday[i] {
			return false
		}
	}
	return true
}

// SamePattern reports whether the rules share frequency, interval and weekday
// set, ignoring the terminator.
func (r Rule) SamePattern(o Rule) bool {
	r.Count, r.Until = 0, nil
	o.Count, o.Until = 0, nil
	return r.Equal(o)
}

// Bounded reports whether the rule has a COUNT or UNTIL terminator.
func (r Rule) Bounded() bool {
	return r.Count > 0 || r.Until != nil
}

// WithUntil returns a copy ending on the given date; any count is dropped.
func (r Rule) WithUntil(date time.Time) Rule {
	d := DateOf(date)
	r.Count = 0
	r.Until = &d
	r.ByWeekday = append([]time.Weekday(nil), r.ByWeekday...)
	if len(r.ByWeekday) == 0 {
		r.ByWeekday = nil
	}
	return r
}

// WithCount returns a copy bounded to n occurrences; any until is dropped.
func (r Rule) WithCount(n int) Rule {
	r.Until = nil
	r.Count = n
	r.ByWeekday = append([]time.Weekday(nil), r.ByWeekday...)
	if len(r.ByWeekday) == 0 {
		r.ByWeekday = nil
	}
	return r
}

// DateOf truncates t to its calendar date, keeping the wall-clock date and
// dropping the location.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBefore returns the calendar date preceding t.
func DayBefore(t time.Time) time.Time {
	return DateOf(t).AddDate(0, 0, -1)
}
