package scheduling

import (
	"time"
)

// Slot is a clock time ("HH:MM", 24h) at which a consultation may begin.
type Slot string

// OpenDay is a bookable calendar day.
type OpenDay struct {
	Date    time.Time
	Weekday time.Weekday
}

// Policy holds the clinic-wide scheduling rules: which weekday the
// clinic is closed and which slots exist on open days. It is injected
// rather than read from package-level state so tests can substitute
// alternate policies.
type Policy struct {
	ClosedWeekday time.Weekday
	Slots         []Slot
	HorizonDays   int
}

// DefaultPolicy mirrors the clinic's production rules: closed on
// Sunday, twelve 30-minute slots per open day with a lunch gap, and a
// one-week booking horizon.
func DefaultPolicy() Policy {
	return Policy{
		ClosedWeekday: time.Sunday,
		Slots: []Slot{
			"10:00", "10:30", "11:00", "11:30",
			"13:00", "13:30", "14:00", "14:30",
			"15:00", "15:30", "16:00", "16:30",
		},
		HorizonDays: 7,
	}
}

// IsClosedDay reports whether the clinic is closed on the given date.
// All other components must consult this predicate instead of
// re-deriving the weekday rule.
func (p Policy) IsClosedDay(date time.Time) bool {
	return date.Weekday() == p.ClosedWeekday
}

// SlotsForWeekday returns the ordered slot catalog for the weekday, or
// an empty sequence for the closed day.
func (p Policy) SlotsForWeekday(w time.Weekday) []Slot {
	if w == p.ClosedWeekday {
		return nil
	}
	out := make([]Slot, len(p.Slots))
	copy(out, p.Slots)
	return out
}

// ContainsSlot reports whether t is a member of the catalog for the
// given weekday.
func (p Policy) ContainsSlot(w time.Weekday, t Slot) bool {
	if w == p.ClosedWeekday {
		return false
	}
	for _, s := range p.Slots {
		if s == t {
			return true
		}
	}
	return false
}

// NextOpenDays returns up to count forthcoming open days starting at
// from, skipping the closed day, bounded by the policy horizon.
func (p Policy) NextOpenDays(from time.Time, count int) []OpenDay {
	horizon := p.HorizonDays
	if horizon <= 0 {
		horizon = 7
	}

	day := TruncateDate(from)
	var days []OpenDay
	for i := 0; i < horizon && len(days) < count; i++ {
		d := day.AddDate(0, 0, i)
		if p.IsClosedDay(d) {
			continue
		}
		days = append(days, OpenDay{Date: d, Weekday: d.Weekday()})
	}
	return days
}

// TruncateDate drops the clock component, keeping a time-zone-naive
// calendar date anchored at UTC midnight.
func TruncateDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}
