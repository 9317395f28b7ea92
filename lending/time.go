package lending

import (
	"time"
)

// =============================================================================
// DAY - Calendar day in UTC (lateness is judged at day granularity)
// =============================================================================

// Day is a calendar date normalized to midnight UTC.
// Due dates are persisted as days so lateness never depends on time of day.
type Day struct {
	Time time.Time
}

// NewDay builds a Day from a calendar date.
func NewDay(year int, month time.Month, day int) Day {
	return Day{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return NewDay(u.Year(), u.Month(), u.Day())
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, err
	}
	return DayOf(t), nil
}

// DayLayout is the storage and wire format of a Day.
const DayLayout = "2006-01-02"

// Comparison
func (d Day) Before(other Day) bool        { return d.Time.Before(other.Time) }
func (d Day) After(other Day) bool         { return d.Time.After(other.Time) }
func (d Day) Equal(other Day) bool         { return d.Time.Equal(other.Time) }
func (d Day) BeforeOrEqual(other Day) bool { return !d.After(other) }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{Time: d.Time.AddDate(0, 0, n)} }

func (d Day) IsZero() bool   { return d.Time.IsZero() }
func (d Day) String() string { return d.Time.Format(DayLayout) }

// DaysBetween returns the number of calendar days from -> to (negative if to is earlier).
func DaysBetween(from, to Day) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}
