package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadQueue rejects a queue key outside the published table's 6x2 grid.
var ErrBadQueue = errors.New("queue must be 1-6 and subqueue 1-2")

// Minute is a time of day in minutes since midnight (0..1439).
type Minute int

func (m Minute) Hour() int   { return int(m) / 60 }
func (m Minute) Minute() int { return int(m) % 60 }

func (m Minute) String() string {
	return fmt.Sprintf("%02d:%02d", m.Hour(), m.Minute())
}

// MinuteOf truncates a wall-clock time to its minute of day.
func MinuteOf(t time.Time) Minute {
	return Minute(t.Hour()*60 + t.Minute())
}

// Interval is one outage window within a single day. Start < End; the source
// format has no overnight-spanning windows.
type Interval struct {
	Start Minute
	End   Minute
}

func (iv Interval) String() string {
	return iv.Start.String() + "-" + iv.End.String()
}

// QueueKey identifies one cell of the published table: queue 1..6, subqueue 1..2.
type QueueKey struct {
	Queue int
	Sub   int
}

func (k QueueKey) Valid() bool {
	return k.Queue >= 1 && k.Queue <= 6 && (k.Sub == 1 || k.Sub == 2)
}

func (k QueueKey) String() string {
	return fmt.Sprintf("%d.%d", k.Queue, k.Sub)
}

// Date is a calendar day as published by the source (no timezone attached).
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf extracts the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses the source's DD.MM.YYYY form.
func ParseDate(s string) (Date, bool) {
	t, err := time.Parse("02.01.2006", s)
	if err != nil {
		return Date{}, false
	}
	return DateOf(t), true
}

// String renders the source's DD.MM.YYYY form.
func (d Date) String() string {
	return fmt.Sprintf("%02d.%02d.%04d", d.Day, int(d.Month), d.Year)
}

func (d Date) IsZero() bool { return d == Date{} }

// Before reports calendar ordering.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// DaySchedule maps each table cell to its ordered outage windows.
// A missing or empty list means no outage for that key.
type DaySchedule map[QueueKey][]Interval

// Snapshot is one fully parsed schedule observation, possibly covering
// multiple dates. Treat it as immutable once returned by the parser.
type Snapshot map[Date]DaySchedule

// intervalsEqual compares two interval lists pairwise. Order matters; the
// parser already emits lists in canonical order.
func intervalsEqual(a, b []Interval) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
