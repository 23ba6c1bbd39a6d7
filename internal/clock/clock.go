// Package clock resolves "today" and wall-clock values in the campaign timezone.
//
// Everything that compares calendar days goes through Date, never through
// timestamp string prefixes.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // zone lookups must not depend on the host's zoneinfo

	"readbot/internal/apperr"
)

const dateLayout = "2006-01-02"

// Date is a civil calendar date without a time or location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// NewDate normalizes overflowing fields the same way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, apperr.Validationf("date", "invalid date %q, expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// String renders YYYY-MM-DD. Lexical order of this form equals calendar order,
// which the storage layer relies on for range queries.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) Before(o Date) bool { return d.compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.compare(o) > 0 }

func (d Date) compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return d.Year - o.Year
	case d.Month != o.Month:
		return int(d.Month) - int(o.Month)
	default:
		return d.Day - o.Day
	}
}

func (d Date) AddDays(n int) Date { return NewDate(d.Year, d.Month, d.Day+n) }

func (d Date) FirstOfMonth() Date { return Date{Year: d.Year, Month: d.Month, Day: 1} }

// Weekday of the date.
func (d Date) Weekday() time.Weekday { return d.In(time.UTC).Weekday() }

// MaxDate returns the later of a and b.
func MaxDate(a, b Date) Date {
	if a.After(b) {
		return a
	}
	return b
}

// DaysIn returns the number of days in the month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// LastDayOfMonth returns the last calendar day of the month.
func LastDayOfMonth(year int, month time.Month) Date {
	return Date{Year: year, Month: month, Day: DaysIn(year, month)}
}

// IsLastDayOfMonth reports whether d closes its month.
func IsLastDayOfMonth(d Date) bool {
	return LastDayOfMonth(d.Year, d.Month) == d
}

// MonthRange returns the half-open range [first day, first day of next month).
func MonthRange(year int, month time.Month) (from, until Date) {
	from = Date{Year: year, Month: month, Day: 1}
	return from, NewDate(year, month+1, 1)
}

// Clock is the time source used by the engine.
type Clock interface {
	Now() time.Time
	Today() Date
	Location() *time.Location
}

// LoadLocation resolves an IANA zone; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperr.Validationf("timezone", "invalid timezone %q: %v", tz, err)
	}
	return loc, nil
}

// Real is a wall clock pinned to a location. The location can be swapped on
// config reload.
type Real struct {
	mu  sync.RWMutex
	loc *time.Location
}

func New(loc *time.Location) *Real {
	if loc == nil {
		loc = time.Local
	}
	return &Real{loc: loc}
}

func (c *Real) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
}

func (c *Real) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loc
}

func (c *Real) Now() time.Time { return time.Now().In(c.Location()) }

func (c *Real) Today() Date { return DateOf(c.Now()) }

// Fixed is a settable clock for tests.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixed(now time.Time) *Fixed { return &Fixed{now: now} }

func (c *Fixed) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Fixed) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Fixed) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fixed) Today() Date { return DateOf(c.Now()) }

func (c *Fixed) Location() *time.Location { return c.Now().Location() }
