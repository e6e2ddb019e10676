package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The site lists course days with abbreviated German labels; the long
// English names are accepted too so config and tests can be explicit.
// Ordinals are Monday=0 ... Sunday=6.
var weekdayOrdinal = map[string]int{
	"Mo": 0, "Di": 1, "Mi": 2, "Do": 3, "Fr": 4, "Sa": 5, "So": 6,
	"Monday": 0, "Tuesday": 1, "Wednesday": 2, "Thursday": 3,
	"Friday": 4, "Saturday": 5, "Sunday": 6,
}

// Occurrence is the next concrete instance of a weekly slot.
type Occurrence struct {
	// Start is the slot's nominal start, strictly after the query time.
	Start time.Time
	// ActionAt is when a check should actually run: Start plus a small
	// delay that lets the site's own state settle first.
	ActionAt time.Time
}

// Calculator converts weekday+time-range descriptions into absolute
// instants in one fixed civil time zone.
type Calculator struct {
	loc   *time.Location
	delay time.Duration
}

const DefaultDelay = 5 * time.Minute

func New(loc *time.Location, delay time.Duration) (*Calculator, error) {
	if loc == nil {
		return nil, fmt.Errorf("recurrence: location is required")
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Calculator{loc: loc, delay: delay}, nil
}

// Next computes the next occurrence of the slot described by weekday (one
// of the labels above) and timeRange ("HH:MM-HH:MM") at or after now.
//
// Day diff is (target - today + 7) mod 7, i.e. 0 when today matches; if
// the resulting instant is not strictly after now, it advances a full week
// (today is the slot day but the time already passed).
func (c *Calculator) Next(weekday, timeRange string, now time.Time) (Occurrence, error) {
	target, ok := weekdayOrdinal[strings.TrimSpace(weekday)]
	if !ok {
		return Occurrence{}, fmt.Errorf("recurrence: unknown weekday %q", weekday)
	}
	hour, minute, err := rangeStart(timeRange)
	if err != nil {
		return Occurrence{}, err
	}

	local := now.In(c.loc)
	today := mondayOrdinal(local.Weekday())
	diff := (target - today + 7) % 7

	day := local.AddDate(0, 0, diff)
	start := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, c.loc)
	if !start.After(local) {
		start = start.AddDate(0, 0, 7)
	}
	return Occurrence{Start: start, ActionAt: start.Add(c.delay)}, nil
}

// rangeStart parses the "HH:MM" before the separator; only the start of
// the range matters for scheduling.
func rangeStart(timeRange string) (hour, minute int, err error) {
	startPart, _, ok := strings.Cut(strings.TrimSpace(timeRange), "-")
	if !ok {
		return 0, 0, fmt.Errorf("recurrence: invalid time range %q, expected HH:MM-HH:MM", timeRange)
	}
	return parseHHMM(startPart)
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("recurrence: invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("recurrence: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("recurrence: invalid minute in %q", s)
	}
	return h, m, nil
}

// mondayOrdinal maps Go's Sunday=0 convention to the Monday=0 ordinals
// used by the site's schedule table.
func mondayOrdinal(d time.Weekday) int {
	return (int(d) + 6) % 7
}
