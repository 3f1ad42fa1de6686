package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/pulse/errors"
)

// CronExpr is a parsed 5-field cron expression
// (minute, hour, day-of-month, month, day-of-week).
//
// Each field is expanded at parse time into the set of integers it
// admits, so matching a timestamp is five array lookups. Day-of-week
// uses 0=Sunday.
type CronExpr struct {
	minutes  [60]bool
	hours    [24]bool
	days     [32]bool // 1-31
	months   [13]bool // 1-12
	weekdays [7]bool  // 0=Sunday
}

// nextMatchBound caps the forward scan at one leap year of minutes, so
// unsatisfiable expressions (e.g. "0 0 30 2 *") terminate instead of
// spinning forever.
const nextMatchBound = 366 * 24 * 60

type cronField struct {
	min, max int
	name     string
}

var cronFields = [5]cronField{
	{0, 59, "minute"},
	{0, 23, "hour"},
	{1, 31, "day-of-month"},
	{1, 12, "month"},
	{0, 6, "day-of-week"},
}

// ParseCron parses a 5-field cron expression. Each field may be a
// literal, "*", a comma list, a range "a-b", or a stepped range
// "a-b/n" / "*/n".
func ParseCron(expr string) (*CronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errors.Newf("cron expression must have 5 fields, got %d: %q", len(fields), expr)
	}

	c := &CronExpr{}
	sets := [5][]int{}
	for i, raw := range fields {
		values, err := parseCronField(raw, cronFields[i].min, cronFields[i].max)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s field %q", cronFields[i].name, raw)
		}
		sets[i] = values
	}

	for _, m := range sets[0] {
		c.minutes[m] = true
	}
	for _, h := range sets[1] {
		c.hours[h] = true
	}
	for _, d := range sets[2] {
		c.days[d] = true
	}
	for _, m := range sets[3] {
		c.months[m] = true
	}
	for _, w := range sets[4] {
		c.weekdays[w] = true
	}
	return c, nil
}

// parseCronField expands one field into its admitted values.
func parseCronField(raw string, min, max int) ([]int, error) {
	var values []int
	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			return nil, errors.New("empty list element")
		}

		step := 1
		rangePart := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, errors.Newf("bad step %q", part[idx+1:])
			}
			step = s
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			// full domain
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			var err error
			if lo, err = strconv.Atoi(bounds[0]); err != nil {
				return nil, errors.Newf("bad range start %q", bounds[0])
			}
			if hi, err = strconv.Atoi(bounds[1]); err != nil {
				return nil, errors.Newf("bad range end %q", bounds[1])
			}
			if lo > hi {
				return nil, errors.Newf("range start %d after end %d", lo, hi)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, errors.Newf("bad value %q", rangePart)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max {
			return nil, errors.Newf("value out of range [%d,%d]", min, max)
		}
		for v := lo; v <= hi; v += step {
			values = append(values, v)
		}
	}
	return values, nil
}

// Matches reports whether the given instant (truncated to the minute)
// satisfies all five field constraints.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.minutes[t.Minute()] &&
		c.hours[t.Hour()] &&
		c.days[t.Day()] &&
		c.months[int(t.Month())] &&
		c.weekdays[int(t.Weekday())]
}

// Next returns the first matching instant strictly after from, scanning
// minute by minute from the start of the following minute. Returns
// ok=false when no match exists within one year.
func (c *CronExpr) Next(from time.Time) (time.Time, bool) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < nextMatchBound; i++ {
		if c.Matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}
