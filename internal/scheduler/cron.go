package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed 5-field cron expression (spec.md §4.8: "minute hour
// dom month dow"). Matching is evaluated directly against a single instant
// rather than searched forward, since the scheduler only ever asks "does
// this expression match the current minute" on its own once-per-minute tick
// (adapted from service/schedule.go's nextCronTime, which instead searches
// forward for the next matching minute — that search isn't needed here).
type cronSpec struct {
	minute cronField
	hour   cronField
	dom    cronField
	month  cronField
	dow    cronField
}

// ParseCron parses a 5-field cron expression. Macros like "@daily" are not
// supported (spec.md §4.8 only calls for the 5-field grammar).
func ParseCron(expr string) (*cronSpec, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q must contain 5 fields", expr)
	}

	minute, err := parseCronField(fields[0], 0, 59, nil)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23, nil)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseCronField(fields[2], 1, 31, nil)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 12, nil)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseCronField(fields[4], 0, 6, normalizeWeekday)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &cronSpec{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

// Matches reports whether t falls within this cron expression's minute. Day
// matching follows the classic cron rule: when both dom and dow are
// restricted, either one matching is sufficient.
func (c *cronSpec) matches(t time.Time) bool {
	if !c.month.match(int(t.Month())) {
		return false
	}
	if !c.hour.match(t.Hour()) {
		return false
	}
	if !c.minute.match(t.Minute()) {
		return false
	}

	domMatches := c.dom.match(t.Day())
	dowMatches := c.dow.match(int(t.Weekday()))

	switch {
	case c.dom.isAny() && c.dow.isAny():
		return true
	case c.dom.isAny():
		return dowMatches
	case c.dow.isAny():
		return domMatches
	default:
		return domMatches || dowMatches
	}
}

// Matches parses expr and reports whether it fires at instant t.
func Matches(expr string, t time.Time) (bool, error) {
	spec, err := ParseCron(expr)
	if err != nil {
		return false, err
	}
	return spec.matches(t), nil
}

type cronField struct {
	any    bool
	values map[int]struct{}
	min    int
	max    int
}

func (f cronField) match(v int) bool {
	if f.any {
		return true
	}
	_, ok := f.values[v]
	return ok
}

func (f cronField) isAny() bool {
	return f.any
}

func parseCronField(expr string, min, max int, normalize func(int) (int, error)) (cronField, error) {
	token := strings.TrimSpace(expr)
	if token == "" {
		return cronField{}, fmt.Errorf("field is empty")
	}
	if token == "*" || token == "?" {
		return cronField{any: true, min: min, max: max}, nil
	}

	values := make(map[int]struct{})
	for _, part := range strings.Split(token, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return cronField{}, fmt.Errorf("empty component in %q", expr)
		}

		step := 1
		base := part
		if strings.Contains(part, "/") {
			stepParts := strings.SplitN(part, "/", 2)
			base = strings.TrimSpace(stepParts[0])
			if stepParts[1] == "" {
				return cronField{}, fmt.Errorf("invalid step in %q", part)
			}
			parsedStep, err := strconv.Atoi(stepParts[1])
			if err != nil || parsedStep <= 0 {
				return cronField{}, fmt.Errorf("invalid step in %q", part)
			}
			step = parsedStep
		}

		var start, end int
		var err error
		switch {
		case base == "" || base == "*":
			start, end = min, max
		case strings.Contains(base, "-"):
			bounds := strings.SplitN(base, "-", 2)
			if bounds[0] == "" || bounds[1] == "" {
				return cronField{}, fmt.Errorf("invalid range %q", base)
			}
			start, err = strconv.Atoi(bounds[0])
			if err != nil {
				return cronField{}, fmt.Errorf("invalid range %q", base)
			}
			end, err = strconv.Atoi(bounds[1])
			if err != nil {
				return cronField{}, fmt.Errorf("invalid range %q", base)
			}
			if end < start {
				start, end = end, start
			}
		default:
			start, err = strconv.Atoi(base)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", base)
			}
			end = start
		}

		if strings.Contains(part, "/") && start == end && base != "*" && !strings.Contains(base, "-") {
			for v := start; v <= max; v += step {
				if err := addCronValue(values, v, min, max, normalize); err != nil {
					return cronField{}, err
				}
			}
			continue
		}

		for v := start; v <= end; v += step {
			if err := addCronValue(values, v, min, max, normalize); err != nil {
				return cronField{}, err
			}
		}
	}

	if len(values) == 0 {
		return cronField{}, fmt.Errorf("no values parsed from %q", expr)
	}
	if len(values) == (max - min + 1) {
		return cronField{any: true, min: min, max: max}, nil
	}
	return cronField{values: values, min: min, max: max}, nil
}

func addCronValue(values map[int]struct{}, raw, min, max int, normalize func(int) (int, error)) error {
	val := raw
	var err error
	if normalize != nil {
		val, err = normalize(raw)
		if err != nil {
			return err
		}
	}
	if val < min || val > max {
		return fmt.Errorf("value %d is out of bounds [%d,%d]", val, min, max)
	}
	values[val] = struct{}{}
	return nil
}

func normalizeWeekday(v int) (int, error) {
	switch {
	case v == 7:
		return 0, nil
	case v >= 0 && v <= 6:
		return v, nil
	default:
		return 0, fmt.Errorf("weekday %d is invalid", v)
	}
}
