package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is either a 5 field cron expression or an ISO8601 duration
// like PT6H. Exactly one of them must be set.
type Schedule struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

func (s Schedule) Validate() error {
	_, err := s.Next(time.Now())
	return err
}

// Next returns the first activation after t.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	switch {
	case s.Cron != "" && s.Every != "":
		return time.Time{}, errors.New("janitor.schedule: cron and every are mutually exclusive")
	case s.Cron != "":
		sched, err := ParseCron(s.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("janitor.schedule.cron: %w", err)
		}
		return sched.Next(t), nil
	case s.Every != "":
		d, err := ParseISODuration(s.Every)
		if err != nil {
			return time.Time{}, fmt.Errorf("janitor.schedule.every: %w", err)
		}
		if d <= 0 {
			return time.Time{}, errors.New("janitor.schedule.every: must be positive")
		}
		return t.Add(d), nil
	default:
		return time.Time{}, errors.New("janitor.schedule: both cron and every are empty")
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron accepts 5 field expressions and descriptors such as @daily or
// @every 5m.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	return cronParser.Parse(e)
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration understands the day and time parts of ISO8601
// durations (PnDTnHnMnS). Years, months and weeks are rejected. Only the
// seconds may carry a fraction.
func ParseISODuration(dur string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(dur, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	if date != "" {
		days, err := components(date, "D")
		if err != nil {
			return 0, err
		}
		ret += time.Duration(days[0] * float64(24*time.Hour))
	}
	if hasT {
		hms, err := components(clock, "HMS")
		if err != nil {
			return 0, err
		}
		ret += time.Duration(hms[0]*float64(time.Hour) + hms[1]*float64(time.Minute) + hms[2]*float64(time.Second))
	}
	return ret, nil
}

// components reads number+designator pairs of s in the order given by
// designators. Fractions are allowed on the last designator only.
func components(s, designators string) ([]float64, error) {
	ret := make([]float64, len(designators))
	next := 0
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' && r != ',' })
		if i <= 0 {
			return nil, ErrISOFormat
		}
		num, unit := strings.Replace(s[:i], ",", ".", 1), s[i]
		s = s[i+1:]

		pos := strings.IndexByte(designators[next:], unit)
		if pos < 0 {
			return nil, ErrISOFormat
		}
		pos += next
		if strings.Contains(num, ".") && pos != len(designators)-1 {
			return nil, ErrISOFormat
		}
		if a, b, ok := strings.Cut(num, "."); ok && (a == "" || b == "" || len(b) > 9) {
			return nil, ErrISOFormat
		}
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		ret[pos] = v
		next = pos + 1
	}
	return ret, nil
}
