package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed firing rule: a cron expression, a fixed interval,
// or a single one-shot timestamp. Grounded on internal/cron/schedule.go.
type Schedule struct {
	Kind     string        `json:"kind"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	At       time.Time     `json:"at,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
}

// NewCronSchedule builds a recurring cron-expression schedule.
func NewCronSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Schedule{Kind: "cron", CronExpr: expr, Timezone: strings.TrimSpace(timezone)}, nil
}

// NewIntervalSchedule builds a fixed-interval schedule.
func NewIntervalSchedule(every time.Duration) (Schedule, error) {
	if every <= 0 {
		return Schedule{}, fmt.Errorf("interval must be positive")
	}
	return Schedule{Kind: "every", Every: every}, nil
}

// NewOneShotSchedule builds a schedule that fires exactly once.
func NewOneShotSchedule(at time.Time) (Schedule, error) {
	if at.IsZero() {
		return Schedule{}, fmt.Errorf("at timestamp required")
	}
	return Schedule{Kind: "at", At: at}, nil
}

// Next returns the next firing time strictly after now, and whether the
// schedule has any future firing at all (false for an "at" schedule whose
// timestamp has already passed).
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case "at":
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case "every":
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil
	case "cron":
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		loc := now.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		schedule, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
