package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/valet/internal/config"
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

// ScheduleKind identifies how a rule triggers.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is the parsed trigger of one rule.
type Schedule struct {
	Kind     ScheduleKind
	CronExpr string
	Every    time.Duration
	At       time.Time
}

// NewSchedule parses the trigger of a schedule rule.
func NewSchedule(rule config.ScheduleRule) (Schedule, error) {
	if strings.TrimSpace(rule.At) == "" && rule.Every == 0 && strings.TrimSpace(rule.Cron) == "" {
		return Schedule{}, fmt.Errorf("schedule trigger is required")
	}
	if strings.TrimSpace(rule.At) != "" {
		at, err := parseAt(rule.At)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleAt, At: at}, nil
	}
	if rule.Every > 0 {
		return Schedule{Kind: ScheduleEvery, Every: rule.Every}, nil
	}
	expr := strings.TrimSpace(rule.Cron)
	if expr != "" {
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return Schedule{Kind: ScheduleCron, CronExpr: expr}, nil
	}
	return Schedule{}, fmt.Errorf("invalid schedule trigger")
}

// Next returns the run time following now. ok is false when the
// schedule has nothing left to fire.
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case ScheduleAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case ScheduleEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil
	case ScheduleCron:
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		schedule, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now)
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// String renders the trigger for logs and the schedule listing.
func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleAt:
		return "at " + s.At.Format(time.RFC3339)
	case ScheduleEvery:
		return "every " + s.Every.String()
	case ScheduleCron:
		return "cron " + s.CronExpr
	default:
		return string(s.Kind)
	}
}

// parseAt accepts RFC 3339 or a local "2006-01-02 15:04" timestamp.
func parseAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("at value is required")
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02 15:04", value, time.Local); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid at time %q", value)
}
