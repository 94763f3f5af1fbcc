// Package schedule turns the crontab or interval fields of a periodic task into
// a cron.Schedule.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"task-orchestrator/internal/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config carries the schedule parameters of one periodic entry. Only the
// fields of Mode are authoritative.
type Config struct {
	Mode models.ScheduleMode `json:"mode"`

	Minute      string `json:"minute,omitempty"`
	Hour        string `json:"hour,omitempty"`
	DayOfWeek   string `json:"day_of_week,omitempty"`
	DayOfMonth  string `json:"day_of_month,omitempty"`
	MonthOfYear string `json:"month_of_year,omitempty"`

	Seconds int `json:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Days    int `json:"days,omitempty"`
}

// FromTask extracts the schedule parameters of a periodic task.
func FromTask(t models.Task) Config {
	return Config{
		Mode:        t.ScheduleMode,
		Minute:      t.CrontabMinute,
		Hour:        t.CrontabHour,
		DayOfWeek:   t.CrontabDayOfWeek,
		DayOfMonth:  t.CrontabDayOfMonth,
		MonthOfYear: t.CrontabMonthOfYear,
		Seconds:     t.IntervalSeconds,
		Minutes:     t.IntervalMinutes,
		Hours:       t.IntervalHours,
		Days:        t.IntervalDays,
	}
}

// Build validates the config and returns the resolved schedule. Crontab
// schedules are evaluated in loc; a nil loc means UTC.
func (c Config) Build(loc *time.Location) (cron.Schedule, error) {
	switch c.Mode {
	case models.ScheduleCrontab:
		if loc == nil {
			loc = time.UTC
		}
		s, err := cronParser.Parse(c.Expression())
		if err != nil {
			return nil, fmt.Errorf("%w: crontab %q: %v", models.ErrInvalidSchedule, c.Expression(), err)
		}
		return inLocation{Schedule: s, loc: loc}, nil
	case models.ScheduleInterval:
		d, err := c.Interval()
		if err != nil {
			return nil, err
		}
		return cron.Every(d), nil
	default:
		return nil, fmt.Errorf("%w: unsupported schedule mode %q", models.ErrInvalidSchedule, c.Mode)
	}
}

// Expression renders the crontab fields in standard 5-field order. Empty fields become "*".
func (c Config) Expression() string {
	return strings.Join([]string{
		field(c.Minute),
		field(c.Hour),
		field(c.DayOfMonth),
		field(c.MonthOfYear),
		field(c.DayOfWeek),
	}, " ")
}

// Interval sums the interval fields. At least one must be non-zero and none negative.
func (c Config) Interval() (time.Duration, error) {
	if c.Seconds < 0 || c.Minutes < 0 || c.Hours < 0 || c.Days < 0 {
		return 0, fmt.Errorf("%w: interval parameters must not be negative", models.ErrInvalidSchedule)
	}
	d := time.Duration(c.Days)*24*time.Hour +
		time.Duration(c.Hours)*time.Hour +
		time.Duration(c.Minutes)*time.Minute +
		time.Duration(c.Seconds)*time.Second
	if d <= 0 {
		return 0, fmt.Errorf("%w: at least one interval parameter must be provided", models.ErrInvalidSchedule)
	}
	return d, nil
}

// Describe is a short human readable form used in logs and the API.
func (c Config) Describe() string {
	switch c.Mode {
	case models.ScheduleCrontab:
		return "crontab " + c.Expression()
	case models.ScheduleInterval:
		if d, err := c.Interval(); err == nil {
			return "every " + d.String()
		}
	}
	return string(c.Mode)
}

// ValidateTask runs the task's own validation and, for periodic tasks, builds
// the schedule so an unusable configuration is rejected at create/update time.
func ValidateTask(t models.Task, now time.Time, loc *time.Location) error {
	if err := t.Validate(now); err != nil {
		return err
	}
	if t.Mode != models.ModePeriodic {
		return nil
	}
	_, err := FromTask(t).Build(loc)
	return err
}

// Occurrences returns the next n fire times after base.
func Occurrences(s cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = s.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// inLocation evaluates a crontab in a fixed location regardless of the
// location of the time it is asked about.
type inLocation struct {
	cron.Schedule
	loc *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	return s.Schedule.Next(t.In(s.loc))
}

func field(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "*"
	}
	return v
}
