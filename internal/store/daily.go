package store

import (
	"context"

	"dispatchd/internal/task"
)

// DailyDuration expresses how long a daily task keeps running.
// A zero value means no end date.
type DailyDuration struct {
	Days   int `json:"days,omitempty"`
	Weeks  int `json:"weeks,omitempty"`
	Months int `json:"months,omitempty"`
}

func (d DailyDuration) isZero() bool { return d.Days == 0 && d.Weeks == 0 && d.Months == 0 }

// DailyOptions carries the optional knobs of CreateDailyTask.
type DailyOptions struct {
	Priority   task.Priority `json:"priority,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
}

// CreateDailyTask is a convenience wrapper over CreateScheduledTask: a daily
// schedule starting now, with endDate derived from the duration.
func (s *Store) CreateDailyTask(ctx context.Context, name, description string, kind task.Kind, payload task.Payload, dur DailyDuration, timeOfDay string, opts DailyOptions) (string, error) {
	now := s.now()

	sched := task.Schedule{
		Frequency: task.FreqDaily,
		StartDate: now,
		TimeOfDay: timeOfDay,
		Timezone:  opts.Timezone,
	}
	if !dur.isZero() {
		end := now.AddDate(0, dur.Months, dur.Weeks*7+dur.Days)
		sched.EndDate = &end
	}

	spec := task.Task{
		Name:        name,
		Description: description,
		Kind:        kind,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxRetries:  opts.MaxRetries,
	}
	return s.CreateScheduledTask(ctx, spec, sched)
}
