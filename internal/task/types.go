// Package task defines the scheduling domain model: one-shot tasks, recurring
// scheduled tasks, their execution history, and the recurrence calculator.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the execution backend for a task.
type Kind string

const (
	KindVisualAnalysis  Kind = "visual-analysis"
	KindWebAutomation   Kind = "web-automation"
	KindDataExtraction  Kind = "data-extraction"
	KindContentCreation Kind = "content-creation"
	KindMonitoring      Kind = "monitoring"
	KindCustom          Kind = "custom"
)

// Priority orders eligible tasks within a dispatch tick. It never preempts.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to a sortable integer (higher dispatches first).
// Unknown values rank below low so malformed records never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"

	// StatusActive applies to scheduled tasks only.
	StatusActive Status = "active"
)

// Terminal reports whether no further dispatch can happen for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Payload is opaque backend-specific data.
type Payload map[string]any

// Task is a one-shot unit of background work.
//
// Status transitions happen only inside the dispatch loop; public API calls
// (pause/resume/cancel) go through the store which shares the same lock.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Kind        Kind     `json:"kind"`
	Payload     Payload  `json:"payload,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// ScheduledFor is the earliest-eligible timestamp; nil means immediately.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	// Dependencies lists task IDs that must be completed first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Error carries the last failure message (terminal or pre-retry).
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Frequency is the recurrence rule family of a Schedule.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	FreqYearly  Frequency = "yearly"
	FreqCustom  Frequency = "custom"
	FreqCron    Frequency = "cron"
)

// Schedule describes when a recurring task runs.
type Schedule struct {
	Frequency Frequency `json:"frequency"`

	// Interval is the period in days for custom frequency.
	Interval int `json:"interval,omitempty"`

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// TimeOfDay is "HH:MM" in the schedule's timezone. Seconds are always zero.
	TimeOfDay string `json:"time_of_day,omitempty"`

	// DaysOfWeek uses 0=Sunday..6=Saturday (weekly frequency).
	DaysOfWeek []int `json:"days_of_week,omitempty"`

	DayOfMonth int `json:"day_of_month,omitempty"`

	// Timezone is an IANA zone name; empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`

	// CronExpr is a standard 5-field cron expression (cron frequency only).
	CronExpr string `json:"cron_expr,omitempty"`
}

// Execution is one immutable history record of a scheduled-task run or a
// one-shot attempt.
type Execution struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	ExecutedAt time.Time     `json:"executed_at"`
	Status     ExecStatus    `json:"status"`
	Result     any           `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	RetryCount int           `json:"retry_count"`
}

type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecFailure ExecStatus = "failure"
	ExecSkipped ExecStatus = "skipped"
)

// ScheduledTask is a recurring task. It embeds Task; Status uses the scheduled
// set (active, paused, completed, failed, cancelled).
type ScheduledTask struct {
	Task

	Schedule      Schedule  `json:"schedule"`
	NextExecution time.Time `json:"next_execution"`

	// History holds the most recent executions, oldest first. Retention is
	// enforced by the store (count and age caps).
	History []Execution `json:"history,omitempty"`

	TotalExecutions      int `json:"total_executions"`
	SuccessfulExecutions int `json:"successful_executions"`
	FailedExecutions     int `json:"failed_executions"`
}

// Kinds lists the known task kinds in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindVisualAnalysis, KindWebAutomation, KindDataExtraction,
		KindContentCreation, KindMonitoring, KindCustom,
	}
}

// ValidKind reports whether k is a known backend selector.
// Unknown kinds are still dispatchable (they match any idle worker), so this
// is a soft check used by validation messages, not a gate.
func ValidKind(k Kind) bool {
	switch k {
	case KindVisualAnalysis, KindWebAutomation, KindDataExtraction,
		KindContentCreation, KindMonitoring, KindCustom:
		return true
	}
	return false
}

// Validate checks a one-shot task spec at creation time.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task name must not be empty")
	}
	if t.Kind == "" {
		return fmt.Errorf("task kind must not be empty")
	}
	switch t.Priority {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("unknown priority %q", t.Priority)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return nil
}

// Validate checks a schedule at creation time.
func (s *Schedule) Validate() error {
	switch s.Frequency {
	case FreqDaily, FreqMonthly, FreqYearly:
	case FreqWeekly:
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("days_of_week entries must be 0..6, got %d", d)
			}
		}
	case FreqCustom:
		if s.Interval <= 0 {
			return fmt.Errorf("custom frequency requires interval >= 1 day")
		}
	case FreqCron:
		if strings.TrimSpace(s.CronExpr) == "" {
			return fmt.Errorf("cron frequency requires cron_expr")
		}
	default:
		return fmt.Errorf("unknown frequency %q", s.Frequency)
	}
	if s.StartDate.IsZero() {
		return fmt.Errorf("start_date must be set")
	}
	if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
		return fmt.Errorf("end_date must not be before start_date")
	}
	if s.TimeOfDay != "" {
		if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return err
		}
	}
	if s.DayOfMonth < 0 || s.DayOfMonth > 31 {
		return fmt.Errorf("day_of_month must be 0..31, got %d", s.DayOfMonth)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// Location resolves the schedule timezone, falling back to the local zone.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
