package task

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// iteration guards keep malformed schedules from spinning forever; the
// fallback below guarantees a usable result either way.
const (
	maxDailySteps   = 40000 // ~100 years
	maxMonthlySteps = 1500
	maxYearlySteps  = 200
)

// NextExecution computes the next run time for a schedule, strictly after now.
//
// The result never lands in the past and the function never fails: malformed
// schedules degrade to "same time tomorrow".
func NextExecution(s Schedule, now time.Time) time.Time {
	loc := s.Location()
	now = now.In(loc)

	hh, mm := scheduleClock(s)

	// Anchor at the start date's calendar day with the configured time of day.
	start := s.StartDate.In(loc)
	base := time.Date(start.Year(), start.Month(), start.Day(), hh, mm, 0, 0, loc)

	var next time.Time
	switch s.Frequency {
	case FreqDaily:
		next = nextDaily(base, now, 1)
	case FreqWeekly:
		next = nextWeekly(s, base, now, hh, mm, loc)
	case FreqMonthly:
		next = nextMonthly(s, base, now, hh, mm, loc)
	case FreqYearly:
		next = nextYearly(base, now, hh, mm, loc)
	case FreqCustom:
		interval := s.Interval
		if interval < 1 {
			interval = 1
		}
		next = nextDaily(base, now, interval)
	case FreqCron:
		next = nextCron(s, base, now, loc)
	default:
		next = nextDaily(base, now, 1)
	}

	if !next.After(now) {
		next = now.AddDate(0, 0, 1)
	}
	return next
}

// nextDaily advances from base in fixed day steps until strictly after now.
func nextDaily(base, now time.Time, stepDays int) time.Time {
	t := base
	for i := 0; i < maxDailySteps; i++ {
		if t.After(now) {
			return t
		}
		t = t.AddDate(0, 0, stepDays)
	}
	return now.AddDate(0, 0, stepDays)
}

// nextWeekly picks the smallest configured day-of-week strictly after now's
// day-of-week, wrapping to the earliest configured day the following week.
// Today's slot is intentionally skipped even if its time has not passed yet.
func nextWeekly(s Schedule, base, now time.Time, hh, mm int, loc *time.Location) time.Time {
	if len(s.DaysOfWeek) == 0 {
		// No day list: run every 7 days from the start anchor.
		return nextDaily(base, now, 7)
	}

	days := append([]int(nil), s.DaysOfWeek...)
	sort.Ints(days)

	cur := int(now.Weekday())

	delta := 0
	target := -1
	for _, d := range days {
		if d > cur {
			target = d
			break
		}
	}
	if target >= 0 {
		delta = target - cur
	} else {
		delta = 7 - cur + days[0]
	}

	day := now.AddDate(0, 0, delta)
	t := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
	if !t.After(now) {
		t = t.AddDate(0, 0, 7)
	}
	// A future start date pushes the first occurrence into its week.
	for i := 0; t.Before(base) && i < maxDailySteps; i++ {
		t = t.AddDate(0, 0, 7)
	}
	return t
}

// nextMonthly targets dayOfMonth each month, clamping to the last day of
// months shorter than the target (the 31st runs on Feb 28/29).
func nextMonthly(s Schedule, base, now time.Time, hh, mm int, loc *time.Location) time.Time {
	dom := s.DayOfMonth
	if dom < 1 {
		dom = base.Day()
	}

	year, month := now.Year(), now.Month()
	if base.After(now) {
		year, month = base.Year(), base.Month()
	}

	for i := 0; i < maxMonthlySteps; i++ {
		day := clampDay(year, month, dom)
		t := time.Date(year, month, day, hh, mm, 0, 0, loc)
		if t.After(now) && !t.Before(base) {
			return t
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return now.AddDate(0, 1, 0)
}

// nextYearly repeats the start date's month/day every year, clamping Feb 29
// to Feb 28 on non-leap years.
func nextYearly(base, now time.Time, hh, mm int, loc *time.Location) time.Time {
	month, dom := base.Month(), base.Day()

	year := now.Year()
	if base.After(now) {
		year = base.Year()
	}

	for i := 0; i < maxYearlySteps; i++ {
		day := clampDay(year, month, dom)
		t := time.Date(year, month, day, hh, mm, 0, 0, loc)
		if t.After(now) && !t.Before(base) {
			return t
		}
		year++
	}
	return now.AddDate(1, 0, 0)
}

// nextCron delegates to a standard 5-field cron expression. Parse errors fall
// back to daily cadence so a bad expression degrades instead of stalling.
func nextCron(s Schedule, base, now time.Time, loc *time.Location) time.Time {
	spec, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		return nextDaily(base, now, 1)
	}
	ref := now
	if base.After(now) {
		ref = base.Add(-time.Second)
	}
	t := spec.Next(ref.In(loc))
	if t.IsZero() {
		return nextDaily(base, now, 1)
	}
	return t
}

// scheduleClock resolves the hour/minute the schedule fires at. An explicit
// timeOfDay wins; otherwise the start date's own clock is used.
func scheduleClock(s Schedule) (hh, mm int) {
	if s.TimeOfDay != "" {
		h, m, err := parseTimeOfDay(s.TimeOfDay)
		if err == nil {
			return h, m
		}
	}
	start := s.StartDate.In(s.Location())
	return start.Hour(), start.Minute()
}

func parseTimeOfDay(v string) (hh, mm int, err error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time_of_day must be HH:MM, got %q", v)
	}
	hh, err = strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("time_of_day hour out of range in %q", v)
	}
	mm, err = strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("time_of_day minute out of range in %q", v)
	}
	return hh, mm, nil
}

// clampDay returns day capped to the length of the given month.
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
