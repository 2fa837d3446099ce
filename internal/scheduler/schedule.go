package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liftoffhq/runway/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the first fire time strictly after from for the given
// schedule. Daily and weekly recurrence map onto cron expressions; monthly
// needs manual arithmetic because cron cannot express the short-month clamp
// (day 31 in April fires on the 30th, not never). A once schedule fires at
// the next occurrence of its time of day.
func NextRun(sched *schema.Schedule, from time.Time) (time.Time, error) {
	if sched == nil {
		return time.Time{}, fmt.Errorf("nil schedule")
	}
	switch sched.Type {
	case schema.ScheduleDaily, schema.ScheduleOnce:
		return cronNext(fmt.Sprintf("%d %d * * *", sched.Minute, sched.Hour), from)

	case schema.ScheduleWeekly:
		if sched.DayOfWeek == nil {
			return time.Time{}, fmt.Errorf("weekly schedule missing day_of_week")
		}
		return cronNext(fmt.Sprintf("%d %d * * %d", sched.Minute, sched.Hour, *sched.DayOfWeek), from)

	case schema.ScheduleMonthly:
		if sched.DayOfMonth == nil {
			return time.Time{}, fmt.Errorf("monthly schedule missing day_of_month")
		}
		return nextMonthly(*sched.DayOfMonth, sched.Hour, sched.Minute, from), nil

	default:
		return time.Time{}, fmt.Errorf("schedule type %q has no next run", sched.Type)
	}
}

func cronNext(expr string, from time.Time) (time.Time, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s.Next(from), nil
}

func nextMonthly(day, hour, minute int, from time.Time) time.Time {
	candidate := monthlyOccurrence(from.Year(), from.Month(), day, hour, minute, from.Location())
	if candidate.After(from) {
		return candidate
	}
	next := from.AddDate(0, 0, -from.Day()+1).AddDate(0, 1, 0) // first of next month
	return monthlyOccurrence(next.Year(), next.Month(), day, hour, minute, from.Location())
}

func monthlyOccurrence(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	// Day zero of the following month is this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Describe renders a schedule as the short human-readable label shown in
// template listings, e.g. "daily 9:00am", "Monday 9:00am", "15th 9:00am",
// or "Once".
func Describe(sched *schema.Schedule) string {
	if sched == nil || sched.Type == schema.ScheduleNone {
		return ""
	}
	switch sched.Type {
	case schema.ScheduleOnce:
		return "Once"
	case schema.ScheduleDaily:
		return fmt.Sprintf("daily %s", clock12(sched.Hour, sched.Minute))
	case schema.ScheduleWeekly:
		day := time.Sunday
		if sched.DayOfWeek != nil {
			day = time.Weekday(*sched.DayOfWeek)
		}
		return fmt.Sprintf("%s %s", day, clock12(sched.Hour, sched.Minute))
	case schema.ScheduleMonthly:
		day := 1
		if sched.DayOfMonth != nil {
			day = *sched.DayOfMonth
		}
		return fmt.Sprintf("%s %s", ordinal(day), clock12(sched.Hour, sched.Minute))
	default:
		return string(sched.Type)
	}
}

func clock12(hour, minute int) string {
	suffix := "am"
	h := hour
	switch {
	case hour == 0:
		h = 12
	case hour == 12:
		suffix = "pm"
	case hour > 12:
		h = hour - 12
		suffix = "pm"
	}
	return fmt.Sprintf("%d:%02d%s", h, minute, suffix)
}

func ordinal(n int) string {
	suffix := "th"
	if n%100 < 11 || n%100 > 13 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
