// Package policy decides whether the current moment falls inside an
// identity's allowed time windows. Everything here is pure.
package policy

import (
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// IsWeekendOrHoliday reports whether day is a Saturday, a Sunday or a
// public holiday according to holidays. A nil calendar only checks the
// weekday.
func IsWeekendOrHoliday(day time.Time, holidays repositories.HolidayCalendar) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return holidays != nil && holidays.IsHoliday(day)
}

// ActiveIntervals picks the interval set that applies today and falls
// back to entities.DefaultIntervals when that set is empty.
func ActiveIntervals(isHoliday bool, weekday, weekend []entities.Interval) []entities.Interval {
	intervals := weekday
	if isHoliday {
		intervals = weekend
	}
	if len(intervals) == 0 {
		return entities.DefaultIntervals
	}
	return intervals
}

// IsNowInIntervals reports whether now's wall-clock minute lies within
// any interval. Bounds are inclusive.
func IsNowInIntervals(intervals []entities.Interval, now time.Time) bool {
	if len(intervals) == 0 {
		intervals = entities.DefaultIntervals
	}
	minute := now.Hour()*60 + now.Minute()
	for _, interval := range intervals {
		if interval.Contains(minute) {
			return true
		}
	}
	return false
}

// Windows bundles the calendar classification with the chosen intervals
// for one identity at one moment.
type Windows struct {
	WeekendOrHoliday bool
	Intervals        []entities.Interval
	Open             bool
}

// Evaluate applies the full policy to an identity at now, interpreted in
// loc.
func Evaluate(identity *entities.Identity, now time.Time, loc *time.Location, holidays repositories.HolidayCalendar) Windows {
	if loc != nil {
		now = now.In(loc)
	}
	weekend := IsWeekendOrHoliday(now, holidays)
	intervals := ActiveIntervals(weekend, identity.WeekdayWindows, identity.WeekendWindows)
	return Windows{
		WeekendOrHoliday: weekend,
		Intervals:        intervals,
		Open:             IsNowInIntervals(intervals, now),
	}
}
