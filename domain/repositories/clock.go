package repositories

import "time"

// Clock abstracts time to keep usecases deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// HolidayCalendar classifies dates as public holidays of a jurisdiction.
type HolidayCalendar interface {
	IsHoliday(date time.Time) bool
}
