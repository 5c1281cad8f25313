package policy

import (
	"testing"
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
)

type fixedHolidays map[string]bool

func (f fixedHolidays) IsHoliday(date time.Time) bool {
	return f[date.Format("2006-01-02")]
}

func at(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func TestIsWeekendOrHoliday(t *testing.T) {
	holidays := fixedHolidays{"2026-10-03": true, "2026-12-25": true}

	tests := []struct {
		name string
		day  time.Time
		want bool
	}{
		{"Wednesday", at(2026, 10, 14, 12, 0), false},
		{"Saturday", at(2026, 10, 17, 12, 0), true},
		{"Sunday", at(2026, 10, 18, 12, 0), true},
		{"HolidayOnFriday", at(2026, 12, 25, 12, 0), true},
		{"HolidayOnSaturday", at(2026, 10, 3, 12, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWeekendOrHoliday(tt.day, holidays); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if IsWeekendOrHoliday(at(2026, 12, 25, 12, 0), nil) {
		t.Error("Expected a nil calendar to ignore holidays")
	}
}

func TestActiveIntervals(t *testing.T) {
	weekday := []entities.Interval{{Start: 15 * 60, End: 18 * 60}}
	weekend := []entities.Interval{{Start: 9 * 60, End: 12 * 60}, {Start: 14 * 60, End: 19 * 60}}

	if got := ActiveIntervals(false, weekday, weekend); len(got) != 1 || got[0] != weekday[0] {
		t.Errorf("Expected weekday intervals, got %v", got)
	}
	if got := ActiveIntervals(true, weekday, weekend); len(got) != 2 {
		t.Errorf("Expected weekend intervals, got %v", got)
	}
	got := ActiveIntervals(true, weekday, nil)
	if len(got) != 1 || got[0].String() != "08:00-20:00" {
		t.Errorf("Expected default 08:00-20:00, got %v", got)
	}
}

func TestIsNowInIntervals(t *testing.T) {
	intervals := []entities.Interval{{Start: 8 * 60, End: 12 * 60}, {Start: 14 * 60, End: 20 * 60}}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"BeforeFirst", at(2026, 10, 14, 7, 59), false},
		{"StartInclusive", at(2026, 10, 14, 8, 0), true},
		{"EndInclusive", at(2026, 10, 14, 12, 0), true},
		{"Gap", at(2026, 10, 14, 13, 0), false},
		{"SecondInterval", at(2026, 10, 14, 19, 30), true},
		{"AfterLast", at(2026, 10, 14, 20, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNowInIntervals(intervals, tt.now); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if !IsNowInIntervals(nil, at(2026, 10, 14, 10, 0)) {
		t.Error("Expected empty intervals to fall back to 08:00-20:00")
	}
}

func TestEvaluateUsesLocation(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	identity := &entities.Identity{
		WeekdayWindows: []entities.Interval{{Start: 8 * 60, End: 20 * 60}},
	}

	// 19:30 UTC is 21:30 in Berlin during summer time.
	w := Evaluate(identity, at(2026, 7, 15, 19, 30), berlin, nil)
	if w.Open {
		t.Error("Expected window to be closed at 21:30 local time")
	}
	if w.WeekendOrHoliday {
		t.Error("Expected a Wednesday to be a weekday")
	}

	w = Evaluate(identity, at(2026, 7, 15, 8, 0), berlin, nil)
	if !w.Open {
		t.Error("Expected window to be open at 10:00 local time")
	}
}
