// Package holidays classifies dates as public holidays.
package holidays

import (
	"fmt"
	"strings"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/de"

	"github.com/muenzbox/muenzbox/domain/repositories"
)

// Calendar wraps a rickar/cal calendar for one jurisdiction.
type Calendar struct {
	region string
	cal    *cal.BusinessCalendar
}

var _ repositories.HolidayCalendar = (*Calendar)(nil)

// NewCalendar returns the holiday calendar for region. "DE" selects the
// German nationwide holidays; "NONE" yields a calendar without holidays.
func NewCalendar(region string) (*Calendar, error) {
	c := cal.NewBusinessCalendar()
	switch strings.ToUpper(strings.TrimSpace(region)) {
	case "", "DE":
		c.AddHoliday(de.Holidays...)
		region = "DE"
	case "NONE":
		region = "NONE"
	default:
		return nil, fmt.Errorf("unsupported holiday region %q", region)
	}
	return &Calendar{region: region, cal: c}, nil
}

// Region returns the normalized region code.
func (c *Calendar) Region() string { return c.region }

// IsHoliday implements repositories.HolidayCalendar. Only the actual
// date counts, substitute days are ignored.
func (c *Calendar) IsHoliday(date time.Time) bool {
	actual, _, _ := c.cal.IsHoliday(date)
	return actual
}

// Fixed is a HolidayCalendar backed by a static set of dates.
type Fixed map[string]bool

// NewFixed builds a Fixed calendar from YYYY-MM-DD strings.
func NewFixed(dates ...string) Fixed {
	f := make(Fixed, len(dates))
	for _, d := range dates {
		f[d] = true
	}
	return f
}

func (f Fixed) IsHoliday(date time.Time) bool {
	return f[date.Format(time.DateOnly)]
}
