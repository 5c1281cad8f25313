package entities

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Interval is an allowed time range within a day, expressed in minutes
// since midnight. Both bounds are inclusive.
type Interval struct {
	Start int
	End   int
}

// DefaultIntervals is used when an identity has no intervals configured.
var DefaultIntervals = []Interval{{Start: 8 * 60, End: 20 * 60}}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// NewInterval builds an interval from two "HH:MM" strings.
func NewInterval(from, until string) (Interval, error) {
	start, err := ParseClock(from)
	if err != nil {
		return Interval{}, err
	}
	end, err := ParseClock(until)
	if err != nil {
		return Interval{}, err
	}
	if end < start {
		return Interval{}, fmt.Errorf("interval %s-%s ends before it starts", from, until)
	}
	return Interval{Start: start, End: end}, nil
}

// Contains reports whether minute lies within the interval.
func (i Interval) Contains(minute int) bool {
	return i.Start <= minute && minute <= i.End
}

func (i Interval) String() string {
	return FormatClock(i.Start) + "-" + FormatClock(i.End)
}

type intervalJSON struct {
	From  string `json:"from" yaml:"from"`
	Until string `json:"until" yaml:"until"`
}

func (i Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(intervalJSON{From: FormatClock(i.Start), Until: FormatClock(i.End)})
}

func (i *Interval) UnmarshalJSON(data []byte) error {
	var raw intervalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewInterval(raw.From, raw.Until)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
