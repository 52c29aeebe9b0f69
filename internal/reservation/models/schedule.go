package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
)

// MinutesPerDay is the Close value that means "open through midnight".
const MinutesPerDay = 24 * 60

// DailyHours is one opening interval, in minutes since local midnight.
type DailyHours struct {
	Open  int `json:"open" yaml:"open"`
	Close int `json:"close" yaml:"close"`
}

// ParseDailyHours parses "HH:MM" bounds. "24:00" is accepted as a close.
func ParseDailyHours(open, close string) (DailyHours, error) {
	o, err := parseClock(open)
	if err != nil {
		return DailyHours{}, err
	}
	c, err := parseClock(close)
	if err != nil {
		return DailyHours{}, err
	}
	h := DailyHours{Open: o, Close: c}
	if err := h.Validate(); err != nil {
		return DailyHours{}, err
	}
	return h, nil
}

func (h DailyHours) Validate() error {
	if h.Open < 0 || h.Close > MinutesPerDay || h.Open >= h.Close {
		return dErrors.Newf(dErrors.CodeValidation, "invalid daily hours %s", h)
	}
	return nil
}

// Covers reports whether [from, to) in minutes since midnight sits inside h.
func (h DailyHours) Covers(from, to int) bool {
	return h.Open <= from && to <= h.Close
}

func (h DailyHours) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", h.Open/60, h.Open%60, h.Close/60, h.Close%60)
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, dErrors.Newf(dErrors.CodeValidation, "time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeValidation, "invalid hour in "+s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeValidation, "invalid minute in "+s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, dErrors.Newf(dErrors.CodeValidation, "time %q out of range", s)
	}
	return h*60 + m, nil
}

// WeeklySchedule holds a space's opening hours. A weekday absent from Days is
// closed all day.
type WeeklySchedule struct {
	Location *time.Location
	Days     map[time.Weekday][]DailyHours
}

// AlwaysOpen is a 24/7 schedule.
func AlwaysOpen() WeeklySchedule {
	return Daily(DailyHours{Open: 0, Close: MinutesPerDay})
}

// Daily applies the same intervals to every weekday, in UTC.
func Daily(hours ...DailyHours) WeeklySchedule {
	s := WeeklySchedule{Days: make(map[time.Weekday][]DailyHours, 7)}
	for d := time.Sunday; d <= time.Saturday; d++ {
		s.Days[d] = append([]DailyHours(nil), hours...)
	}
	return s
}

// In returns a copy of s whose hours are read in loc.
func (s WeeklySchedule) In(loc *time.Location) WeeklySchedule {
	s.Location = loc
	return s
}

// Loc is the schedule's zone, UTC when unset.
func (s WeeklySchedule) Loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Hours returns the intervals for a weekday sorted by opening time.
func (s WeeklySchedule) Hours(day time.Weekday) []DailyHours {
	hours := append([]DailyHours(nil), s.Days[day]...)
	sort.Slice(hours, func(i, j int) bool { return hours[i].Open < hours[j].Open })
	return hours
}

// Validate checks each interval and rejects overlapping intervals on the same day.
func (s WeeklySchedule) Validate() error {
	for day := range s.Days {
		hours := s.Hours(day)
		for i, h := range hours {
			if err := h.Validate(); err != nil {
				return err
			}
			if i > 0 && hours[i-1].Close > h.Open {
				return dErrors.Newf(dErrors.CodeValidation, "overlapping hours on %s", day)
			}
		}
	}
	return nil
}

// Closure blocks a space for a window regardless of operating hours.
type Closure struct {
	ID      id.ClosureID `json:"id"`
	SpaceID id.SpaceID   `json:"space_id"`
	Window  TimeWindow   `json:"window"`
	Reason  string       `json:"reason"`
}
