// Package timewindow evaluates whether a time of day falls inside
// "HH:MM" ranges, including ranges that cross midnight.
package timewindow

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
)

// MinutesPerDay is the number of minutes in a clock day.
const MinutesPerDay = 24 * 60

var (
	// ErrInvalidTimeFormat is returned when a clock value is not "HH:MM".
	ErrInvalidTimeFormat = errors.New("invalid time format")
	// ErrInvalidHour is returned when the hour is outside 0-23.
	ErrInvalidHour = errors.New("invalid hour")
	// ErrInvalidMinute is returned when the minute is outside 0-59.
	ErrInvalidMinute = errors.New("invalid minute")
)

var clockPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseClock converts "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 {
		return 0, fmt.Errorf("%w: %d in %q", ErrInvalidHour, hour, s)
	}
	if minute > 59 {
		return 0, fmt.Errorf("%w: %d in %q", ErrInvalidMinute, minute, s)
	}
	return hour*60 + minute, nil
}

// MinuteOfDay returns the minutes elapsed since midnight for t in its own location.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Validate checks that both ends of w parse.
func Validate(w domain.TimeWindow) error {
	if _, err := ParseClock(w.Start); err != nil {
		return fmt.Errorf("window start: %w", err)
	}
	if _, err := ParseClock(w.End); err != nil {
		return fmt.Errorf("window end: %w", err)
	}
	return nil
}

// InWindow reports whether now falls inside [start, end).
//
// When start is after end the window crosses midnight and covers
// [start, 24:00) and [00:00, end). The timezone argument is not applied:
// callers pass now already converted to the zone they want evaluated.
func InWindow(now time.Time, start, end, timezone string) (bool, error) {
	_ = timezone

	startMin, err := ParseClock(start)
	if err != nil {
		return false, err
	}
	endMin, err := ParseClock(end)
	if err != nil {
		return false, err
	}

	current := MinuteOfDay(now)
	if startMin <= endMin {
		return current >= startMin && current < endMin, nil
	}
	return current >= startMin || current < endMin, nil
}

// InAnyWindow reports whether now falls inside any of windows.
// An empty list is never matched.
func InAnyWindow(now time.Time, windows []domain.TimeWindow, timezone string) (bool, error) {
	for _, w := range windows {
		in, err := InWindow(now, w.Start, w.End, timezone)
		if err != nil {
			return false, err
		}
		if in {
			return true, nil
		}
	}
	return false, nil
}
