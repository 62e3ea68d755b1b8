package scheduler

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/acme/call-dispatcher/internal/domain"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

// IsWithinWindow reports whether now falls inside the calling window in tz.
// An unknown or empty zone fails closed with a configuration error.
func IsWithinWindow(now time.Time, window domain.CallingWindow, tz string) (bool, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return false, err
	}
	if !window.Start.Valid() || !window.End.Valid() {
		return false, fmt.Errorf("%w: calling window %s-%s", apperrors.ErrConfiguration, window.Start, window.End)
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	start, end := window.Start.Minutes(), window.End.Minutes()

	if window.SpansMidnight() {
		return minute >= start || minute < end, nil
	}
	return minute >= start && minute < end, nil
}

// NextWindowOpen returns the earliest instant at or after now at which the window is open.
// ok is false for an empty window (start equal to end).
func NextWindowOpen(now time.Time, window domain.CallingWindow, tz string) (time.Time, bool, error) {
	open, err := IsWithinWindow(now, window, tz)
	if err != nil {
		return time.Time{}, false, err
	}
	if open {
		return now, true, nil
	}
	if window.Start.Minutes() == window.End.Minutes() {
		return time.Time{}, false, nil
	}

	loc, _ := loadLocation(tz)
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), window.Start.Hour, window.Start.Minute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, window.Start.Hour, window.Start.Minute, 0, 0, loc)
	}
	return candidate, true, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, fmt.Errorf("%w: empty time zone", apperrors.ErrConfiguration)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %v", apperrors.ErrConfiguration, tz, err)
	}
	return loc, nil
}
