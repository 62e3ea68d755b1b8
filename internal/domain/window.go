package domain

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time without a date, minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "15:04".
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", value, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// TimeOfDayFromMinutes converts minutes after midnight.
func TimeOfDayFromMinutes(min int) TimeOfDay {
	return TimeOfDay{Hour: min / 60, Minute: min % 60}
}

// Minutes returns minutes after midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Valid reports whether the value is a real wall-clock time.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// CallingWindow is the daily range in which calls may be placed.
// Start after End means the window spans midnight.
type CallingWindow struct {
	Start TimeOfDay
	End   TimeOfDay
}

// SpansMidnight reports whether the window crosses 00:00.
func (w CallingWindow) SpansMidnight() bool {
	return w.Start.Minutes() > w.End.Minutes()
}
