package timex

import (
	"time"

	"nodemanager-go/types"
)

// UnitDuration returns the length of one unit.
func UnitDuration(u types.TimeUnit) time.Duration {
	switch u {
	case types.Seconds:
		return time.Second
	case types.Hours:
		return time.Hour
	case types.Days:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Span converts n units into a duration. Negative n yields 0.
func Span(n int, u types.TimeUnit) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * UnitDuration(u)
}

// Ms converts a millisecond count from configuration into a duration.
func Ms(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
