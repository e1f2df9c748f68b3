package clock

import "time"

// ExpiryAt returns created + minutes.
func ExpiryAt(created time.Time, minutes int) time.Time {
	return created.Add(time.Duration(minutes) * time.Minute)
}

// Remaining returns how long until expiry, never negative.
func Remaining(now, expiry time.Time) time.Duration {
	if d := expiry.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether now is strictly after expiry. A code is still
// valid at the exact expiry instant.
func Expired(now, expiry time.Time) bool {
	return now.After(expiry)
}

// PercentRemaining returns remaining/total as a percentage in [0,100].
func PercentRemaining(remaining, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return clampPercent(float64(remaining) / float64(total) * 100)
}

// PercentElapsed is the complement of PercentRemaining.
func PercentElapsed(remaining, total time.Duration) float64 {
	if total <= 0 {
		return 100
	}
	return 100 - PercentRemaining(remaining, total)
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
