package common

import "time"

// NextClockAligned returns the next instant strictly after now that is a
// whole multiple of interval past midnight UTC. An interval of 0 returns the
// zero time.
func NextClockAligned(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return time.Time{}
	}
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := utc.Sub(midnight)
	return midnight.Add((elapsed/interval)*interval + interval)
}
