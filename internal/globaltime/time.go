// Package globaltime is the single source of wall-clock time. Components take
// an optional clock func and fall back to UTC.
package globaltime

import "time"

// UTC is the current time in UTC. Every persisted timestamp is UTC.
func UTC() time.Time {
	return time.Now().UTC()
}

// Clock returns now when it is set and UTC otherwise.
func Clock(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return UTC
}
