package model

import "time"

// NextTimestamp returns the server timestamp for a new message: now truncated to the
// backend precision, bumped past the conversation's previous message if the clock has
// not advanced. This keeps timestamps strictly increasing in commit order.
func NextTimestamp(now time.Time, last *time.Time, precision time.Duration) time.Time {
	ts := now.UTC().Truncate(precision)
	if last != nil {
		floor := last.UTC().Truncate(precision).Add(precision)
		if ts.Before(floor) {
			ts = floor
		}
	}
	return ts
}
