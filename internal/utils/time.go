package utils

import "time"

// NowMillis returns the current UTC time truncated to millisecond precision,
// the resolution Mongo stores dates at. Ordering keys must round-trip exactly.
func NowMillis() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
