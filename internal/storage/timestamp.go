package storage

import "time"

// legacyLayout matches naive local timestamps written by older tooling.
const legacyLayout = "2006-01-02T15:04:05.999999"

// ParseTimestamp accepts RFC3339 and zone-less ISO timestamps, the latter
// interpreted in local time. The result is UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.ParseInLocation(legacyLayout, s, time.Local); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}
