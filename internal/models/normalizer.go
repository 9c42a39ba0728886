package models

import (
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// MaxClockSkew bounds how far ahead of the receiver a device clock may run
// before its timestamp is replaced.
const MaxClockSkew = time.Minute

// Normalize applies field normalization to a Reading
// - trims the device ID
// - stamps ObservedAt with receivedAt when the device sent none
// - clamps ObservedAt to receivedAt when it is more than MaxClockSkew ahead
// - converts ObservedAt to UTC
//
// It reports whether the device timestamp was clamped.
func (r *Reading) Normalize(receivedAt time.Time) (clamped bool) {
	r.DeviceID = strings.TrimSpace(r.DeviceID)

	switch {
	case r.ObservedAt.IsZero():
		r.ObservedAt = receivedAt
	case r.ObservedAt.After(receivedAt.Add(MaxClockSkew)):
		r.ObservedAt = receivedAt
		clamped = true
	}
	r.ObservedAt = r.ObservedAt.UTC()
	return clamped
}

// Validate checks the fields the pipeline depends on. An empty reading is
// valid: it simply produces no alerts.
func (r *Reading) Validate() error {
	if r.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	return nil
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
