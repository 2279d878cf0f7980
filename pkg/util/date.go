package util

import (
	"math"
	"strconv"
	"time"
)

// ISOFormat is how timestamps leave the service: UTC with a literal Z.
const ISOFormat = "2006-01-02T15:04:05.000000Z"

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds (integer or
// fractional). Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return EpochSeconds(f)
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// EpochSeconds converts seconds since the unix epoch into a UTC time.
// Non-finite and negative values are rejected, so an agent ts from before
// 1970 is treated as absent and the receipt time is used instead.
func EpochSeconds(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	if sec > float64(math.MaxInt64/int64(time.Second)) {
		return time.Time{}, false
	}
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), true
}

// FormatISO renders t in UTC with a trailing Z.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOFormat)
}
