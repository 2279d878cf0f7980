package util

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	require.True(t, ok)
	assert.Equal(t, s, got.Format(time.RFC3339))
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	got, ok := ParseTime("1728555010")
	require.True(t, ok)
	assert.True(t, got.Equal(ts))

	got, ok = ParseTime("1728555010.5")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, got.Sub(ts))
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	assert.True(t, ParseTimeDefault("", def).Equal(def))
	assert.True(t, ParseTimeDefault("yesterday", def).Equal(def))
}

func TestEpochSecondsRejectsGarbage(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), -1, 1e300} {
		_, ok := EpochSeconds(f)
		assert.False(t, ok, "%v", f)
	}
}

func TestFormatISO(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	got := FormatISO(time.Date(2024, 1, 2, 4, 5, 6, 7000, loc))
	assert.Equal(t, "2024-01-02T03:05:06.000007Z", got)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc "))
	assert.Equal(t, "abc", BearerToken("abc"))
	assert.Equal(t, "", BearerToken(""))
}
