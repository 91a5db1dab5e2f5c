package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstant(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	cases := map[string]string{
		"canonical":       "2025-03-01T10:30:00.000000Z",
		"rfc3339":         "2025-03-01T10:30:00Z",
		"offset":          "2025-03-01T12:30:00+02:00",
		"naive":           "2025-03-01T10:30:00",
		"naive micros":    "2025-03-01T10:30:00.000000",
		"naive space":     "2025-03-01 10:30:00",
		"padded":          "  2025-03-01T10:30:00Z ",
		"naive minute":    "2025-03-01T10:30",
		"utc zero offset": "2025-03-01T10:30:00+00:00",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseInstant(raw)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseInstantRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "yesterday", "2025-13-01T00:00:00Z"} {
		_, err := ParseInstant(raw)
		assert.Error(t, err, raw)
	}
}

func TestAtRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 30, 0, 123456000, time.FixedZone("X", 3600))
	ts := At(now)
	assert.Equal(t, Timestamp("2025-03-01T09:30:00.123456Z"), ts)

	got, err := ts.Time()
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	assert.True(t, At(time.Time{}).IsZero())
}
