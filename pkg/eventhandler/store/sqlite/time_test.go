package sqlite

import (
	"database/sql"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime_SortsInTimeOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(120 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Nanosecond),
	}

	formatted := make([]string, len(times))
	for i, ts := range times {
		formatted[i] = formatTime(ts)
	}
	assert.True(t, sort.StringsAreSorted(formatted), "got %v", formatted)
	assert.Len(t, formatted[0], len(formatted[4]))
}

func TestFormatTime_NormalizesToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2026, 3, 1, 14, 0, 0, 0, zone)

	assert.Equal(t, "2026-03-01T12:00:00.000000000Z", formatTime(local))
}

func TestParseNullTime_AcceptsBothLayouts(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	for _, raw := range []string{formatTime(want), want.Format(time.RFC3339Nano)} {
		got, err := parseNullTime(sql.NullString{String: raw, Valid: true})
		require.NoError(t, err, raw)
		require.NotNil(t, got)
		assert.True(t, want.Equal(*got), raw)
	}
}
