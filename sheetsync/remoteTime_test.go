package sheetsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemoteTimestampRoundTrip(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*60*60)
	in := time.Date(2024, 3, 9, 4, 5, 6, 700_000_000, time.UTC)

	raw := FormatRemoteTimestamp(in, loc)
	assert.Equal(t, "09/03/2024 11:05:06", raw)

	out, ok := ParseRemoteTimestamp(raw, loc)
	assert.True(t, ok)
	assert.True(t, out.Equal(in.Truncate(time.Second)))
}

func TestParseRemoteTimestamp(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"9/3/2024 4:05:06", time.Date(2024, 3, 9, 4, 5, 6, 0, time.UTC), true},
		{"09/03/2024 04:05", time.Date(2024, 3, 9, 4, 5, 0, 0, time.UTC), true},
		{"09/03/2024", time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), true},
		{"45351.5", time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), true},
		{"  ", unknownTime, false},
		{"yesterday", unknownTime, false},
		{"-3", unknownTime, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseRemoteTimestamp(tt.raw, time.UTC)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
