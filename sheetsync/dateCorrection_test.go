package sheetsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrectDate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		raw     string
		want    time.Time
		verdict DateVerdict
	}{
		{"29/02/2024 10:00:00", time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), DateValid},
		{"15/04/2024", time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC), DateValid},
		{"1/2/2024", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), DateCorrected},
		{"45351", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), DateCorrected},
		{"02/05/2024 08:00", time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC), DateValid},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, verdict := CorrectDate(tt.raw, now, time.UTC)
			require.NotNil(t, got)
			assert.Equal(t, tt.verdict, verdict)
			assert.True(t, tt.want.Equal(*got), "got %s", got)
		})
	}
}

func TestCorrectDate_Rejections(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		raw     string
		verdict DateVerdict
	}{
		{"", DateEmpty},
		{"03/05/2024", DateFuture},
		{"31/12/1899", DateOutOfRange},
		{"01/01/2031", DateOutOfRange},
		{"31/02/2024", DateInvalid},
		{"next tuesday", DateInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, verdict := CorrectDate(tt.raw, now, time.UTC)
			assert.Nil(t, got)
			assert.Equal(t, tt.verdict, verdict)
		})
	}
}

func TestCorrectDate_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, verdict := CorrectDate("30/04/2024 22:00:00", now, loc)
	require.NotNil(t, got)
	assert.Equal(t, DateValid, verdict)
	assert.True(t, got.Equal(time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)))
}
