package sheetsync

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var remoteLayouts = []string{
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2/1/2006",
}

const remoteWriteLayout = "02/01/2006 15:04:05"

// serialEpoch is day zero of spreadsheet serial dates (1900-01-01 less the 2-day correction).
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// unknownTime is what an unparseable timestamp becomes; it loses every comparison.
var unknownTime = time.Unix(0, 0).UTC()

// ParseRemoteTimestamp reads a sheet timestamp in loc. ok is false when raw is
// empty or unparseable, and the result is then the Unix epoch.
func ParseRemoteTimestamp(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownTime, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range remoteLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	if t, ok := parseSerial(raw, loc); ok {
		return t, true
	}
	return unknownTime, false
}

// parseSerial reads a day count since serialEpoch; the fraction is the time of day.
func parseSerial(raw string, loc *time.Location) (time.Time, bool) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, false
	}
	days := math.Floor(f)
	secs := math.Round((f - days) * 86400)
	if secs >= 86400 {
		days++
		secs = 0
	}
	base := time.Date(serialEpoch.Year(), serialEpoch.Month(), serialEpoch.Day(), 0, 0, 0, 0, loc)
	return base.AddDate(0, 0, int(days)).Add(time.Duration(secs) * time.Second), true
}

// FormatRemoteTimestamp is the inverse of ParseRemoteTimestamp at second precision.
func FormatRemoteTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(remoteWriteLayout)
}

func truncSecond(t time.Time) int64 {
	return t.Unix()
}
