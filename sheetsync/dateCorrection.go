package sheetsync

import (
	"strings"
	"time"
)

type DateVerdict string

const (
	DateEmpty      DateVerdict = "empty"
	DateValid      DateVerdict = "valid"
	DateCorrected  DateVerdict = "corrected"
	DateFuture     DateVerdict = "rejected_future"
	DateOutOfRange DateVerdict = "rejected_range"
	DateInvalid    DateVerdict = "rejected_invalid"
)

const (
	minDateYear     = 1900
	maxDateYear     = 2030
	futureTolerance = 24 * time.Hour
)

// canonicalDateLayouts are the zero-padded forms; anything else that parses is "corrected".
var canonicalDateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// CorrectDate parses a sheet date strictly. Dates more than a day after now or
// outside [1900, 2030] come back nil rather than as a guess.
func CorrectDate(raw string, now time.Time, loc *time.Location) (*time.Time, DateVerdict) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, DateEmpty
	}
	if loc == nil {
		loc = time.UTC
	}

	verdict := DateCorrected
	var (
		t      time.Time
		parsed bool
	)
	for _, layout := range canonicalDateLayouts {
		if v, err := time.ParseInLocation(layout, raw, loc); err == nil {
			t, parsed, verdict = v, true, DateValid
			break
		}
	}
	if !parsed {
		for _, layout := range remoteLayouts {
			if v, err := time.ParseInLocation(layout, raw, loc); err == nil {
				t, parsed = v, true
				break
			}
		}
	}
	if !parsed {
		t, parsed = parseSerial(raw, loc)
	}
	if !parsed {
		return nil, DateInvalid
	}

	if t.Year() < minDateYear || t.Year() > maxDateYear {
		return nil, DateOutOfRange
	}
	if t.After(now.Add(futureTolerance)) {
		return nil, DateFuture
	}
	return &t, verdict
}

func (v DateVerdict) rejected() bool {
	return v == DateFuture || v == DateOutOfRange || v == DateInvalid
}
