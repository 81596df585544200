package automation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the textual date form the rules API expects.
const DateLayout = "01/02/2006"

var canonicalDate = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// NormalizeDate renders raw as MM/DD/YYYY. Strings already in that form are
// returned unchanged; empty or unparseable input yields "".
func NormalizeDate(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if canonicalDate.MatchString(s) {
		return s
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	return ""
}

// FormatDate renders t as MM/DD/YYYY, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

func normalizePatient(p PatientRecord) PatientRecord {
	return PatientRecord{
		AppointmentID:   strings.TrimSpace(p.AppointmentID),
		AppointmentDate: NormalizeDate(p.AppointmentDate),
		PatientID:       strings.TrimSpace(p.PatientID),
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		DateOfBirth:     NormalizeDate(p.DateOfBirth),
	}
}

// ParseDate accepts any form NormalizeDate does.
func ParseDate(raw string) (time.Time, error) {
	normalized := NormalizeDate(raw)
	if normalized == "" {
		return time.Time{}, ValidationError{reason: fmt.Errorf("unrecognised date %q", raw)}
	}
	return time.Parse(DateLayout, normalized)
}
