// Package record turns raw extracted fields into validated attendance
// records. Everything here is pure and deterministic: no I/O, no clock.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// ErrRejected marks raw fields that cannot form a valid record. Rejection is
// a value-level verdict, not a pipeline fault; the caller logs and moves on.
var ErrRejected = errors.New("record rejected")

// jpDate matches both "2025 年 8 月 29 日" and "2025/8/29" style dates after
// width normalization. Parenthesized weekday annotations are stripped first.
var (
	jpDate    = regexp.MustCompile(`(\d{4})\s*[年/.-]\s*(\d{1,2})\s*[月/.-]\s*(\d{1,2})\s*日?`)
	weekday   = regexp.MustCompile(`\([^)]*\)`)
	clockTime = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

// Normalize validates one raw field set into an AttendanceRecord. Required
// fields are name, date, start time and end time; anything absent or
// unparseable rejects the whole field set with a reason wrapped in
// ErrRejected. An end time of exactly midnight is kept as 24:00 of the
// service date, so "runs to midnight" stays distinct from "zero duration".
func Normalize(raw types.RawFields) (*types.AttendanceRecord, error) {
	name := cleanText(deref(raw.Name))
	if name == "" {
		return nil, fmt.Errorf("%w: name is missing", ErrRejected)
	}

	serviceDate, err := parseDate(deref(raw.Date))
	if err != nil {
		return nil, fmt.Errorf("%w: date %q: %v", ErrRejected, deref(raw.Date), err)
	}

	if raw.StartTime == nil || raw.EndTime == nil {
		return nil, fmt.Errorf("%w: start and end time must both be present", ErrRejected)
	}
	start, err := ParseClock(*raw.StartTime)
	if err != nil {
		return nil, fmt.Errorf("%w: start time %q: %v", ErrRejected, *raw.StartTime, err)
	}
	if start == types.Midnight24 {
		return nil, fmt.Errorf("%w: start time cannot be 24:00", ErrRejected)
	}
	end, err := ParseClock(*raw.EndTime)
	if err != nil {
		return nil, fmt.Errorf("%w: end time %q: %v", ErrRejected, *raw.EndTime, err)
	}
	if end == 0 {
		end = types.Midnight24
	}
	if start == end {
		return nil, fmt.Errorf("%w: zero-duration window %s-%s", ErrRejected, start, end)
	}

	return &types.AttendanceRecord{
		Name:                       name,
		ServiceDate:                serviceDate,
		Start:                      start,
		End:                        end,
		Office:                     cleanText(deref(raw.FacilityName)),
		DisabilitySupportHours:     raw.DisabilitySupportHours,
		SevereComprehensiveSupport: raw.SevereComprehensiveSupport,
	}, nil
}

// Split decomposes an overnight record (end before start) into two records
// sharing every non-time field: [start, 24:00) on the service date and
// [00:00, end) on the following date. Non-overnight records pass through
// unchanged, which also makes Split idempotent on already-split pairs.
func Split(rec types.AttendanceRecord) []types.AttendanceRecord {
	if rec.End >= rec.Start {
		return []types.AttendanceRecord{rec}
	}

	first := rec
	first.End = types.Midnight24

	second := rec
	second.ServiceDate = rec.ServiceDate.AddDate(0, 0, 1)
	second.Start = 0
	second.End = rec.End

	return []types.AttendanceRecord{first, second}
}

// ParseClock parses a time-of-day like "20:00" or "9:30" into minutes since
// midnight. "24:00" is accepted as the end-of-day bound. Full-width digits
// and colons are normalized first.
func ParseClock(s string) (types.ClockTime, error) {
	cleaned := cleanText(s)
	cleaned = strings.ReplaceAll(cleaned, " ", "")

	m := clockTime.FindStringSubmatch(cleaned)
	if m == nil {
		return 0, fmt.Errorf("not a HH:MM time")
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 24 || minute > 59 || (hour == 24 && minute != 0) {
		return 0, fmt.Errorf("out of range")
	}
	return types.ClockTime(hour*60 + minute), nil
}

// parseDate parses a service date, tolerating the multi-token Japanese form
// with a parenthesized weekday ("2025 年 8 月 29 日(金)") as well as plain
// numeric forms ("2025-08-29", "2025/8/29").
func parseDate(s string) (time.Time, error) {
	cleaned := cleanText(s)
	if cleaned == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	// The weekday annotation is informational only.
	cleaned = weekday.ReplaceAllString(cleaned, "")

	m := jpDate.FindStringSubmatch(cleaned)
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized date format")
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("out of range")
	}

	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject impossible days like February 30 that time.Date silently rolls over.
	if date.Day() != day || date.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("no such calendar day")
	}
	return date, nil
}

// cleanText folds full-width characters to their half-width counterparts and
// collapses whitespace runs.
func cleanText(s string) string {
	narrowed := width.Narrow.String(s)
	return strings.Join(strings.Fields(narrowed), " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
