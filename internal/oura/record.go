package oura

import (
	"fmt"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
}

// Lookup walks a dot-separated path through nested mappings. A path that
// crosses a non-mapping value, or ends on a missing or null value, is absent.
func (r Record) Lookup(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[key]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Number returns the numeric value at path. Zero is a present value.
func (r Record) Number(path string) (float64, bool) {
	v, ok := r.Lookup(path)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Text returns the non-empty string at path.
func (r Record) Text(path string) (string, bool) {
	v, ok := r.Lookup(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Time parses the ISO-8601 timestamp at path.
func (r Record) Time(path string) (time.Time, error) {
	s, ok := r.Text(path)
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", path, errMissingField)
	}
	return ParseTimestamp(s)
}

// Span returns the duration between two timestamp fields.
func (r Record) Span(startPath, endPath string) (time.Duration, error) {
	start, err := r.Time(startPath)
	if err != nil {
		return 0, err
	}
	end, err := r.Time(endPath)
	if err != nil {
		return 0, err
	}
	return end.Sub(start), nil
}

// ParseTimestamp parses an ISO-8601 timestamp with a Z suffix, an explicit
// offset, or no zone (read as UTC).
func ParseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, firstErr)
}

// ParseDay parses the YYYY-MM-DD component of a day or timestamp string
// into midnight UTC of that date.
func ParseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errMissingField
	}
	datePart, _, _ := strings.Cut(s, "T")
	d, err := time.Parse(dayLayout, datePart)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return d, nil
}

// NoonUTC fixes a calendar date at 12:00:00 UTC.
func NoonUTC(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

// sameDay reports whether the record's day field falls on today.
func sameDay(r Record, field string, today time.Time) bool {
	s, ok := r.Text(field)
	if !ok {
		return false
	}
	d, err := ParseDay(s)
	if err != nil {
		return false
	}
	return d.Equal(today)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
