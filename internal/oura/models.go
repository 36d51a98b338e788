package oura

import (
	"strings"
	"time"
)

// Source identifies one vendor endpoint.
type Source string

const (
	SourceSleep             Source = "sleep"
	SourceReadiness         Source = "readiness"
	SourceActivity          Source = "activity"
	SourceHeartRate         Source = "heartrate"
	SourceSleepDetail       Source = "sleep_detail"
	SourceStress            Source = "stress"
	SourceResilience        Source = "resilience"
	SourceSpO2              Source = "spo2"
	SourceVO2Max            Source = "vo2_max"
	SourceCardiovascularAge Source = "cardiovascular_age"
	SourceSleepTime         Source = "sleep_time"
	SourceWorkout           Source = "workout"
	SourceSession           Source = "session"
	SourceTag               Source = "tag"
	SourceEnhancedTag       Source = "enhanced_tag"
	SourceRestMode          Source = "rest_mode"
)

// Sources lists every vendor source in fetch order.
var Sources = []Source{
	SourceSleep,
	SourceReadiness,
	SourceActivity,
	SourceHeartRate,
	SourceSleepDetail,
	SourceStress,
	SourceResilience,
	SourceSpO2,
	SourceVO2Max,
	SourceCardiovascularAge,
	SourceSleepTime,
	SourceWorkout,
	SourceSession,
	SourceTag,
	SourceEnhancedTag,
	SourceRestMode,
}

// Record is one untyped vendor record. Values follow encoding/json's
// decoding into interface{}: float64, string, bool, nil, []any and map[string]any.
type Record map[string]any

// Document is the body of one endpoint response.
type Document struct {
	Data []Record `json:"data"`
}

// PulledData maps each source to its document for one date window.
// A failed or unsupported endpoint maps to an empty document.
type PulledData map[Source]Document

// Records returns the data list for a source, nil when absent.
func (p PulledData) Records(src Source) []Record {
	if p == nil {
		return nil
	}
	return p[src].Data
}

// State is the flat snapshot of current sensor values.
// Values are float64, string, bool, time.Time, or, for keys starting with
// RawPrefix, raw payloads kept for attribute display.
type State map[string]any

// RawPrefix marks keys holding raw payloads rather than display values.
const RawPrefix = "_"

// IsRawKey reports whether key holds a raw attribute payload.
func IsRawKey(key string) bool {
	return strings.HasPrefix(key, RawPrefix)
}

// HasReadings reports whether the state carries anything beyond the values
// that are always emitted as defaults.
func (s State) HasReadings() bool {
	for k := range s {
		if k == KeyRestModeActive {
			continue
		}
		return true
	}
	return false
}

// Snapshot is a State captured at a point in time.
type Snapshot struct {
	FetchedAt time.Time `json:"fetchedAt"` // always UTC
	State     State     `json:"state"`
}

// DailyPoint is one aggregated value for a sensor on a calendar day.
type DailyPoint struct {
	SensorKey string    `json:"sensorKey"`
	Day       string    `json:"day"`   // YYYY-MM-DD
	Start     time.Time `json:"start"` // 12:00:00 UTC on Day
	Value     float64   `json:"value"`
}

// Window is a date range with an exclusive end, as the vendor API expects.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowEndingToday returns [today-daysBack, today+1) for the calendar
// date of now in its own location.
func WindowEndingToday(now time.Time, daysBack int) Window {
	today := dateOf(now)
	return Window{
		Start: today.AddDate(0, 0, -daysBack),
		End:   today.AddDate(0, 0, 1),
	}
}

// Days returns the number of calendar days covered by the window.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24 + 0.5)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
