package oura

import (
	"context"
	"strings"
	"time"

	"github.com/i474232898/oura-data-aggregation/internal/logger"
)

// MetersPerMile converts vendor distances to miles.
const MetersPerMile = 1609.34

// heartRateWindow is how many trailing readings feed the snapshot
// average/min/max.
const heartRateWindow = 10

// Snapshot keys referenced outside the extraction table.
const (
	KeyRestModeActive = "rest_mode_active"
	KeyRestModeStart  = "rest_mode_start"
	KeyRestModeEnd    = "rest_mode_end"
)

// mindfulnessTypes are the session types counted as mindfulness.
var mindfulnessTypes = map[string]bool{
	"meditation": true,
	"breathing":  true,
	"rest":       true,
}

// Normalizer turns one pull into the flat snapshot of current values.
// It holds no state between calls.
type Normalizer struct {
	log logger.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(log logger.Logger) *Normalizer {
	if log == nil {
		log = logger.Nop()
	}
	return &Normalizer{log: log}
}

// Normalize builds the State for data as of now. now must already be in the
// configured local timezone; its calendar date is "today" for day filtering.
// The latest value of every source is the last element of its data list.
func (nz *Normalizer) Normalize(ctx context.Context, data PulledData, now time.Time) State {
	n := &normalizer{
		ctx:   ctx,
		now:   now,
		today: dateOf(now),
		out:   make(State),
		log:   nz.log,
	}
	for _, m := range SourceMappings {
		records := data.Records(m.Source)
		if fm, ok := m.Strategy.(FieldMapping); ok && len(records) > 0 {
			n.source = m.Source
			n.applyMapping(records[len(records)-1], fm)
		}
		if m.snapshot != nil {
			n.source = m.Source
			m.snapshot(n, records)
		}
	}
	return n.out
}

type normalizer struct {
	ctx    context.Context
	now    time.Time
	today  time.Time
	source Source
	out    State
	log    logger.Logger
}

func (n *normalizer) skip(msg string, err error) {
	n.log.Debug(n.ctx, msg, logger.String("source", string(n.source)), logger.Error(err))
}

func (n *normalizer) applyMapping(latest Record, fm FieldMapping) {
	for _, rule := range fm.Rules {
		if !rule.Scope.snapshot() {
			continue
		}
		raw, ok := latest.Lookup(rule.Path)
		if !ok {
			continue
		}
		v, err := applyTransform(raw, rule.Transform)
		if err != nil {
			n.skip("skipping field "+rule.Key, err)
			continue
		}
		switch v.(type) {
		case float64, string, bool, time.Time:
			n.out[rule.Key] = v
		}
	}
	for _, c := range fm.Computed {
		if !c.Scope.snapshot() {
			continue
		}
		if v, ok := c.Compute(latest); ok {
			n.out[c.Key] = v
		}
	}
}

func last(records []Record) (Record, bool) {
	if len(records) == 0 {
		return nil, false
	}
	return records[len(records)-1], true
}

func snapshotSleepDay(n *normalizer, records []Record) {
	latest, ok := last(records)
	if !ok {
		return
	}
	if day, ok := latest.Text("day"); ok {
		n.out["_data_date"] = day
	}
}

func snapshotLowBattery(n *normalizer, records []Record) {
	latest, ok := last(records)
	if !ok {
		return
	}
	alert := false
	if v, ok := latest.Lookup("low_battery_alert"); ok {
		if b, ok := v.(bool); ok {
			alert = b
		}
	}
	n.out["low_battery_alert"] = alert
}

func snapshotHeartRate(n *normalizer, records []Record) {
	latest, ok := last(records)
	if !ok {
		return
	}
	if bpm, ok := latest.Number("bpm"); ok {
		n.out["current_heart_rate"] = bpm
	}
	if ts, ok := latest.Text("timestamp"); ok {
		n.out["heart_rate_timestamp"] = ts
	}

	recent := records
	if len(recent) > heartRateWindow {
		recent = recent[len(recent)-heartRateWindow:]
	}
	var stats runningStats
	for _, r := range recent {
		if bpm, ok := r.Number("bpm"); ok {
			stats.add(bpm)
		}
	}
	if stats.count == 0 {
		return
	}
	n.out["average_heart_rate"] = stats.mean()
	n.out["min_heart_rate"] = stats.min
	n.out["max_heart_rate"] = stats.max
}

// snapshotSleepTime converts the optimal bedtime window, given as
// midnight-relative offsets in the wearer's timezone, into UTC instants.
func snapshotSleepTime(n *normalizer, records []Record) {
	latest, ok := last(records)
	if !ok {
		return
	}
	start, end, err := optimalBedtime(latest)
	if err != nil {
		n.skip("skipping optimal bedtime", err)
		return
	}
	n.out["optimal_bedtime_start"] = start
	n.out["optimal_bedtime_end"] = end
}

func optimalBedtime(r Record) (time.Time, time.Time, error) {
	dayStr, ok := r.Text("day")
	if !ok {
		return time.Time{}, time.Time{}, errMissingField
	}
	day, err := time.Parse(dayLayout, dayStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	startOffset, ok := r.Number("optimal_bedtime.start_offset")
	if !ok {
		return time.Time{}, time.Time{}, errMissingField
	}
	endOffset, ok := r.Number("optimal_bedtime.end_offset")
	if !ok {
		return time.Time{}, time.Time{}, errMissingField
	}
	tz, _ := r.Number("optimal_bedtime.day_tz")

	at := func(offset float64) time.Time {
		return day.Add(time.Duration((offset - tz) * float64(time.Second))).UTC()
	}
	return at(startOffset), at(endOffset), nil
}

func snapshotWorkout(n *normalizer, records []Record) {
	latest, ok := last(records)
	if !ok {
		return
	}
	today := 0
	for _, w := range records {
		if sameDay(w, "day", n.today) {
			today++
		}
	}
	n.out["workouts_today"] = float64(today)

	if activity, ok := latest.Text("activity"); ok {
		n.out["last_workout_type"] = activity
	}
	if meters, ok := latest.Number("distance"); ok {
		n.out["last_workout_distance"] = round(meters/MetersPerMile, 2)
	}
	if kcal, ok := latest.Number("calories"); ok {
		n.out["last_workout_calories"] = kcal
	}
	if intensity, ok := latest.Text("intensity"); ok {
		n.out["last_workout_intensity"] = intensity
	}
	if d, err := latest.Span("start_datetime", "end_datetime"); err == nil {
		n.out["last_workout_duration"] = d.Minutes()
	} else {
		n.skip("skipping workout duration", err)
	}
	n.out["_last_workout_raw"] = latest
}

func snapshotSession(n *normalizer, records []Record) {
	if len(records) == 0 {
		return
	}
	count := 0
	var total time.Duration
	for _, s := range records {
		if !sameDay(s, "day", n.today) {
			continue
		}
		kind, _ := s.Text("type")
		if !mindfulnessTypes[kind] {
			continue
		}
		count++
		d, err := s.Span("start_datetime", "end_datetime")
		if err != nil {
			n.skip("skipping session duration", err)
			continue
		}
		total += d
	}
	n.out["mindfulness_sessions_today"] = float64(count)
	n.out["meditation_duration_today"] = total.Minutes()
}

func snapshotTag(n *normalizer, records []Record) {
	latest, ok := last(records)
	if !ok {
		return
	}
	seen := make(map[string]bool)
	unique := []string{}
	for _, r := range records {
		if !sameDay(r, "day", n.today) {
			continue
		}
		tags, _ := r.Lookup("tags")
		list, _ := tags.([]any)
		for _, t := range list {
			s, ok := t.(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			unique = append(unique, s)
		}
	}
	n.out["tags_today"] = strings.Join(unique, ", ")
	n.out["_tags_today_list"] = unique
	n.out["tag_count_today"] = float64(len(unique))
	n.out["_latest_tag_entry"] = latest
}

func snapshotEnhancedTag(n *normalizer, records []Record) {
	if len(records) == 0 {
		return
	}
	today := []Record{}
	for _, r := range records {
		if sameDay(r, "day", n.today) {
			today = append(today, r)
		}
	}
	n.out["_enhanced_tags_today"] = today
}

// snapshotRestMode always sets the active flag so a previous "true" cannot
// outlive the data that produced it. The first period bracketing now wins.
func snapshotRestMode(n *normalizer, records []Record) {
	n.out[KeyRestModeActive] = false
	for _, period := range records {
		start, err := period.Time("start_time")
		if err != nil {
			continue
		}
		end, err := period.Time("end_time")
		if err != nil {
			n.skip("skipping rest mode period", err)
			continue
		}
		if n.now.Before(start) || n.now.After(end) {
			continue
		}
		n.out[KeyRestModeActive] = true
		n.out[KeyRestModeStart] = start
		n.out[KeyRestModeEnd] = end
		n.out["_active_rest_mode_raw"] = period
		return
	}
}

type runningStats struct {
	count    int
	sum      float64
	min, max float64
}

func (s *runningStats) add(v float64) {
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.sum += v
	s.count++
}

func (s *runningStats) mean() float64 {
	return s.sum / float64(s.count)
}
