package oura

import (
	"fmt"
	"math"
)

// Transform converts an extracted field value.
type Transform int

const (
	TransformNone Transform = iota
	TransformSecondsToHours
	TransformSecondsToMinutes
	// TransformPercentage turns a 0..1 ratio into a percentage rounded to
	// one decimal.
	TransformPercentage
	// TransformISOTime parses an ISO-8601 string into a time.Time.
	TransformISOTime
)

// Scope limits a rule to one of the two pipeline components.
type Scope uint8

const (
	ScopeBoth Scope = iota
	ScopeSnapshot
	ScopeHistory
)

func (s Scope) snapshot() bool { return s != ScopeHistory }
func (s Scope) history() bool  { return s != ScopeSnapshot }

// Rule extracts one sensor value from a dot-separated path.
type Rule struct {
	Key       string
	Path      string
	Transform Transform
	Scope     Scope
}

// ComputedField derives a value from other fields of the same record.
type ComputedField struct {
	Key     string
	Compute func(Record) (float64, bool)
	Scope   Scope
}

// Strategy is either a FieldMapping or a DayAggregator.
type Strategy interface {
	strategy()
}

// FieldMapping is evaluated record by record, one point per record.
type FieldMapping struct {
	Rules    []Rule
	Computed []ComputedField
}

// DayAggregator groups records by day before emitting points.
// Keys lists every sensor key Aggregate may produce.
type DayAggregator struct {
	Keys      []string
	Aggregate func(records []Record, warn func(msg string, err error)) Series
}

func (FieldMapping) strategy()  {}
func (DayAggregator) strategy() {}

// Series maps sensor keys to their day-ordered points.
type Series map[string][]DailyPoint

// SourceMapping binds a vendor source to its extraction strategy and, when
// the snapshot needs more than the snapshot-scoped rules, a custom
// snapshot extractor.
type SourceMapping struct {
	Source   Source
	Strategy Strategy
	snapshot func(n *normalizer, records []Record)
}

// SourceMappings is the single table describing what every vendor field means.
var SourceMappings = []SourceMapping{
	{
		Source: SourceSleep,
		Strategy: FieldMapping{Rules: []Rule{
			{Key: "sleep_score", Path: "score"},
			{Key: "sleep_efficiency", Path: "contributors.efficiency", Scope: ScopeSnapshot},
			{Key: "restfulness", Path: "contributors.restfulness"},
			{Key: "sleep_timing", Path: "contributors.timing"},
		}},
		snapshot: snapshotSleepDay,
	},
	{
		Source: SourceSleepDetail,
		Strategy: FieldMapping{
			Rules: []Rule{
				{Key: "sleep_efficiency", Path: "efficiency", Scope: ScopeHistory},
				{Key: "total_sleep_duration", Path: "total_sleep_duration", Transform: TransformSecondsToHours},
				{Key: "deep_sleep_duration", Path: "deep_sleep_duration", Transform: TransformSecondsToHours},
				{Key: "rem_sleep_duration", Path: "rem_sleep_duration", Transform: TransformSecondsToHours},
				{Key: "light_sleep_duration", Path: "light_sleep_duration", Transform: TransformSecondsToHours},
				{Key: "awake_time", Path: "awake_time", Transform: TransformSecondsToHours},
				{Key: "sleep_latency", Path: "latency", Transform: TransformSecondsToMinutes},
				{Key: "time_in_bed", Path: "time_in_bed", Transform: TransformSecondsToHours},
				{Key: "average_sleep_hrv", Path: "average_hrv"},
				{Key: "lowest_sleep_heart_rate", Path: "lowest_heart_rate"},
				{Key: "average_sleep_heart_rate", Path: "average_heart_rate"},
				{Key: "bedtime_start", Path: "bedtime_start", Transform: TransformISOTime},
				{Key: "bedtime_end", Path: "bedtime_end", Transform: TransformISOTime},
			},
			Computed: []ComputedField{
				{Key: "deep_sleep_percentage", Compute: stageShare("deep_sleep_duration")},
				{Key: "rem_sleep_percentage", Compute: stageShare("rem_sleep_duration")},
			},
		},
		snapshot: snapshotLowBattery,
	},
	{
		Source: SourceReadiness,
		Strategy: FieldMapping{Rules: []Rule{
			{Key: "readiness_score", Path: "score"},
			{Key: "temperature_deviation", Path: "temperature_deviation"},
			{Key: "resting_heart_rate", Path: "contributors.resting_heart_rate"},
			{Key: "hrv_balance", Path: "contributors.hrv_balance"},
			{Key: "sleep_regularity", Path: "contributors.sleep_regularity"},
		}},
	},
	{
		Source: SourceActivity,
		Strategy: FieldMapping{Rules: []Rule{
			{Key: "activity_score", Path: "score"},
			{Key: "steps", Path: "steps"},
			{Key: "active_calories", Path: "active_calories"},
			{Key: "total_calories", Path: "total_calories"},
			{Key: "target_calories", Path: "target_calories"},
			{Key: "met_min_high", Path: "high_activity_met_minutes"},
			{Key: "met_min_medium", Path: "medium_activity_met_minutes"},
			{Key: "met_min_low", Path: "low_activity_met_minutes"},
		}},
	},
	{
		Source: SourceHeartRate,
		Strategy: DayAggregator{
			Keys:      []string{"average_heart_rate", "min_heart_rate", "max_heart_rate"},
			Aggregate: aggregateHeartRate,
		},
		snapshot: snapshotHeartRate,
	},
	{
		Source: SourceStress,
		Strategy: FieldMapping{Rules: []Rule{
			{Key: "stress_high_duration", Path: "stress_high", Transform: TransformSecondsToMinutes},
			{Key: "recovery_high_duration", Path: "recovery_high", Transform: TransformSecondsToMinutes},
			{Key: "stress_day_summary", Path: "day_summary"},
		}},
	},
	{
		Source: SourceResilience,
		Strategy: FieldMapping{Rules: []Rule{
			{Key: "resilience_level", Path: "level"},
			{Key: "sleep_recovery_score", Path: "contributors.sleep_recovery"},
			{Key: "daytime_recovery_score", Path: "contributors.daytime_recovery"},
			{Key: "stress_resilience_score", Path: "contributors.stress"},
		}},
	},
	{
		Source: SourceSpO2,
		Strategy: FieldMapping{Rules: []Rule{
			{Key: "spo2_average", Path: "spo2_percentage.average"},
			{Key: "breathing_disturbance_index", Path: "breathing_disturbance_index"},
		}},
	},
	{
		Source:   SourceVO2Max,
		Strategy: FieldMapping{Rules: []Rule{{Key: "vo2_max", Path: "vo2_max"}}},
	},
	{
		Source:   SourceCardiovascularAge,
		Strategy: FieldMapping{Rules: []Rule{{Key: "cardiovascular_age", Path: "vascular_age"}}},
	},
	{
		Source: SourceSleepTime,
		Strategy: FieldMapping{Computed: []ComputedField{
			{Key: "optimal_bedtime_start", Compute: bedtimeHourOfDay("optimal_bedtime.start_offset"), Scope: ScopeHistory},
			{Key: "optimal_bedtime_end", Compute: bedtimeHourOfDay("optimal_bedtime.end_offset"), Scope: ScopeHistory},
		}},
		snapshot: snapshotSleepTime,
	},
	{
		Source: SourceWorkout,
		Strategy: DayAggregator{
			Keys:      []string{"daily_workouts", "daily_workout_distance", "daily_workout_calories", "daily_workout_duration"},
			Aggregate: aggregateWorkouts,
		},
		snapshot: snapshotWorkout,
	},
	{
		Source: SourceSession,
		Strategy: DayAggregator{
			Keys:      []string{"daily_mindfulness_sessions", "daily_meditation_duration"},
			Aggregate: aggregateSessions,
		},
		snapshot: snapshotSession,
	},
	{
		// The basic tag endpoint carries too little for day statistics;
		// enhanced_tag covers them.
		Source:   SourceTag,
		Strategy: DayAggregator{Aggregate: func([]Record, func(string, error)) Series { return nil }},
		snapshot: snapshotTag,
	},
	{
		Source: SourceEnhancedTag,
		Strategy: DayAggregator{
			Keys:      []string{"daily_tag_count"},
			Aggregate: aggregateEnhancedTags,
		},
		snapshot: snapshotEnhancedTag,
	},
	{
		Source: SourceRestMode,
		Strategy: DayAggregator{
			Keys:      []string{"daily_rest_mode_count", "daily_rest_mode_duration"},
			Aggregate: aggregateRestMode,
		},
		snapshot: snapshotRestMode,
	},
}

// EmittableKeys returns every sensor key the historical aggregator can emit.
func EmittableKeys() []string {
	var keys []string
	for _, m := range SourceMappings {
		switch s := m.Strategy.(type) {
		case FieldMapping:
			for _, r := range s.Rules {
				if r.Scope.history() {
					keys = append(keys, r.Key)
				}
			}
			for _, c := range s.Computed {
				if c.Scope.history() {
					keys = append(keys, c.Key)
				}
			}
		case DayAggregator:
			keys = append(keys, s.Keys...)
		}
	}
	return keys
}

// ValidateMappings checks that the source table covers every source exactly
// once and that every emittable key has statistics metadata.
func ValidateMappings() error {
	seen := make(map[Source]bool, len(SourceMappings))
	for _, m := range SourceMappings {
		if seen[m.Source] {
			return fmt.Errorf("source %s mapped twice", m.Source)
		}
		seen[m.Source] = true
		if m.Strategy == nil {
			return fmt.Errorf("source %s has no strategy", m.Source)
		}
	}
	for _, src := range Sources {
		if !seen[src] {
			return fmt.Errorf("source %s has no mapping", src)
		}
	}
	for _, key := range EmittableKeys() {
		meta, ok := StatisticsMetadata[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSensor, key)
		}
		if meta.HasMean && meta.HasSum {
			return fmt.Errorf("sensor %s declares both mean and sum", key)
		}
	}
	return nil
}

func applyTransform(v any, t Transform) (any, error) {
	switch t {
	case TransformNone:
		return v, nil
	case TransformSecondsToHours, TransformSecondsToMinutes, TransformPercentage:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		switch t {
		case TransformSecondsToHours:
			return f / 3600, nil
		case TransformSecondsToMinutes:
			return f / 60, nil
		default:
			return round(f*100, 1), nil
		}
	case TransformISOTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected timestamp string, got %T", v)
		}
		return ParseTimestamp(s)
	default:
		return nil, fmt.Errorf("unknown transform %d", t)
	}
}

// stageShare computes a sleep stage as a percentage of total sleep.
func stageShare(stageField string) func(Record) (float64, bool) {
	return func(r Record) (float64, bool) {
		stage, ok := r.Number(stageField)
		if !ok {
			return 0, false
		}
		total, ok := r.Number("total_sleep_duration")
		if !ok || total <= 0 {
			return 0, false
		}
		return round(stage/total*100, 1), true
	}
}

// bedtimeHourOfDay turns a midnight-relative offset in seconds into a local
// hour of day in [0, 24).
func bedtimeHourOfDay(path string) func(Record) (float64, bool) {
	return func(r Record) (float64, bool) {
		offset, ok := r.Number(path)
		if !ok {
			return 0, false
		}
		h := math.Mod(offset/3600, 24)
		if h < 0 {
			h += 24
		}
		return h, true
	}
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
