package oura

import "fmt"

// Units of measurement used by sensor metadata.
const (
	UnitHours      = "h"
	UnitMinutes    = "min"
	UnitSeconds    = "s"
	UnitCelsius    = "°C"
	UnitKilocalory = "kcal"
	UnitMiles      = "mi"
	UnitPercent    = "%"
	UnitBPM        = "bpm"
	UnitMillis     = "ms"
	UnitSteps      = "steps"
	UnitMETMinutes = "MET·min"
	UnitVO2        = "ml/kg/min"
	UnitYears      = "years"
)

// MeanType selects how a storage engine averages a series.
type MeanType int

const (
	MeanNone MeanType = iota
	MeanArithmetic
	MeanCircular
)

// MarshalText renders the mean type by name.
func (m MeanType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a name written by MarshalText.
func (m *MeanType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*m = MeanNone
	case "arithmetic":
		*m = MeanArithmetic
	case "circular":
		*m = MeanCircular
	default:
		return fmt.Errorf("unknown mean type %q", text)
	}
	return nil
}

func (m MeanType) String() string {
	switch m {
	case MeanArithmetic:
		return "arithmetic"
	case MeanCircular:
		return "circular"
	default:
		return "none"
	}
}

// SensorMetadata is the static description of one statistics series.
// HasMean and HasSum are mutually exclusive.
type SensorMetadata struct {
	Name    string
	Unit    string // empty when unitless
	HasMean bool
	HasSum  bool
}

// StatisticMetadata is what a statistics sink receives alongside points.
type StatisticMetadata struct {
	StatisticID string   `json:"statisticId"`
	SensorKey   string   `json:"sensorKey"`
	Name        string   `json:"name"`
	Unit        string   `json:"unit,omitempty"`
	UnitClass   string   `json:"unitClass,omitempty"`
	HasMean     bool     `json:"hasMean"`
	HasSum      bool     `json:"hasSum"`
	MeanType    MeanType `json:"meanType"`
}

// circularMeanSensors hold time-of-day values, where arithmetic averaging
// across midnight is wrong.
var circularMeanSensors = map[string]bool{
	"optimal_bedtime_start": true,
	"optimal_bedtime_end":   true,
}

// StatisticsMetadata declares every sensor key the historical aggregator may emit.
var StatisticsMetadata = map[string]SensorMetadata{
	"sleep_score":                 {Name: "Sleep Score", HasMean: true},
	"sleep_efficiency":            {Name: "Sleep Efficiency", Unit: UnitPercent, HasMean: true},
	"restfulness":                 {Name: "Restfulness", Unit: UnitPercent, HasMean: true},
	"sleep_timing":                {Name: "Sleep Timing", HasMean: true},
	"total_sleep_duration":        {Name: "Total Sleep Duration", Unit: UnitHours, HasMean: true},
	"deep_sleep_duration":         {Name: "Deep Sleep Duration", Unit: UnitHours, HasMean: true},
	"rem_sleep_duration":          {Name: "REM Sleep Duration", Unit: UnitHours, HasMean: true},
	"light_sleep_duration":        {Name: "Light Sleep Duration", Unit: UnitHours, HasMean: true},
	"awake_time":                  {Name: "Awake Time", Unit: UnitHours, HasMean: true},
	"sleep_latency":               {Name: "Sleep Latency", Unit: UnitMinutes, HasMean: true},
	"time_in_bed":                 {Name: "Time in Bed", Unit: UnitHours, HasMean: true},
	"bedtime_start":               {Name: "Bedtime Start"},
	"bedtime_end":                 {Name: "Bedtime End"},
	"deep_sleep_percentage":       {Name: "Deep Sleep Percentage", Unit: UnitPercent, HasMean: true},
	"rem_sleep_percentage":        {Name: "REM Sleep Percentage", Unit: UnitPercent, HasMean: true},
	"average_sleep_hrv":           {Name: "Average Sleep HRV", Unit: UnitMillis, HasMean: true},
	"lowest_sleep_heart_rate":     {Name: "Lowest Sleep Heart Rate", Unit: UnitBPM, HasMean: true},
	"average_sleep_heart_rate":    {Name: "Average Sleep Heart Rate", Unit: UnitBPM, HasMean: true},
	"readiness_score":             {Name: "Readiness Score", HasMean: true},
	"temperature_deviation":       {Name: "Temperature Deviation", Unit: UnitCelsius, HasMean: true},
	"resting_heart_rate":          {Name: "Resting Heart Rate Score", HasMean: true},
	"hrv_balance":                 {Name: "HRV Balance Score", HasMean: true},
	"sleep_regularity":            {Name: "Sleep Regularity Score", HasMean: true},
	"activity_score":              {Name: "Activity Score", HasMean: true},
	"steps":                       {Name: "Steps", Unit: UnitSteps, HasSum: true},
	"active_calories":             {Name: "Active Calories", Unit: UnitKilocalory, HasSum: true},
	"total_calories":              {Name: "Total Calories", Unit: UnitKilocalory, HasSum: true},
	"target_calories":             {Name: "Target Calories", Unit: UnitKilocalory, HasMean: true},
	"met_min_high":                {Name: "High Activity MET Minutes", Unit: UnitMETMinutes, HasSum: true},
	"met_min_medium":              {Name: "Medium Activity MET Minutes", Unit: UnitMETMinutes, HasSum: true},
	"met_min_low":                 {Name: "Low Activity MET Minutes", Unit: UnitMETMinutes, HasSum: true},
	"average_heart_rate":          {Name: "Average Heart Rate", Unit: UnitBPM, HasMean: true},
	"min_heart_rate":              {Name: "Minimum Heart Rate", Unit: UnitBPM, HasMean: true},
	"max_heart_rate":              {Name: "Maximum Heart Rate", Unit: UnitBPM, HasMean: true},
	"stress_high_duration":        {Name: "Stress High Duration", Unit: UnitMinutes, HasMean: true},
	"recovery_high_duration":      {Name: "Recovery High Duration", Unit: UnitMinutes, HasMean: true},
	"stress_day_summary":          {Name: "Stress Day Summary"},
	"resilience_level":            {Name: "Resilience Level"},
	"sleep_recovery_score":        {Name: "Sleep Recovery Score", HasMean: true},
	"daytime_recovery_score":      {Name: "Daytime Recovery Score", HasMean: true},
	"stress_resilience_score":     {Name: "Stress Resilience Score", HasMean: true},
	"spo2_average":                {Name: "SpO2 Average", Unit: UnitPercent, HasMean: true},
	"breathing_disturbance_index": {Name: "Breathing Disturbance Index", HasMean: true},
	"vo2_max":                     {Name: "VO2 Max", Unit: UnitVO2, HasMean: true},
	"cardiovascular_age":          {Name: "Cardiovascular Age", Unit: UnitYears, HasMean: true},
	"optimal_bedtime_start":       {Name: "Optimal Bedtime Start", Unit: UnitHours, HasMean: true},
	"optimal_bedtime_end":         {Name: "Optimal Bedtime End", Unit: UnitHours, HasMean: true},

	// Day totals, separate from the last_workout_* snapshot values.
	"daily_workouts":             {Name: "Daily Workouts", HasSum: true},
	"daily_workout_distance":     {Name: "Daily Workout Distance", Unit: UnitMiles, HasSum: true},
	"daily_workout_calories":     {Name: "Daily Workout Calories", Unit: UnitKilocalory, HasSum: true},
	"daily_workout_duration":     {Name: "Daily Workout Duration", Unit: UnitMinutes, HasSum: true},
	"daily_mindfulness_sessions": {Name: "Daily Mindfulness Sessions", HasSum: true},
	"daily_meditation_duration":  {Name: "Daily Meditation Duration", Unit: UnitMinutes, HasSum: true},
	"daily_tag_count":            {Name: "Daily Tag Count", HasSum: true},
	"daily_rest_mode_duration":   {Name: "Daily Rest Mode Duration", Unit: UnitHours, HasSum: true},
	"daily_rest_mode_count":      {Name: "Daily Rest Mode Periods", HasSum: true},
}

// MeanTypeFor derives the mean type from the metadata table and the fixed
// list of time-of-day sensors.
func MeanTypeFor(key string, meta SensorMetadata) MeanType {
	switch {
	case !meta.HasMean:
		return MeanNone
	case circularMeanSensors[key]:
		return MeanCircular
	default:
		return MeanArithmetic
	}
}

// UnitClass maps a unit to the storage engine's unit class, empty when the
// unit has no standard class.
func UnitClass(unit string) string {
	switch unit {
	case UnitHours, UnitMinutes, UnitSeconds:
		return "duration"
	case UnitCelsius:
		return "temperature"
	case UnitKilocalory:
		return "energy"
	case UnitMiles, "km", "m":
		return "distance"
	default:
		return ""
	}
}

// Describe builds the sink metadata for a sensor key.
func Describe(key, statisticID string) (StatisticMetadata, error) {
	meta, ok := StatisticsMetadata[key]
	if !ok {
		return StatisticMetadata{}, fmt.Errorf("%w: %s", ErrUnknownSensor, key)
	}
	return StatisticMetadata{
		StatisticID: statisticID,
		SensorKey:   key,
		Name:        meta.Name,
		Unit:        meta.Unit,
		UnitClass:   UnitClass(meta.Unit),
		HasMean:     meta.HasMean,
		HasSum:      meta.HasSum,
		MeanType:    MeanTypeFor(key, meta),
	}, nil
}
