package oura

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// dayBuckets groups per-day accumulators keyed by normalized YYYY-MM-DD,
// so differently formatted strings for one date share a bucket.
type dayBuckets[T any] struct {
	byDay map[string]*T
}

func newDayBuckets[T any]() *dayBuckets[T] {
	return &dayBuckets[T]{byDay: make(map[string]*T)}
}

// get returns the bucket for dayStr, or false when the day cannot be parsed.
func (b *dayBuckets[T]) get(dayStr string, warn func(string, error)) (*T, bool) {
	day, err := ParseDay(dayStr)
	if err != nil {
		warn("skipping record with unparseable day", err)
		return nil, false
	}
	key := day.Format(dayLayout)
	bucket, ok := b.byDay[key]
	if !ok {
		bucket = new(T)
		b.byDay[key] = bucket
	}
	return bucket, true
}

// each visits buckets in day order.
func (b *dayBuckets[T]) each(fn func(day time.Time, bucket *T)) {
	keys := make([]string, 0, len(b.byDay))
	for k := range b.byDay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		day, _ := time.Parse(dayLayout, k)
		fn(day, b.byDay[k])
	}
}

func (s Series) add(key string, day time.Time, value float64) {
	s[key] = append(s[key], DailyPoint{
		SensorKey: key,
		Day:       day.Format(dayLayout),
		Start:     NoonUTC(day),
		Value:     value,
	})
}

// aggregateHeartRate buckets readings by the date part of their timestamp.
func aggregateHeartRate(records []Record, warn func(string, error)) Series {
	buckets := newDayBuckets[runningStats]()
	for _, r := range records {
		bpm, ok := r.Number("bpm")
		if !ok {
			continue
		}
		ts, ok := r.Text("timestamp")
		if !ok {
			continue
		}
		datePart, _, _ := strings.Cut(ts, "T")
		stats, ok := buckets.get(datePart, warn)
		if !ok {
			continue
		}
		stats.add(bpm)
	}

	out := make(Series)
	buckets.each(func(day time.Time, stats *runningStats) {
		if stats.count == 0 {
			return
		}
		out.add("average_heart_rate", day, stats.mean())
		out.add("min_heart_rate", day, stats.min)
		out.add("max_heart_rate", day, stats.max)
	})
	return out
}

type workoutDay struct {
	count    int
	meters   float64
	calories float64
	duration time.Duration
}

func aggregateWorkouts(records []Record, warn func(string, error)) Series {
	buckets := newDayBuckets[workoutDay]()
	for _, w := range records {
		dayStr, ok := w.Text("day")
		if !ok {
			continue
		}
		d, ok := buckets.get(dayStr, warn)
		if !ok {
			continue
		}
		d.count++
		if m, ok := w.Number("distance"); ok {
			d.meters += m
		}
		if kcal, ok := w.Number("calories"); ok {
			d.calories += kcal
		}
		if span, err := w.Span("start_datetime", "end_datetime"); err == nil {
			d.duration += span
		}
	}

	out := make(Series)
	buckets.each(func(day time.Time, d *workoutDay) {
		out.add("daily_workouts", day, float64(d.count))
		if d.meters > 0 {
			out.add("daily_workout_distance", day, round(d.meters/MetersPerMile, 2))
		}
		if d.calories > 0 {
			out.add("daily_workout_calories", day, d.calories)
		}
		if d.duration > 0 {
			out.add("daily_workout_duration", day, d.duration.Minutes())
		}
	})
	return out
}

type sessionDay struct {
	count    int
	duration time.Duration
}

// aggregateSessions counts mindfulness sessions per day. A day whose
// sessions are all of other types still emits a zero count.
func aggregateSessions(records []Record, warn func(string, error)) Series {
	buckets := newDayBuckets[sessionDay]()
	for _, s := range records {
		dayStr, ok := s.Text("day")
		if !ok {
			continue
		}
		d, ok := buckets.get(dayStr, warn)
		if !ok {
			continue
		}
		kind, _ := s.Text("type")
		if !mindfulnessTypes[kind] {
			continue
		}
		d.count++
		if span, err := s.Span("start_datetime", "end_datetime"); err == nil {
			d.duration += span
		}
	}

	out := make(Series)
	buckets.each(func(day time.Time, d *sessionDay) {
		out.add("daily_mindfulness_sessions", day, float64(d.count))
		if d.duration > 0 {
			out.add("daily_meditation_duration", day, d.duration.Minutes())
		}
	})
	return out
}

func aggregateEnhancedTags(records []Record, warn func(string, error)) Series {
	buckets := newDayBuckets[int]()
	for _, t := range records {
		dayStr, ok := t.Text("day")
		if !ok {
			continue
		}
		if n, ok := buckets.get(dayStr, warn); ok {
			*n++
		}
	}

	out := make(Series)
	buckets.each(func(day time.Time, n *int) {
		out.add("daily_tag_count", day, float64(*n))
	})
	return out
}

type restModeDay struct {
	count    int
	duration time.Duration
}

// aggregateRestMode attributes each period wholly to its start day; periods
// spanning several days are not split.
func aggregateRestMode(records []Record, warn func(string, error)) Series {
	buckets := newDayBuckets[restModeDay]()
	for _, p := range records {
		startDay, ok := p.Text("start_day")
		if !ok {
			continue
		}
		if _, ok := p.Text("end_day"); !ok {
			continue
		}
		span, err := p.Span("start_time", "end_time")
		if err != nil {
			warn("skipping rest mode period", fmt.Errorf("%s: %w", startDay, err))
			continue
		}
		d, ok := buckets.get(startDay, warn)
		if !ok {
			continue
		}
		d.count++
		d.duration += span
	}

	out := make(Series)
	buckets.each(func(day time.Time, d *restModeDay) {
		out.add("daily_rest_mode_count", day, float64(d.count))
		if d.duration > 0 {
			out.add("daily_rest_mode_duration", day, d.duration.Hours())
		}
	})
	return out
}
