package oura

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/i474232898/oura-data-aggregation/internal/logger"
)

// DefaultStatisticIDPrefix prefixes sensor keys to form statistic ids.
const DefaultStatisticIDPrefix = "sensor.oura_ring_"

// StatisticsSink durably records one named, unit-tagged daily series.
type StatisticsSink interface {
	ImportSeries(ctx context.Context, meta StatisticMetadata, points []DailyPoint) error
}

// Aggregator turns a historical pull into per-day statistics series.
type Aggregator struct {
	sink        StatisticsSink
	statisticID func(sensorKey string) string
	observe     func(src Source, points int)
	log         logger.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithStatisticID overrides how sensor keys map to statistic ids.
func WithStatisticID(fn func(sensorKey string) string) AggregatorOption {
	return func(a *Aggregator) { a.statisticID = fn }
}

// WithImportObserver is called after each source with the number of points
// it imported.
func WithImportObserver(fn func(src Source, points int)) AggregatorOption {
	return func(a *Aggregator) { a.observe = fn }
}

// NewAggregator creates an Aggregator that writes to sink.
func NewAggregator(sink StatisticsSink, log logger.Logger, opts ...AggregatorOption) *Aggregator {
	if log == nil {
		log = logger.Nop()
	}
	a := &Aggregator{
		sink:        sink,
		statisticID: func(key string) string { return DefaultStatisticIDPrefix + key },
		observe:     func(Source, int) {},
		log:         log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// aggregate computes every series without emitting anything. Sources whose
// processing fails are logged and left out.
func (a *Aggregator) aggregate(ctx context.Context, data PulledData) Series {
	all := make(Series)
	for _, m := range SourceMappings {
		records := data.Records(m.Source)
		if len(records) == 0 {
			continue
		}
		series, err := a.aggregateSource(ctx, m, records)
		if err != nil {
			a.log.Error(ctx, "aggregating source failed", logger.String("source", string(m.Source)), logger.Error(err))
			continue
		}
		for key, points := range series {
			all[key] = append(all[key], points...)
		}
	}
	return all
}

// Import aggregates data and emits each non-empty series to the sink once.
// Every source is processed in isolation: a failure in one is logged and
// returned (joined with the others) after the remaining sources have been
// attempted. It returns the number of points the sink accepted. A non-nil
// error means the import is incomplete and should be retried as a whole.
func (a *Aggregator) Import(ctx context.Context, data PulledData) (int, error) {
	a.log.Info(ctx, "starting statistics import")

	var (
		total int
		errs  []error
	)
	for _, m := range SourceMappings {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		records := data.Records(m.Source)
		if len(records) == 0 {
			continue
		}
		n, err := a.importSource(ctx, m, records)
		total += n
		a.observe(m.Source, n)
		if err != nil {
			a.log.Error(ctx, "statistics import failed for source",
				logger.String("source", string(m.Source)), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", m.Source, err))
			continue
		}
		a.log.Debug(ctx, "imported statistics", logger.String("source", string(m.Source)), logger.Int("points", n))
	}

	if err := errors.Join(errs...); err != nil {
		return total, err
	}
	a.log.Info(ctx, "statistics import finished", logger.Int("points", total))
	return total, nil
}

func (a *Aggregator) importSource(ctx context.Context, m SourceMapping, records []Record) (int, error) {
	series, err := a.aggregateSource(ctx, m, records)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	imported := 0
	for _, key := range keys {
		points := series[key]
		if len(points) == 0 {
			continue
		}
		meta, err := Describe(key, a.statisticID(key))
		if err != nil {
			return imported, err
		}
		if err := a.sink.ImportSeries(ctx, meta, points); err != nil {
			return imported, fmt.Errorf("import %s: %w", key, err)
		}
		imported += len(points)
	}
	return imported, nil
}

// aggregateSource dispatches on the source's strategy. A panic inside a
// custom aggregator is turned into an error for that source only.
func (a *Aggregator) aggregateSource(ctx context.Context, m SourceMapping, records []Record) (series Series, err error) {
	defer func() {
		if r := recover(); r != nil {
			series, err = nil, fmt.Errorf("aggregator panic: %v", r)
		}
	}()

	warn := func(msg string, err error) {
		a.log.Warn(ctx, msg, logger.String("source", string(m.Source)), logger.Error(err))
	}

	switch s := m.Strategy.(type) {
	case FieldMapping:
		series = a.mapFields(ctx, m.Source, s, records, warn)
	case DayAggregator:
		series = s.Aggregate(records, warn)
	default:
		return nil, fmt.Errorf("source %s: unsupported strategy %T", m.Source, m.Strategy)
	}
	for _, points := range series {
		sort.SliceStable(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })
	}
	return series, nil
}

// mapFields emits one point per day and sensor key. Daily sources carry one
// record per day; sleep_detail may carry naps and rests next to the main
// sleep, see onePerDay.
func (a *Aggregator) mapFields(ctx context.Context, src Source, fm FieldMapping, records []Record, warn func(string, error)) Series {
	out := make(Series)
	for _, r := range onePerDay(records) {
		dayStr, ok := r.Text("day")
		if !ok {
			continue
		}
		day, err := ParseDay(dayStr)
		if err != nil {
			warn("skipping record with unparseable day", err)
			continue
		}

		for _, rule := range fm.Rules {
			if !rule.Scope.history() {
				continue
			}
			raw, ok := r.Lookup(rule.Path)
			if !ok {
				continue
			}
			v, err := applyTransform(raw, rule.Transform)
			if err != nil {
				a.log.Debug(ctx, "skipping field", logger.String("source", string(src)),
					logger.String("sensor", rule.Key), logger.Error(err))
				continue
			}
			f, ok := statisticValue(v)
			if !ok {
				continue
			}
			out.add(rule.Key, day, f)
		}
		for _, c := range fm.Computed {
			if !c.Scope.history() {
				continue
			}
			if f, ok := c.Compute(r); ok {
				out.add(c.Key, day, f)
			}
		}
	}
	return out
}

// onePerDay keeps a single record per day string, in first-seen order. A
// long_sleep record wins over other periods of the same day; otherwise the
// last record does.
func onePerDay(records []Record) []Record {
	index := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		day, ok := r.Text("day")
		if !ok {
			continue
		}
		i, seen := index[day]
		if !seen {
			index[day] = len(out)
			out = append(out, r)
			continue
		}
		if isLongSleep(out[i]) && !isLongSleep(r) {
			continue
		}
		out[i] = r
	}
	return out
}

func isLongSleep(r Record) bool {
	t, _ := r.Text("type")
	return t == "long_sleep"
}

// statisticValue reduces an extracted value to a number. Timestamps become
// Unix seconds; categorical strings and booleans have no numeric series.
func statisticValue(v any) (float64, bool) {
	switch t := v.(type) {
	case time.Time:
		return float64(t.Unix()), true
	default:
		return toFloat(v)
	}
}
