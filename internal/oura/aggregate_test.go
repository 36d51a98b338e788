package oura

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"
)

type recordingSink struct {
	calls  []StatisticMetadata
	points map[string][]DailyPoint
	failOn string
}

func (s *recordingSink) ImportSeries(_ context.Context, meta StatisticMetadata, points []DailyPoint) error {
	if meta.SensorKey == s.failOn {
		return errors.New("database is locked")
	}
	if s.points == nil {
		s.points = make(map[string][]DailyPoint)
	}
	s.calls = append(s.calls, meta)
	s.points[meta.SensorKey] = append(s.points[meta.SensorKey], points...)
	return nil
}

func TestAggregator(t *testing.T) {
	convey.Convey("Given an aggregator writing to a recording sink", t, func() {
		ctx := context.Background()
		sink := &recordingSink{}
		agg := NewAggregator(sink, nil)

		convey.Convey("The source table is consistent with the metadata table", func() {
			convey.So(ValidateMappings(), convey.ShouldBeNil)
			for _, key := range EmittableKeys() {
				convey.So(StatisticsMetadata, convey.ShouldContainKey, key)
			}
		})

		convey.Convey("Several workouts on one day collapse to one point per metric", func() {
			data := pull(t, map[Source]string{SourceWorkout: `{"data":[
				{"day":"2023-10-25","distance":1609.34,"calories":100,
				 "start_datetime":"2023-10-25T07:00:00Z","end_datetime":"2023-10-25T07:30:00Z"},
				{"day":"2023-10-25","distance":1609.34,"calories":200,
				 "start_datetime":"2023-10-25T12:00:00Z","end_datetime":"2023-10-25T12:20:00Z"},
				{"day":"2023-10-25T00:00:00","distance":0,"calories":0,
				 "start_datetime":"2023-10-25T18:00:00Z","end_datetime":"2023-10-25T18:10:00Z"},
				{"day":"2023-10-26","distance":0,"calories":0}
			]}`})

			n, err := agg.Import(ctx, data)
			convey.So(err, convey.ShouldBeNil)

			convey.So(sink.points["daily_workouts"], convey.ShouldHaveLength, 2)
			convey.So(sink.points["daily_workouts"][0].Value, convey.ShouldEqual, 3.0)
			convey.So(sink.points["daily_workouts"][1].Value, convey.ShouldEqual, 1.0)
			convey.So(sink.points["daily_workout_distance"], convey.ShouldHaveLength, 1)
			convey.So(sink.points["daily_workout_distance"][0].Value, convey.ShouldEqual, 2.0)
			convey.So(sink.points["daily_workout_calories"][0].Value, convey.ShouldEqual, 300.0)
			convey.So(sink.points["daily_workout_duration"][0].Value, convey.ShouldEqual, 60.0)
			convey.So(n, convey.ShouldEqual, 5)
		})

		convey.Convey("Every point is stamped at noon UTC on its day", func() {
			data := pull(t, map[Source]string{SourceSleep: `{"data":[
				{"day":"2023-10-24","score":81},
				{"day":"2023-10-25","score":0}
			]}`})
			_, err := agg.Import(ctx, data)
			convey.So(err, convey.ShouldBeNil)

			points := sink.points["sleep_score"]
			convey.So(points, convey.ShouldHaveLength, 2)
			convey.So(points[0].Start, convey.ShouldEqual, time.Date(2023, 10, 24, 12, 0, 0, 0, time.UTC))
			convey.So(points[1].Start, convey.ShouldEqual, time.Date(2023, 10, 25, 12, 0, 0, 0, time.UTC))
			convey.So(points[1].Value, convey.ShouldEqual, 0.0)
			convey.So(points[1].Day, convey.ShouldEqual, "2023-10-25")
		})

		convey.Convey("Records with a missing or unparseable day are skipped individually", func() {
			data := pull(t, map[Source]string{SourceReadiness: `{"data":[
				{"score":50},
				{"day":"yesterday","score":60},
				{"day":"2023-10-25","score":70}
			]}`})
			_, err := agg.Import(ctx, data)
			convey.So(err, convey.ShouldBeNil)
			convey.So(sink.points["readiness_score"], convey.ShouldHaveLength, 1)
			convey.So(sink.points["readiness_score"][0].Value, convey.ShouldEqual, 70.0)
		})

		convey.Convey("Naps do not override the main sleep of the same day", func() {
			data := pull(t, map[Source]string{SourceSleepDetail: `{"data":[
				{"day":"2023-10-24","type":"long_sleep","average_hrv":41},
				{"day":"2023-10-25","type":"long_sleep","average_hrv":40},
				{"day":"2023-10-25","type":"late_nap","average_hrv":60},
				{"day":"2023-10-26","type":"sleep","average_hrv":30},
				{"day":"2023-10-26","type":"rest","average_hrv":35}
			]}`})
			series := agg.aggregate(ctx, data)
			hrv := series["average_sleep_hrv"]
			convey.So(hrv, convey.ShouldHaveLength, 3)
			convey.So(hrv[0].Value, convey.ShouldEqual, 41.0)
			convey.So(hrv[1].Day, convey.ShouldEqual, "2023-10-25")
			convey.So(hrv[1].Value, convey.ShouldEqual, 40.0)
			convey.So(hrv[2].Value, convey.ShouldEqual, 35.0)
		})

		convey.Convey("Heart rate is grouped by the timestamp's date", func() {
			data := pull(t, map[Source]string{SourceHeartRate: `{"data":[
				{"bpm":50,"timestamp":"2023-10-24T23:59:00+00:00"},
				{"bpm":60,"timestamp":"2023-10-25T00:01:00+00:00"},
				{"bpm":70,"timestamp":"2023-10-25T08:00:00+00:00"}
			]}`})
			series := agg.aggregate(ctx, data)
			convey.So(series["average_heart_rate"], convey.ShouldHaveLength, 2)
			convey.So(series["average_heart_rate"][1].Value, convey.ShouldEqual, 65.0)
			convey.So(series["min_heart_rate"][1].Value, convey.ShouldEqual, 60.0)
			convey.So(series["max_heart_rate"][0].Value, convey.ShouldEqual, 50.0)
		})

		convey.Convey("Sessions emit a zero count on days without mindfulness", func() {
			data := pull(t, map[Source]string{SourceSession: `{"data":[
				{"day":"2023-10-24","type":"nap","start_datetime":"2023-10-24T13:00:00Z","end_datetime":"2023-10-24T14:00:00Z"},
				{"day":"2023-10-25","type":"rest","start_datetime":"2023-10-25T13:00:00Z","end_datetime":"2023-10-25T13:20:00Z"}
			]}`})
			series := agg.aggregate(ctx, data)
			convey.So(series["daily_mindfulness_sessions"], convey.ShouldHaveLength, 2)
			convey.So(series["daily_mindfulness_sessions"][0].Value, convey.ShouldEqual, 0.0)
			convey.So(series["daily_meditation_duration"], convey.ShouldHaveLength, 1)
			convey.So(series["daily_meditation_duration"][0].Value, convey.ShouldEqual, 20.0)
		})

		convey.Convey("Rest mode periods count against their start day", func() {
			data := pull(t, map[Source]string{SourceRestMode: `{"data":[
				{"start_day":"2023-10-20","end_day":"2023-10-22",
				 "start_time":"2023-10-20T12:00:00Z","end_time":"2023-10-22T12:00:00Z"},
				{"start_day":"2023-10-23","start_time":"2023-10-23T12:00:00Z"}
			]}`})
			series := agg.aggregate(ctx, data)
			convey.So(series["daily_rest_mode_count"], convey.ShouldHaveLength, 1)
			convey.So(series["daily_rest_mode_count"][0].Day, convey.ShouldEqual, "2023-10-20")
			convey.So(series["daily_rest_mode_duration"][0].Value, convey.ShouldEqual, 48.0)
		})

		convey.Convey("Tags and enhanced tags", func() {
			data := pull(t, map[Source]string{
				SourceTag:         `{"data":[{"day":"2023-10-25","tags":["coffee"]}]}`,
				SourceEnhancedTag: `{"data":[{"day":"2023-10-25"},{"day":"2023-10-25"},{"day":"2023-10-24"}]}`,
			})
			series := agg.aggregate(ctx, data)
			convey.So(series["daily_tag_count"], convey.ShouldHaveLength, 2)
			convey.So(series["daily_tag_count"][1].Value, convey.ShouldEqual, 2.0)
			convey.So(len(series), convey.ShouldEqual, 1)
		})

		convey.Convey("Timestamps become Unix seconds and categorical values are skipped", func() {
			data := pull(t, map[Source]string{
				SourceSleepDetail: `{"data":[{"day":"2023-10-25","bedtime_start":"2023-10-24T22:30:00+02:00","efficiency":91}]}`,
				SourceStress:      `{"data":[{"day":"2023-10-25","day_summary":"normal","stress_high":3600}]}`,
			})
			series := agg.aggregate(ctx, data)
			convey.So(series["bedtime_start"][0].Value, convey.ShouldEqual,
				float64(time.Date(2023, 10, 24, 20, 30, 0, 0, time.UTC).Unix()))
			convey.So(series["sleep_efficiency"][0].Value, convey.ShouldEqual, 91.0)
			convey.So(series, convey.ShouldNotContainKey, "stress_day_summary")
			convey.So(series["stress_high_duration"][0].Value, convey.ShouldEqual, 60.0)
		})

		convey.Convey("Optimal bedtime history is a local hour of day with a circular mean", func() {
			data := pull(t, map[Source]string{SourceSleepTime: `{"data":[
				{"day":"2023-10-25","optimal_bedtime":{"day_tz":0,"start_offset":-1800,"end_offset":1800}}
			]}`})
			_, err := agg.Import(ctx, data)
			convey.So(err, convey.ShouldBeNil)
			convey.So(sink.points["optimal_bedtime_start"][0].Value, convey.ShouldEqual, 23.5)
			convey.So(sink.points["optimal_bedtime_end"][0].Value, convey.ShouldEqual, 0.5)
			for _, meta := range sink.calls {
				convey.So(meta.MeanType, convey.ShouldEqual, MeanCircular)
				convey.So(meta.StatisticID, convey.ShouldStartWith, DefaultStatisticIDPrefix)
			}
		})

		convey.Convey("Metadata carries unit class and mean type", func() {
			data := pull(t, map[Source]string{SourceActivity: `{"data":[{"day":"2023-10-25","steps":9000,"active_calories":400}]}`})
			agg := NewAggregator(sink, nil, WithStatisticID(func(key string) string { return "oura:" + key }))
			_, err := agg.Import(ctx, data)
			convey.So(err, convey.ShouldBeNil)
			convey.So(sink.calls, convey.ShouldHaveLength, 2)

			byKey := map[string]StatisticMetadata{}
			for _, m := range sink.calls {
				byKey[m.SensorKey] = m
			}
			convey.So(byKey["active_calories"].StatisticID, convey.ShouldEqual, "oura:active_calories")
			convey.So(byKey["active_calories"].UnitClass, convey.ShouldEqual, "energy")
			convey.So(byKey["steps"].HasSum, convey.ShouldBeTrue)
			convey.So(byKey["steps"].MeanType, convey.ShouldEqual, MeanNone)
		})

		convey.Convey("A sink failure in one source does not stop the others", func() {
			sink.failOn = "sleep_score"
			var observed []Source
			agg := NewAggregator(sink, nil, WithImportObserver(func(src Source, _ int) {
				observed = append(observed, src)
			}))
			data := pull(t, map[Source]string{
				SourceSleep:     `{"data":[{"day":"2023-10-25","score":80,"contributors":{"restfulness":70,"timing":60}}]}`,
				SourceReadiness: `{"data":[{"day":"2023-10-25","score":82}]}`,
			})

			n, err := agg.Import(ctx, data)
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(err.Error(), convey.ShouldContainSubstring, "sleep_score")
			convey.So(sink.points, convey.ShouldContainKey, "readiness_score")
			convey.So(sink.points, convey.ShouldContainKey, "restfulness")
			convey.So(sink.points, convey.ShouldNotContainKey, "sleep_timing")
			convey.So(n, convey.ShouldEqual, 2)
			convey.So(observed, convey.ShouldResemble, []Source{SourceSleep, SourceReadiness})
		})

		convey.Convey("A panicking aggregator is isolated to its source", func() {
			saved := SourceMappings
			defer func() { SourceMappings = saved }()
			SourceMappings = []SourceMapping{
				{Source: SourceWorkout, Strategy: DayAggregator{Aggregate: func([]Record, func(string, error)) Series {
					panic("boom")
				}}},
				saved[2], // readiness
			}
			data := pull(t, map[Source]string{
				SourceWorkout:   `{"data":[{"day":"2023-10-25"}]}`,
				SourceReadiness: `{"data":[{"day":"2023-10-25","score":82}]}`,
			})

			_, err := agg.Import(ctx, data)
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(err.Error(), convey.ShouldContainSubstring, "boom")
			convey.So(sink.points, convey.ShouldContainKey, "readiness_score")
		})

		convey.Convey("Empty sources produce nothing", func() {
			n, err := agg.Import(ctx, PulledData{SourceSleep: Document{}})
			convey.So(err, convey.ShouldBeNil)
			convey.So(n, convey.ShouldEqual, 0)
			convey.So(sink.calls, convey.ShouldBeEmpty)
		})
	})
}
