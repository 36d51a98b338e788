package statistics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/i474232898/oura-data-aggregation/internal/oura"
)

func dailyPoints(key string, values ...float64) []oura.DailyPoint {
	start := time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC)
	out := make([]oura.DailyPoint, 0, len(values))
	for i, v := range values {
		day := start.AddDate(0, 0, i)
		out = append(out, oura.DailyPoint{SensorKey: key, Day: day.Format("2006-01-02"), Start: oura.NoonUTC(day), Value: v})
	}
	return out
}

func TestStore(t *testing.T) {
	convey.Convey("Given a fresh SQLite statistics store", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "oura.db")
		s, err := Open(ctx, path, nil)
		convey.So(err, convey.ShouldBeNil)
		defer s.Close()

		sleepMeta, _ := oura.Describe("sleep_score", "sensor.oura_ring_sleep_score")
		stepsMeta, _ := oura.Describe("steps", "sensor.oura_ring_steps")

		convey.Convey("A mean series round-trips with metadata", func() {
			convey.So(s.ImportSeries(ctx, sleepMeta, dailyPoints("sleep_score", 80, 0, 75)), convey.ShouldBeNil)

			points, err := s.Series(ctx, sleepMeta.StatisticID,
				time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 10, 2, 23, 0, 0, 0, time.UTC))
			convey.So(err, convey.ShouldBeNil)
			convey.So(points, convey.ShouldHaveLength, 2)
			convey.So(points[0].Start, convey.ShouldEqual, time.Date(2023, 10, 1, 12, 0, 0, 0, time.UTC))
			convey.So(*points[0].Mean, convey.ShouldEqual, 80.0)
			convey.So(points[0].Sum, convey.ShouldBeNil)
			convey.So(*points[1].Mean, convey.ShouldEqual, 0.0)

			meta, err := s.MetadataFor(ctx, sleepMeta.StatisticID)
			convey.So(err, convey.ShouldBeNil)
			convey.So(meta, convey.ShouldResemble, sleepMeta)
		})

		convey.Convey("A sum series stores the day total", func() {
			convey.So(s.ImportSeries(ctx, stepsMeta, dailyPoints("steps", 9000)), convey.ShouldBeNil)
			points, err := s.Series(ctx, stepsMeta.StatisticID, time.Time{}, time.Now())
			convey.So(err, convey.ShouldBeNil)
			convey.So(points[0].Mean, convey.ShouldBeNil)
			convey.So(*points[0].Sum, convey.ShouldEqual, 9000.0)
			convey.So(points[0].State, convey.ShouldEqual, 9000.0)
		})

		convey.Convey("Re-importing a day replaces its value", func() {
			convey.So(s.ImportSeries(ctx, sleepMeta, dailyPoints("sleep_score", 80)), convey.ShouldBeNil)
			convey.So(s.ImportSeries(ctx, sleepMeta, dailyPoints("sleep_score", 85)), convey.ShouldBeNil)
			points, _ := s.Series(ctx, sleepMeta.StatisticID, time.Time{}, time.Now())
			convey.So(points, convey.ShouldHaveLength, 1)
			convey.So(points[0].State, convey.ShouldEqual, 85.0)
		})

		convey.Convey("Metadata lists every imported statistic", func() {
			convey.So(s.ImportSeries(ctx, stepsMeta, dailyPoints("steps", 1)), convey.ShouldBeNil)
			convey.So(s.ImportSeries(ctx, sleepMeta, dailyPoints("sleep_score", 1)), convey.ShouldBeNil)
			all, err := s.Metadata(ctx)
			convey.So(err, convey.ShouldBeNil)
			convey.So(all, convey.ShouldHaveLength, 2)
			convey.So(all[0].StatisticID, convey.ShouldEqual, "sensor.oura_ring_sleep_score")
		})

		convey.Convey("Unknown statistics are reported as not found", func() {
			_, err := s.MetadataFor(ctx, "sensor.nope")
			convey.So(errors.Is(err, ErrNotFound), convey.ShouldBeTrue)
		})

		convey.Convey("A cancelled import leaves nothing behind", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			convey.So(s.ImportSeries(cancelled, sleepMeta, dailyPoints("sleep_score", 1, 2, 3)), convey.ShouldNotBeNil)
			points, err := s.Series(ctx, sleepMeta.StatisticID, time.Time{}, time.Now())
			convey.So(err, convey.ShouldBeNil)
			convey.So(points, convey.ShouldBeEmpty)
		})

		convey.Convey("Import runs decide whether back-fill is complete", func() {
			done, err := s.BackfillCompleted(ctx)
			convey.So(err, convey.ShouldBeNil)
			convey.So(done, convey.ShouldBeFalse)

			now := time.Now().UTC()
			convey.So(s.RecordRun(ctx, oura.ImportRun{ID: "a", StartedAt: now, FinishedAt: now, Status: oura.RunFailed, Error: "boom"}), convey.ShouldBeNil)
			done, _ = s.BackfillCompleted(ctx)
			convey.So(done, convey.ShouldBeFalse)

			convey.So(s.RecordRun(ctx, oura.ImportRun{ID: "b", StartedAt: now, FinishedAt: now, Points: 12, Status: oura.RunSucceeded}), convey.ShouldBeNil)
			done, _ = s.BackfillCompleted(ctx)
			convey.So(done, convey.ShouldBeTrue)
		})

		convey.Convey("The store survives reopening", func() {
			convey.So(s.ImportSeries(ctx, sleepMeta, dailyPoints("sleep_score", 70)), convey.ShouldBeNil)
			convey.So(s.Close(), convey.ShouldBeNil)

			reopened, err := Open(ctx, path, nil)
			convey.So(err, convey.ShouldBeNil)
			defer reopened.Close()
			points, _ := reopened.Series(ctx, sleepMeta.StatisticID, time.Time{}, time.Now())
			convey.So(points, convey.ShouldHaveLength, 1)
		})
	})
}
