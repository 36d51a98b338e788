package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/patrickmn/go-cache"

	"github.com/i474232898/oura-data-aggregation/internal/oura"
	"github.com/i474232898/oura-data-aggregation/internal/statistics"
	"github.com/i474232898/oura-data-aggregation/internal/store"
)

var validate = validator.New()

// defaultSeriesRange is served when a statistics query omits from/to.
const defaultSeriesRange = 30 * 24 * time.Hour

// StatisticsReader is the query side of the statistics sink.
type StatisticsReader interface {
	Metadata(ctx context.Context) ([]oura.StatisticMetadata, error)
	MetadataFor(ctx context.Context, statisticID string) (oura.StatisticMetadata, error)
	Series(ctx context.Context, statisticID string, from, to time.Time) ([]statistics.Point, error)
}

// Deps bundles what the handlers read from.
type Deps struct {
	Service           *oura.Service
	Statistics        StatisticsReader
	Cache             *cache.Cache
	StatisticIDPrefix string
	Metrics           http.Handler
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	if deps.Cache == nil {
		deps.Cache = cache.New(5*time.Minute, 10*time.Minute)
	}
	if deps.StatisticIDPrefix == "" {
		deps.StatisticIDPrefix = oura.DefaultStatisticIDPrefix
	}

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics))
	}

	v1 := app.Group("/api/v1")

	v1.Get("/sensors", func(c *fiber.Ctx) error {
		snapshot, err := deps.Service.Latest()
		if err != nil {
			return snapshotError(err)
		}
		return c.JSON(newSensorsResponse(snapshot))
	})

	// Registered before /sensors/:key so "history" is not taken as a key.
	v1.Get("/sensors/history", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		snapshots, err := deps.Service.History(req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no snapshots for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch snapshot history")
		}

		return c.JSON(fiber.Map{
			"from":      req.From,
			"to":        req.To,
			"snapshots": snapshots,
		})
	})

	v1.Get("/sensors/:key", func(c *fiber.Ctx) error {
		key := c.Params("key")
		snapshot, err := deps.Service.Latest()
		if err != nil {
			return snapshotError(err)
		}
		value, ok := snapshot.State[key]
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "sensor has no current value")
		}
		return c.JSON(fiber.Map{
			"key":       key,
			"value":     value,
			"fetchedAt": snapshot.FetchedAt,
		})
	})

	v1.Get("/statistics", func(c *fiber.Ctx) error {
		metas, err := deps.Statistics.Metadata(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to list statistics")
		}
		if metas == nil {
			metas = []oura.StatisticMetadata{}
		}
		return c.JSON(metas)
	})

	v1.Get("/statistics/:key", func(c *fiber.Ctx) error {
		key := c.Params("key")
		if _, known := oura.StatisticsMetadata[key]; !known {
			return fiber.NewError(fiber.StatusNotFound, "unknown sensor")
		}

		var req seriesQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		id := deps.StatisticIDPrefix + key
		cacheKey := id + "|" + strconv.FormatInt(req.From.Unix(), 10) + "|" + strconv.FormatInt(req.To.Unix(), 10)
		if cached, ok := deps.Cache.Get(cacheKey); ok {
			return c.JSON(cached)
		}

		meta, err := deps.Statistics.MetadataFor(c.UserContext(), id)
		if err != nil {
			if errors.Is(err, statistics.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no statistics imported for sensor")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch statistics")
		}
		points, err := deps.Statistics.Series(c.UserContext(), id, req.From, req.To)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch statistics")
		}
		if points == nil {
			points = []statistics.Point{}
		}

		resp := seriesResponse{Metadata: meta, From: req.From, To: req.To, Points: points}
		deps.Cache.SetDefault(cacheKey, resp)
		return c.JSON(resp)
	})
}

func snapshotError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "no sensor data yet")
	}
	return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch sensor data")
}

// sensorsResponse splits display values from raw attribute payloads.
type sensorsResponse struct {
	FetchedAt  time.Time      `json:"fetchedAt"`
	State      map[string]any `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func newSensorsResponse(s oura.Snapshot) sensorsResponse {
	resp := sensorsResponse{
		FetchedAt:  s.FetchedAt,
		State:      make(map[string]any, len(s.State)),
		Attributes: make(map[string]any),
	}
	for k, v := range s.State {
		if oura.IsRawKey(k) {
			resp.Attributes[k] = v
			continue
		}
		resp.State[k] = v
	}
	return resp
}

type seriesResponse struct {
	Metadata oura.StatisticMetadata `json:"metadata"`
	From     time.Time              `json:"from"`
	To       time.Time              `json:"to"`
	Points   []statistics.Point     `json:"points"`
}

// historyQuery holds query parameters for the snapshot history endpoint.
type historyQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	h.From = from
	h.To = to
	return nil
}

// seriesQuery holds the optional range of a statistics query. Missing
// bounds default to the last thirty days.
type seriesQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (q *seriesQuery) bind(c *fiber.Ctx) error {
	q.To = time.Now().UTC().Truncate(time.Minute)
	if s := c.Query("to"); s != "" {
		to, err := parseTime(s)
		if err != nil {
			return err
		}
		q.To = to
	}
	q.From = q.To.Add(-defaultSeriesRange)
	if s := c.Query("from"); s != "" {
		from, err := parseTime(s)
		if err != nil {
			return err
		}
		q.From = from
	}
	return nil
}

// parseTime tries to parse RFC3339, a plain date, or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return d, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339, YYYY-MM-DD or unix seconds")
}
