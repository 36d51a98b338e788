// Package client fetches Oura usercollection documents over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/oura-data-aggregation/internal/logger"
	"github.com/i474232898/oura-data-aggregation/internal/oura"
)

// DefaultBaseURL is the vendor's v2 usercollection root.
const DefaultBaseURL = "https://api.ouraring.com/v2/usercollection"

// heartRateMaxDays is the widest window the heartrate endpoint accepts.
const heartRateMaxDays = 30

const dayLayout = "2006-01-02"

// ErrAllEndpointsFailed is returned when not a single endpoint answered.
var ErrAllEndpointsFailed = errors.New("all api endpoints failed")

type endpoint struct {
	path string
	// optional endpoints answer 401 when the ring or subscription lacks the
	// feature; that means "no data", not failure.
	optional bool
}

var endpoints = map[oura.Source]endpoint{
	oura.SourceSleep:             {path: "/daily_sleep"},
	oura.SourceReadiness:         {path: "/daily_readiness"},
	oura.SourceActivity:          {path: "/daily_activity"},
	oura.SourceHeartRate:         {path: "/heartrate"},
	oura.SourceSleepDetail:       {path: "/sleep"},
	oura.SourceStress:            {path: "/daily_stress"},
	oura.SourceResilience:        {path: "/daily_resilience", optional: true},
	oura.SourceSpO2:              {path: "/daily_spo2", optional: true},
	oura.SourceVO2Max:            {path: "/vO2_max", optional: true},
	oura.SourceCardiovascularAge: {path: "/daily_cardiovascular_age", optional: true},
	oura.SourceSleepTime:         {path: "/sleep_time"},
	oura.SourceWorkout:           {path: "/workout", optional: true},
	oura.SourceSession:           {path: "/session", optional: true},
	oura.SourceTag:               {path: "/tag", optional: true},
	oura.SourceEnhancedTag:       {path: "/enhanced_tag", optional: true},
	oura.SourceRestMode:          {path: "/rest_mode_period", optional: true},
}

// Client implements oura.Fetcher against the vendor API.
type Client struct {
	baseURL   string
	httpCfg   HTTPClientConfig
	breaker   BreakerConfig
	breakers  map[oura.Source]*gobreaker.CircuitBreaker
	log       logger.Logger
	onFailure func(src oura.Source)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithRateLimit caps outgoing requests per minute.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute > 0 {
			c.httpCfg.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), len(endpoints))
		}
	}
}

// WithBackoff overrides the retry policy.
func WithBackoff(b BackoffConfig) Option {
	return func(c *Client) { c.httpCfg.Backoff = b }
}

// WithBreaker overrides when an endpoint's circuit opens.
func WithBreaker(b BreakerConfig) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithFailureHook is called once per endpoint that failed during a Fetch.
func WithFailureHook(fn func(src oura.Source)) Option {
	return func(c *Client) { c.onFailure = fn }
}

// New creates a Client. httpClient must already authorize requests, see
// NewHTTPClient.
func New(httpClient *http.Client, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpCfg: HTTPClientConfig{
			Client: httpClient,
			Backoff: BackoffConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		breaker:   BreakerConfig{FailureThreshold: 10, OpenTimeout: 2 * time.Minute},
		log:       logger.Nop(),
		onFailure: func(oura.Source) {},
	}
	for _, opt := range opts {
		opt(c)
	}

	// One circuit per endpoint: a half-open circuit admits only a few calls,
	// fewer than one Fetch issues.
	c.breakers = make(map[oura.Source]*gobreaker.CircuitBreaker, len(endpoints))
	for src := range endpoints {
		c.breakers[src] = newBreaker("oura_"+string(src), c.breaker)
	}
	return c
}

// Fetch pulls every source for w concurrently. A failed endpoint contributes
// an empty document; the call only fails when every endpoint failed.
func (c *Client) Fetch(ctx context.Context, w oura.Window) (oura.PulledData, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		data   = make(oura.PulledData, len(oura.Sources))
		failed int
	)

	for _, src := range oura.Sources {
		wg.Add(1)
		go func(src oura.Source) {
			defer wg.Done()

			doc, err := c.fetchSource(ctx, src, w)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				c.onFailure(src)
				c.log.Debug(ctx, "endpoint fetch failed", logger.String("source", string(src)), logger.Error(err))
				data[src] = oura.Document{}
				return
			}
			data[src] = doc
		}(src)
	}
	wg.Wait()

	total := len(oura.Sources)
	if failed*2 >= total {
		c.log.Warn(ctx, "network connectivity issue, will retry on next update",
			logger.Int("failed", failed), logger.Int("total", total))
	}
	if failed == total {
		return nil, ErrAllEndpointsFailed
	}
	return data, nil
}

func (c *Client) fetchSource(ctx context.Context, src oura.Source, w oura.Window) (oura.Document, error) {
	ep, ok := endpoints[src]
	if !ok {
		return oura.Document{}, fmt.Errorf("no endpoint for source %s", src)
	}
	if src == oura.SourceHeartRate {
		return c.fetchHeartRate(ctx, src, ep, w)
	}

	params := url.Values{}
	params.Set("start_date", w.Start.Format(dayLayout))
	params.Set("end_date", w.End.Format(dayLayout))

	doc, err := c.get(ctx, c.breakers[src], ep.path, params)
	var se *StatusError
	if ep.optional && errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		return oura.Document{}, nil
	}
	return doc, err
}

// fetchHeartRate tiles w into consecutive windows of at most thirty days and
// concatenates the tiles in order. A failed tile is skipped; the source only
// fails when every tile did.
func (c *Client) fetchHeartRate(ctx context.Context, src oura.Source, ep endpoint, w oura.Window) (oura.Document, error) {
	var (
		out      oura.Document
		tiles    = Tiles(w, heartRateMaxDays)
		failures int
		lastErr  error
	)
	for _, tile := range tiles {
		params := url.Values{}
		params.Set("start_datetime", tile.Start.Format(dayLayout)+"T00:00:00")
		params.Set("end_datetime", tile.End.Format(dayLayout)+"T00:00:00")

		doc, err := c.get(ctx, c.breakers[src], ep.path, params)
		if err != nil {
			failures++
			lastErr = err
			c.log.Warn(ctx, "heart rate tile failed",
				logger.String("start", tile.Start.Format(dayLayout)),
				logger.String("end", tile.End.Format(dayLayout)),
				logger.Error(err))
			continue
		}
		out.Data = append(out.Data, doc.Data...)
	}
	if len(tiles) > 0 && failures == len(tiles) {
		return oura.Document{}, lastErr
	}
	return out, nil
}

// Tiles splits w into consecutive windows of at most maxDays days, each with
// an exclusive end equal to the next one's start.
func Tiles(w oura.Window, maxDays int) []oura.Window {
	var tiles []oura.Window
	for start := w.Start; start.Before(w.End); start = start.AddDate(0, 0, maxDays) {
		end := start.AddDate(0, 0, maxDays)
		if end.After(w.End) {
			end = w.End
		}
		tiles = append(tiles, oura.Window{Start: start, End: end})
	}
	return tiles
}

func (c *Client) get(ctx context.Context, cb *gobreaker.CircuitBreaker, path string, params url.Values) (oura.Document, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, c.httpCfg, cb, buildRequest)
	if err != nil {
		return oura.Document{}, err
	}
	defer resp.Body.Close()

	var doc oura.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return oura.Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}
