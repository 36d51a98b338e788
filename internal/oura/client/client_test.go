package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/i474232898/oura-data-aggregation/internal/oura"
)

var fastBackoff = BackoffConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "pat-123", TokenType: "Bearer"})
	opts = append([]Option{WithBaseURL(srv.URL), WithBackoff(fastBackoff)}, opts...)
	return New(NewHTTPClient(ts, 5*time.Second), opts...)
}

func testWindow(days int) oura.Window {
	now := time.Date(2023, 10, 25, 9, 0, 0, 0, time.UTC)
	return oura.WindowEndingToday(now, days)
}

func TestFetchAllEndpoints(t *testing.T) {
	var (
		mu    sync.Mutex
		paths = map[string]bool{}
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer pat-123" {
			t.Errorf("authorization header = %q", got)
		}
		mu.Lock()
		paths[r.URL.Path] = true
		mu.Unlock()

		if r.URL.Path == "/heartrate" {
			if r.URL.Query().Get("start_datetime") != "2023-10-24T00:00:00" {
				t.Errorf("heartrate start = %q", r.URL.Query().Get("start_datetime"))
			}
		} else if r.URL.Query().Get("end_date") != "2023-10-26" {
			t.Errorf("%s end_date = %q", r.URL.Path, r.URL.Query().Get("end_date"))
		}
		fmt.Fprintf(w, `{"data":[{"day":"2023-10-25","path":%q}]}`, r.URL.Path)
	})

	data, err := c.Fetch(context.Background(), testWindow(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != len(oura.Sources) {
		t.Fatalf("expected %d sources, got %d", len(oura.Sources), len(data))
	}
	if len(paths) != len(endpoints) {
		t.Fatalf("expected %d distinct paths, got %d", len(endpoints), len(paths))
	}
	if got := data.Records(oura.SourceSleepDetail)[0]["path"]; got != "/sleep" {
		t.Fatalf("sleep_detail served from %v", got)
	}
	if got := data.Records(oura.SourceVO2Max)[0]["path"]; got != "/vO2_max" {
		t.Fatalf("vo2_max served from %v", got)
	}
}

func TestFetchOptionalUnauthorizedIsEmpty(t *testing.T) {
	var failed []oura.Source
	var mu sync.Mutex
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/daily_spo2", "/vO2_max", "/daily_stress":
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[{"day":"2023-10-25"}]}`)
	}, WithFailureHook(func(src oura.Source) {
		mu.Lock()
		failed = append(failed, src)
		mu.Unlock()
	}))

	data, err := c.Fetch(context.Background(), testWindow(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(data.Records(oura.SourceSpO2)); n != 0 {
		t.Fatalf("spo2 should be empty, got %d records", n)
	}
	// stress is not optional, so its 401 is a failure.
	if len(failed) != 1 || failed[0] != oura.SourceStress {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if len(data.Records(oura.SourceSleep)) != 1 {
		t.Fatal("sleep should still be present")
	}
}

func TestFetchAllFailed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, WithBackoff(BackoffConfig{MaxRetries: 0, InitialInterval: time.Millisecond}))

	_, err := c.Fetch(context.Background(), testWindow(1))
	if !errors.Is(err, ErrAllEndpointsFailed) {
		t.Fatalf("expected ErrAllEndpointsFailed, got %v", err)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":[{"day":"2023-10-25","score":80}]}`)
	})

	doc, err := c.get(context.Background(), c.breakers[oura.SourceSleep], "/daily_sleep", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Data) != 1 || calls != 2 {
		t.Fatalf("expected one record after two calls, got %d records and %d calls", len(doc.Data), calls)
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.get(context.Background(), c.breakers[oura.SourceSleep], "/daily_sleep", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestBreakerRecoveryRestoresEverySource(t *testing.T) {
	var (
		healthy atomic.Bool
		hits    atomic.Int32
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":[{"day":"2023-10-25"}]}`)
	},
		WithBackoff(BackoffConfig{MaxRetries: 0, InitialInterval: time.Millisecond}),
		WithBreaker(BreakerConfig{FailureThreshold: 2, OpenTimeout: 50 * time.Millisecond}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(ctx, testWindow(1)); !errors.Is(err, ErrAllEndpointsFailed) {
			t.Fatalf("fetch %d: expected ErrAllEndpointsFailed, got %v", i, err)
		}
	}

	// Every circuit is open now; nothing reaches the server.
	before := hits.Load()
	if _, err := c.Fetch(ctx, testWindow(1)); !errors.Is(err, ErrAllEndpointsFailed) {
		t.Fatalf("expected ErrAllEndpointsFailed while open, got %v", err)
	}
	if got := hits.Load(); got != before {
		t.Fatalf("open circuits let %d requests through", got-before)
	}

	healthy.Store(true)
	time.Sleep(80 * time.Millisecond)

	data, err := c.Fetch(ctx, testWindow(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, src := range oura.Sources {
		if len(data.Records(src)) != 1 {
			t.Errorf("%s: expected 1 record after recovery, got %d", src, len(data.Records(src)))
		}
	}
	for src, cb := range c.breakers {
		if cb.State() == gobreaker.StateOpen {
			t.Errorf("%s: circuit still open", src)
		}
	}
}

func TestHeartRateTiling(t *testing.T) {
	var (
		mu     sync.Mutex
		starts []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/heartrate" {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		start := r.URL.Query().Get("start_datetime")
		mu.Lock()
		starts = append(starts, start)
		mu.Unlock()
		if strings.HasPrefix(start, "2023-08-26") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"data":[{"bpm":60,"timestamp":%q}]}`, start)
	}, WithBackoff(BackoffConfig{MaxRetries: 0, InitialInterval: time.Millisecond}))

	w := testWindow(90) // 2023-07-27 .. 2023-10-26, 91 days
	data, err := c.Fetch(context.Background(), w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(starts) != 4 {
		t.Fatalf("expected 4 tiles, got %d: %v", len(starts), starts)
	}

	got := data.Records(oura.SourceHeartRate)
	if len(got) != 3 {
		t.Fatalf("failed tile should be skipped, got %d records", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, _ := got[i-1].Text("timestamp")
		cur, _ := got[i].Text("timestamp")
		if prev >= cur {
			t.Fatalf("tiles out of order: %s before %s", prev, cur)
		}
	}
}

func TestTiles(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for days := 1; days <= 95; days++ {
		w := oura.Window{Start: start, End: start.AddDate(0, 0, days)}
		tiles := Tiles(w, heartRateMaxDays)

		want := (days + heartRateMaxDays - 1) / heartRateMaxDays
		if len(tiles) != want {
			t.Fatalf("days=%d: got %d tiles, want %d", days, len(tiles), want)
		}
		if !tiles[0].Start.Equal(w.Start) || !tiles[len(tiles)-1].End.Equal(w.End) {
			t.Fatalf("days=%d: tiles do not cover the window", days)
		}
		for i := 1; i < len(tiles); i++ {
			if !tiles[i].Start.Equal(tiles[i-1].End) {
				t.Fatalf("days=%d: gap or overlap at tile %d", days, i)
			}
			if tiles[i-1].Days() > heartRateMaxDays {
				t.Fatalf("days=%d: tile %d too wide", days, i-1)
			}
		}
	}
}

func TestAuthTokenSource(t *testing.T) {
	ctx := context.Background()

	if _, err := (Auth{}).TokenSource(ctx); !errors.Is(err, errNoCredentials) {
		t.Fatalf("expected errNoCredentials, got %v", err)
	}
	if _, err := (Auth{AccessToken: "a", RefreshToken: "b"}).TokenSource(ctx); err == nil {
		t.Fatal("expected error when both credentials are set")
	}

	ts, err := (Auth{AccessToken: "pat"}).TokenSource(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok, err := ts.Token()
	if err != nil || tok.AccessToken != "pat" {
		t.Fatalf("unexpected token %v, %v", tok, err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-2"}`)
	}))
	defer srv.Close()

	ts, err = (Auth{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh-1", TokenURL: srv.URL}).TokenSource(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok, err = ts.Token()
	if err != nil || tok.AccessToken != "fresh" {
		t.Fatalf("unexpected refreshed token %v, %v", tok, err)
	}
}
