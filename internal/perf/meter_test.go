package perf

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

const perfPage = `<html><head>
<script src="/app.js"></script>
<script src="/app.js"></script>
<link rel="stylesheet" href="/style.css">
<link rel="preload" href="/fonts/body.woff2">
<link rel="icon" href="/favicon.ico">
</head><body><img src="logo.png"></body></html>`

func newPerfServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(perfPage))
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "100")
			return
		}
		_, _ = w.Write(make([]byte, 100))
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("x", 50)))
	})
	mux.HandleFunc("/fonts/body.woff2", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "30")
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "20")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func steppingClock(step time.Duration) func() time.Time {
	var calls atomic.Int64
	base := time.Unix(1700000000, 0)
	return func() time.Time {
		return base.Add(time.Duration(calls.Add(1)-1) * step)
	}
}

func TestMeasureSumsResources(t *testing.T) {
	t.Parallel()

	srv := newPerfServer(t)
	m := New(Config{ProbesPerSecond: 1000}, srv.Client(), nil)
	m.now = steppingClock(12500 * time.Microsecond)

	got, err := m.Measure(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, 12.5, got.LoadTimeMS)
	require.Equal(t, 5, got.NumRequests)
	want := math.Round(float64(len(perfPage)+200)/1024*1000) / 1000
	require.Equal(t, want, got.TotalSizeKB)
}

func TestMeasureRetriesErrorStatuses(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	m := New(Config{}, srv.Client(), nil)
	_, err := m.Measure(context.Background(), srv.URL)
	var procErr *scrape.ProcessingError
	require.ErrorAs(t, err, &procErr)
	require.Equal(t, "performance", procErr.Op)
	require.Equal(t, int32(3), hits.Load())
}

func TestMeasureRejectsOversizedPages(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	t.Cleanup(srv.Close)

	m := New(Config{MaxHTMLBytes: 10}, srv.Client(), nil)
	_, err := m.Measure(context.Background(), srv.URL)
	require.True(t, errors.Is(err, ErrPageTooLarge), "got %v", err)
	require.Equal(t, int32(1), hits.Load())
}

func TestDiscoverResources(t *testing.T) {
	t.Parallel()

	got, err := discoverResources([]byte(perfPage), "https://example.com/shop/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/app.js",
		"https://example.com/shop/logo.png",
		"https://example.com/style.css",
		"https://example.com/fonts/body.woff2",
	}, got)
}
