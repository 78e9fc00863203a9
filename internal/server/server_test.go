package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	memorycache "github.com/JakeFAU/distributed-scraper/internal/cache/memory"
	"github.com/JakeFAU/distributed-scraper/internal/config"
	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	v := viper.New()
	v.Set("headless.enabled", false)
	v.Set("scraper.attempts", 1)
	v.Set("scraper.retry_delay_ms", 10)
	v.Set("wire.delay_ms", 10)
	v.Set("server.shutdown_timeout_seconds", 5)
	cfg, err := config.LoadWith(v, "")
	require.NoError(t, err)
	return cfg
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	for x := 0; x < 400; x++ {
		for y := 0; y < 100; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	pixel := pngBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Fixture</title>
<meta name="description" content="fixture page"></head>
<body><h1>Fixture</h1><a href="/next">next</a><img src="/pixel.png"></body></html>`)
	})
	mux.HandleFunc("/pixel.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(pixel)))
		_, _ = w.Write(pixel)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site
}

func TestTiersEndToEnd(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := testConfig(t)

	pln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(pln.Addr().String())
	require.NoError(t, err)
	cfg.Processor.Host = host
	cfg.Processor.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := BuildProcess(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	procDone := make(chan error, 1)
	go func() { procDone <- proc.Serve(ctx, pln) }()

	sln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	front, err := BuildScrape(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	frontDone := make(chan error, 1)
	go func() { frontDone <- front.Serve(ctx, sln) }()
	base := "http://" + sln.Addr().String()

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	body := strings.NewReader(fmt.Sprintf(`{"url":%q}`, site.URL))
	resp, err = http.Post(base+"/scrape", "application/json", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	_ = resp.Body.Close()
	id := submitted["task_id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status["status"] == "completed"
	}, 20*time.Second, 50*time.Millisecond)

	resp, err = http.Get(base + "/result/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Status       string `json:"status"`
		FromCache    bool   `json:"from_cache"`
		ScrapingData struct {
			Title    string            `json:"title"`
			Links    []string          `json:"links"`
			MetaTags map[string]string `json:"meta_tags"`
		} `json:"scraping_data"`
		ProcessingData struct {
			Screenshot  string `json:"screenshot"`
			Performance struct {
				NumRequests int     `json:"num_requests"`
				TotalSizeKB float64 `json:"total_size_kb"`
			} `json:"performance"`
			Thumbnails []struct {
				OriginalURL     string  `json:"original_url"`
				ThumbnailBase64 *string `json:"thumbnail_base64"`
				Status          string  `json:"status"`
			} `json:"thumbnails"`
		} `json:"processing_data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Equal(t, "success", env.Status)
	require.False(t, env.FromCache)
	require.Equal(t, "Fixture", env.ScrapingData.Title)
	require.Equal(t, []string{site.URL + "/next"}, env.ScrapingData.Links)
	require.Equal(t, "fixture page", env.ScrapingData.MetaTags["description"])
	require.True(t, strings.HasPrefix(env.ProcessingData.Screenshot, "error: "))
	require.Equal(t, 2, env.ProcessingData.Performance.NumRequests)
	require.Greater(t, env.ProcessingData.Performance.TotalSizeKB, 0.0)
	require.Len(t, env.ProcessingData.Thumbnails, 1)
	require.Equal(t, site.URL+"/pixel.png", env.ProcessingData.Thumbnails[0].OriginalURL)
	require.Equal(t, "success", env.ProcessingData.Thumbnails[0].Status)
	require.NotNil(t, env.ProcessingData.Thumbnails[0].ThumbnailBase64)

	cancel()
	require.NoError(t, <-frontDone)
	require.NoError(t, <-procDone)
}

func TestReadyzReportsUnreachableProcessor(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	cfg.Processor.Host = host
	cfg.Processor.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	front, err := BuildScrape(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = front.Close(ctx)
	})

	rec := httptest.NewRecorder()
	front.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "processor unreachable")
}

func TestCloseClearsResultCache(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	front, err := BuildScrape(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &memorycache.Cache{}, front.cache)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key := "https://example.com/cached"
	require.NoError(t, front.cache.Set(ctx, key, scrape.Envelope{URL: key, Status: "success"}))
	_, ok, err := front.cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, front.Close(ctx))

	_, ok, err = front.cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, front.cache.(*memorycache.Cache).Len())
}

func TestBuildScrapeWithoutCache(t *testing.T) {
	t.Parallel()

	front, err := BuildScrape(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, front.cache)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, front.Close(ctx))
}
