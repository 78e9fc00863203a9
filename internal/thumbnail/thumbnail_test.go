package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

type stubPages struct {
	page scrape.Page
	err  error
}

func (s stubPages) Fetch(context.Context, string) (scrape.Page, error) {
	return s.page, s.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: 200, A: uint8(x % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnailsPerImageOutcomes(t *testing.T) {
	t.Parallel()

	wide := pngBytes(t, 400, 100)
	mux := http.NewServeMux()
	mux.HandleFunc("/img/wide.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(wide)
	})
	mux.HandleFunc("/img/notes.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	})
	mux.HandleFunc("/img/logo.svg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write([]byte("<svg/>"))
	})
	mux.HandleFunc("/img/broken.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("not really a png"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	html := `<html><body>
<img src="/img/wide.png">
<img src="">
<img src="img/notes.txt">
<img src="/img/logo.svg">
<img src="/img/broken.png">
<img src="/img/missing.png">
</body></html>`
	pages := stubPages{page: scrape.Page{StatusCode: http.StatusOK, FinalURL: srv.URL + "/", HTML: html}}
	g := New(Config{}, pages, srv.Client(), nil)

	got, err := g.Thumbnails(context.Background(), srv.URL+"/", 4)
	require.NoError(t, err)
	require.Len(t, got, 4)

	require.Equal(t, srv.URL+"/img/wide.png", got[0].OriginalURL)
	require.Equal(t, StatusSuccess, got[0].Status)
	require.NotNil(t, got[0].ThumbnailBase64)
	raw, err := base64.StdEncoding.DecodeString(*got[0].ThumbnailBase64)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 200, cfg.Width)
	require.Equal(t, 50, cfg.Height)

	for _, th := range got[1:] {
		require.Equal(t, StatusError, th.Status, th.OriginalURL)
		require.Nil(t, th.ThumbnailBase64)
		require.NotEmpty(t, th.Error)
	}
	require.Equal(t, srv.URL+"/img/notes.txt", got[1].OriginalURL)
	require.Contains(t, got[1].Error, "not an image")
	require.Contains(t, got[2].Error, "svg")
	require.Contains(t, got[3].Error, "decode image")
}

func TestThumbnailsPageFailures(t *testing.T) {
	t.Parallel()

	g := New(Config{}, stubPages{err: errors.New("dns failure")}, nil, nil)
	_, err := g.Thumbnails(context.Background(), "https://example.com", 5)
	var procErr *scrape.ProcessingError
	require.ErrorAs(t, err, &procErr)
	require.Equal(t, "thumbnails", procErr.Op)

	g = New(Config{}, stubPages{page: scrape.Page{StatusCode: http.StatusForbidden}}, nil, nil)
	_, err = g.Thumbnails(context.Background(), "https://example.com", 5)
	require.ErrorAs(t, err, &procErr)

	g = New(Config{MaxHTMLBytes: 4}, stubPages{page: scrape.Page{StatusCode: http.StatusOK, HTML: "<html></html>"}}, nil, nil)
	_, err = g.Thumbnails(context.Background(), "https://example.com", 5)
	require.ErrorAs(t, err, &procErr)
}

func TestThumbnailsNoImages(t *testing.T) {
	t.Parallel()

	g := New(Config{}, stubPages{page: scrape.Page{StatusCode: http.StatusOK, HTML: "<p>text</p>"}}, nil, nil)
	got, err := g.Thumbnails(context.Background(), "https://example.com", 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestEncodeDoesNotUpscale(t *testing.T) {
	t.Parallel()

	out, err := Encode(pngBytes(t, 40, 30), 200, 200, 85)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 40, cfg.Width)
	require.Equal(t, 30, cfg.Height)
}

func TestFit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		w, h, wantW, wantH int
	}{
		{w: 400, h: 100, wantW: 200, wantH: 50},
		{w: 100, h: 800, wantW: 25, wantH: 200},
		{w: 200, h: 200, wantW: 200, wantH: 200},
		{w: 5000, h: 1, wantW: 200, wantH: 1},
	}
	for _, tc := range cases {
		w, h := fit(tc.w, tc.h, 200, 200)
		if w != tc.wantW || h != tc.wantH {
			t.Fatalf("fit(%d,%d) = %dx%d, want %dx%d", tc.w, tc.h, w, h, tc.wantW, tc.wantH)
		}
	}
}
