// Package thumbnail finds the images on a page and shrinks them to JPEG
// thumbnails.
package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif" // decoder registration
	"image/jpeg"
	_ "image/png" // decoder registration
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp" // decoder registration
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder registration

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

// Per-image outcome statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Config tunes thumbnail generation.
type Config struct {
	MaxWidth      int
	MaxHeight     int
	Quality       int
	MaxHTMLBytes  int
	MaxImageBytes int64
	ImageTimeout  time.Duration
	Parallelism   int
	UserAgent     string
}

func (c Config) withDefaults() Config {
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 {
		c.MaxWidth, c.MaxHeight = 200, 200
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 85
	}
	if c.MaxHTMLBytes <= 0 {
		c.MaxHTMLBytes = 5 << 20
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 5 << 20
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = 10 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 Web Scraper Bot"
	}
	return c
}

// Generator implements scrape.Thumbnailer.
type Generator struct {
	cfg    Config
	pages  scrape.Fetcher
	client *http.Client
	logger *zap.Logger
}

// New builds a Generator that loads pages through pages and images through
// client. A nil client uses http.DefaultClient.
func New(cfg Config, pages scrape.Fetcher, client *http.Client, logger *zap.Logger) *Generator {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		cfg:    cfg.withDefaults(),
		pages:  pages,
		client: client,
		logger: logger.Named("thumbnail"),
	}
}

// Thumbnails returns one entry per image for the first limit images on the
// page. Image failures are reported per entry; only a page-level failure
// returns an error.
func (g *Generator) Thumbnails(ctx context.Context, pageURL string, limit int) ([]scrape.Thumbnail, error) {
	page, err := g.pages.Fetch(ctx, pageURL)
	if err != nil {
		return nil, &scrape.ProcessingError{Op: "thumbnails", Err: err}
	}
	if page.StatusCode >= http.StatusBadRequest {
		return nil, &scrape.ProcessingError{Op: "thumbnails", Err: fmt.Errorf("page status %d", page.StatusCode)}
	}
	if len(page.HTML) > g.cfg.MaxHTMLBytes {
		return nil, &scrape.ProcessingError{
			Op:  "thumbnails",
			Err: fmt.Errorf("page exceeds %d bytes", g.cfg.MaxHTMLBytes),
		}
	}
	base := page.FinalURL
	if base == "" {
		base = pageURL
	}
	urls, err := imageURLs(page.HTML, base, limit)
	if err != nil {
		return nil, &scrape.ProcessingError{Op: "thumbnails", Err: err}
	}

	mapper := iter.Mapper[string, scrape.Thumbnail]{MaxGoroutines: g.cfg.Parallelism}
	return mapper.Map(urls, func(u *string) scrape.Thumbnail {
		return g.one(ctx, *u)
	}), nil
}

func (g *Generator) one(ctx context.Context, imageURL string) scrape.Thumbnail {
	encoded, err := g.thumbnail(ctx, imageURL)
	if err != nil {
		g.logger.Debug("thumbnail failed", zap.String("image", imageURL), zap.Error(err))
		return scrape.Thumbnail{OriginalURL: imageURL, Status: StatusError, Error: err.Error()}
	}
	return scrape.Thumbnail{OriginalURL: imageURL, ThumbnailBase64: &encoded, Status: StatusSuccess}
}

func (g *Generator) thumbnail(ctx context.Context, imageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ImageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", imageURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("download %s: status %d", imageURL, resp.StatusCode)
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("not an image (Content-Type: %s)", contentType)
	}
	if strings.Contains(contentType, "svg") {
		return "", fmt.Errorf("svg images are not supported")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, g.cfg.MaxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", imageURL, err)
	}
	if int64(len(data)) > g.cfg.MaxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", g.cfg.MaxImageBytes)
	}
	out, err := Encode(data, g.cfg.MaxWidth, g.cfg.MaxHeight, g.cfg.Quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// Encode decodes data, flattens transparency onto white, shrinks it to fit
// within maxW x maxH keeping its aspect ratio, and returns JPEG bytes. Images
// that already fit are not enlarged.
func Encode(data []byte, maxW, maxH, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	w, h := fit(bounds.Dx(), bounds.Dy(), maxW, maxH)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return max(w, 1), max(h, 1)
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	return max(int(float64(w)*scale+0.5), 1), max(int(float64(h)*scale+0.5), 1)
}

// imageURLs resolves the src of the first 2*limit <img> tags and keeps at
// most limit of them.
func imageURLs(html, baseURL string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	imgs := doc.Find("img[src]")
	out := make([]string, 0, limit)
	imgs.Slice(0, min(imgs.Length(), 2*limit)).Each(func(_ int, s *goquery.Selection) {
		if len(out) == limit {
			return
		}
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		out = append(out, base.ResolveReference(ref).String())
	})
	return out, nil
}
