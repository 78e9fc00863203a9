// Package scrape defines core types shared across the scrape and process tiers.
package scrape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status represents the lifecycle state of a scrape task.
type Status string

// Task status values held by the task manager.
const (
	StatusPending   Status = "pending"
	StatusScraping  Status = "scraping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the record tracked for each submitted URL.
type Task struct {
	ID          string     `json:"task_id"`
	URL         string     `json:"url"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Envelope  `json:"-"`
	Error       string     `json:"error,omitempty"`
}

// Page is the fetched document handed to the parsers.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       string
}

// Headings counts h1..h6 elements.
type Headings struct {
	H1 int `json:"h1"`
	H2 int `json:"h2"`
	H3 int `json:"h3"`
	H4 int `json:"h4"`
	H5 int `json:"h5"`
	H6 int `json:"h6"`
}

// Structure is the output of the HTML structure parser.
type Structure struct {
	Title       string   `json:"title"`
	Links       []string `json:"links"`
	Headings    Headings `json:"structure"`
	ImagesCount int      `json:"images_count"`
}

// ScrapingData is the locally computed half of an envelope. When the
// structure parse failed, Err carries its message and only meta_tags
// accompany it on the wire.
type ScrapingData struct {
	Structure
	MetaTags map[string]string `json:"meta_tags"`
	Err      string            `json:"-"`
}

type scrapingFailure struct {
	Error    string            `json:"error"`
	MetaTags map[string]string `json:"meta_tags"`
}

// MarshalJSON renders either the parsed structure or the error form.
func (d ScrapingData) MarshalJSON() ([]byte, error) {
	meta := d.MetaTags
	if meta == nil {
		meta = map[string]string{}
	}
	if d.Err != "" {
		return json.Marshal(scrapingFailure{Error: d.Err, MetaTags: meta})
	}
	type plain ScrapingData
	out := plain(d)
	out.MetaTags = meta
	if out.Links == nil {
		out.Links = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both forms produced by MarshalJSON.
func (d *ScrapingData) UnmarshalJSON(b []byte) error {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("decode scraping data: %w", err)
	}
	type plain ScrapingData
	var out plain
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("decode scraping data: %w", err)
	}
	*d = ScrapingData(out)
	if probe.Error != nil {
		d.Err = *probe.Error
	}
	return nil
}

// Performance summarizes page weight and load time.
type Performance struct {
	LoadTimeMS  float64 `json:"load_time_ms"`
	TotalSizeKB float64 `json:"total_size_kb"`
	NumRequests int     `json:"num_requests"`
}

// Thumbnail is the per-image thumbnail outcome. A failed image keeps its
// URL, a nil ThumbnailBase64, status "error" and the reason.
type Thumbnail struct {
	OriginalURL     string  `json:"original_url"`
	ThumbnailBase64 *string `json:"thumbnail_base64"`
	Status          string  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// FieldErrorPrefix starts every error string stored in a Field. Base64 and
// JSON object values never begin with it, so decoding is unambiguous.
const FieldErrorPrefix = "error: "

// Field holds a sub-job result or the error string that replaced it.
type Field[T any] struct {
	Value T
	Err   string
}

// FieldValue wraps a successful sub-job value.
func FieldValue[T any](v T) Field[T] {
	return Field[T]{Value: v}
}

// FieldError converts a failure message into a field error string.
func FieldError[T any](msg string) Field[T] {
	if !strings.HasPrefix(msg, FieldErrorPrefix) {
		msg = FieldErrorPrefix + msg
	}
	return Field[T]{Err: msg}
}

// Failed reports whether the field carries an error string.
func (f Field[T]) Failed() bool {
	return f.Err != ""
}

// MarshalJSON emits the value, or the bare error string on failure.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.Err != "" {
		return json.Marshal(f.Err)
	}
	return json.Marshal(f.Value)
}

// UnmarshalJSON treats a prefixed string as an error and otherwise decodes
// the value shape, falling back to any other string as an error.
func (f *Field[T]) UnmarshalJSON(b []byte) error {
	var zero T
	var msg string
	if err := json.Unmarshal(b, &msg); err == nil && strings.HasPrefix(msg, FieldErrorPrefix) {
		f.Value, f.Err = zero, msg
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err == nil {
		f.Value, f.Err = v, ""
		return nil
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return fmt.Errorf("decode field: %w", err)
	}
	f.Value, f.Err = zero, msg
	return nil
}

// ProcessingResult is the composite reply of the processing tier.
type ProcessingResult struct {
	Screenshot  Field[string]      `json:"screenshot"`
	Performance Field[Performance] `json:"performance"`
	Thumbnails  Field[[]Thumbnail] `json:"thumbnails"`
}

// ErrorReply is sent in place of a ProcessingResult when a request is rejected.
type ErrorReply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewErrorReply builds an error reply with status "error".
func NewErrorReply(msg string) ErrorReply {
	return ErrorReply{Status: "error", Error: msg}
}

// ProcessingData is the envelope's view of the processing tier: a result
// or an {"status":"error","error":...} object.
type ProcessingData struct {
	Result *ProcessingResult
	Err    string
}

// MarshalJSON renders the result or the error object.
func (p ProcessingData) MarshalJSON() ([]byte, error) {
	if p.Err != "" || p.Result == nil {
		msg := p.Err
		if msg == "" {
			msg = "no processing result"
		}
		return json.Marshal(NewErrorReply(msg))
	}
	return json.Marshal(p.Result)
}

// UnmarshalJSON distinguishes an error reply from a result by its status field.
func (p *ProcessingData) UnmarshalJSON(b []byte) error {
	var probe ErrorReply
	if err := json.Unmarshal(b, &probe); err == nil && probe.Status == "error" {
		p.Result, p.Err = nil, probe.Error
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		p.Result, p.Err = nil, "no processing result"
		return nil
	}
	var res ProcessingResult
	if err := json.Unmarshal(b, &res); err != nil {
		return fmt.Errorf("decode processing data: %w", err)
	}
	p.Result, p.Err = &res, ""
	return nil
}

// Envelope is the consolidated result stored on a completed task.
type Envelope struct {
	URL            string         `json:"url"`
	Timestamp      time.Time      `json:"timestamp"`
	ScrapingData   ScrapingData   `json:"scraping_data"`
	ProcessingData ProcessingData `json:"processing_data"`
	Status         string         `json:"status"`
	FromCache      bool           `json:"from_cache"`
}

// Notification is published when a task reaches a terminal state.
type Notification struct {
	TaskID    string    `json:"task_id"`
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	FromCache bool      `json:"from_cache"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
