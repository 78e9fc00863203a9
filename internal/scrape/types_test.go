package scrape

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestScrapingDataErrorForm(t *testing.T) {
	t.Parallel()

	data := ScrapingData{Err: "parse failed", MetaTags: map[string]string{"description": "d"}}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got := string(raw)
	if got != `{"error":"parse failed","meta_tags":{"description":"d"}}` {
		t.Fatalf("unexpected error form %s", got)
	}

	var back ScrapingData
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Err != "parse failed" || back.MetaTags["description"] != "d" {
		t.Fatalf("unexpected decoded data %+v", back)
	}
}

func TestScrapingDataSuccessFormDefaults(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ScrapingData{Structure: Structure{Title: "Home"}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got := string(raw)
	for _, want := range []string{`"title":"Home"`, `"links":[]`, `"meta_tags":{}`, `"structure":{"h1":0`} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %s in %s", want, got)
		}
	}
	if strings.Contains(got, `"error"`) {
		t.Fatalf("success form must not carry error: %s", got)
	}
}

func TestFieldCarriesErrorString(t *testing.T) {
	t.Parallel()

	res := ProcessingResult{
		Screenshot:  Field[string]{Err: "error: chrome not found"},
		Performance: Field[Performance]{Value: Performance{LoadTimeMS: 12.5, TotalSizeKB: 3, NumRequests: 2}},
		Thumbnails:  Field[[]Thumbnail]{Err: "error: timed out"},
	}
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back ProcessingResult
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Performance.Failed() || back.Performance.Value.NumRequests != 2 {
		t.Fatalf("expected performance value, got %+v", back.Performance)
	}
	if !back.Thumbnails.Failed() || back.Thumbnails.Err != "error: timed out" {
		t.Fatalf("expected thumbnails error, got %+v", back.Thumbnails)
	}
	if !back.Screenshot.Failed() || back.Screenshot.Value != "" {
		t.Fatalf("expected screenshot error, got %+v", back.Screenshot)
	}
}

func TestFieldErrorAddsPrefixOnce(t *testing.T) {
	t.Parallel()

	if got := FieldError[string]("boom").Err; got != "error: boom" {
		t.Fatalf("unexpected error string %q", got)
	}
	if got := FieldError[string]("error: boom").Err; got != "error: boom" {
		t.Fatalf("prefix must not repeat, got %q", got)
	}
	var f Field[string]
	if err := json.Unmarshal([]byte(`"iVBORw0KGgo="`), &f); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if f.Failed() || f.Value != "iVBORw0KGgo=" {
		t.Fatalf("expected screenshot value, got %+v", f)
	}
}

func TestProcessingDataDistinguishesErrorReply(t *testing.T) {
	t.Parallel()

	var data ProcessingData
	if err := json.Unmarshal([]byte(`{"status":"error","error":"URL is required"}`), &data); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if data.Result != nil || data.Err != "URL is required" {
		t.Fatalf("expected error reply, got %+v", data)
	}

	raw, err := json.Marshal(ProcessingData{Err: "processing timed out"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `{"status":"error","error":"processing timed out"}` {
		t.Fatalf("unexpected error form %s", raw)
	}

	if err := json.Unmarshal([]byte(`{"screenshot":"aGk=","performance":{"load_time_ms":1,"total_size_kb":1,"num_requests":1},"thumbnails":[]}`), &data); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if data.Result == nil || data.Result.Screenshot.Value != "aGk=" {
		t.Fatalf("expected result, got %+v", data)
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	t.Parallel()

	env := Envelope{
		URL:            "https://example.com",
		Timestamp:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ScrapingData:   ScrapingData{Structure: Structure{Title: "t"}},
		ProcessingData: ProcessingData{Err: "down"},
		Status:         "success",
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"url", "timestamp", "scraping_data", "processing_data", "status", "from_cache"} {
		if _, ok := generic[key]; !ok {
			t.Fatalf("missing key %s in %s", key, raw)
		}
	}
	if generic["from_cache"] != false {
		t.Fatalf("expected from_cache false, got %v", generic["from_cache"])
	}
}

func TestInvalidURLIsScrapingError(t *testing.T) {
	t.Parallel()

	err := NewInvalidURL("ftp://x", "unsupported scheme")
	var scrapeErr *ScrapingError
	if !errors.As(err, &scrapeErr) {
		t.Fatalf("expected ScrapingError, got %T", err)
	}
	var invalid *InvalidURLError
	if !errors.As(err, &invalid) || invalid.Reason != "unsupported scheme" {
		t.Fatalf("expected InvalidURLError, got %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	if StatusPending.Terminal() || StatusScraping.Terminal() {
		t.Fatal("pending and scraping are not terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("completed and failed are terminal")
	}
}
