package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distributed-scraper/internal/config"
)

// fakeAPI serves the scrape tier routes, reporting finalStatus after
// pendingPolls status calls.
func fakeAPI(t *testing.T, finalStatus string, pendingPolls int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scrape", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["url"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"URL is required"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"task-1","status":"pending","message":"ok"}`))
	})
	mux.HandleFunc("GET /status/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "task-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status := "scraping"
		if polls.Add(1) > pendingPolls {
			status = finalStatus
		}
		resp := map[string]any{"task_id": "task-1", "status": status}
		if status == "failed" {
			resp["error"] = "fetch failed"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /result/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","url":"https://example.com","from_cache":false}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestSubmitAndWaitCompleted(t *testing.T) {
	t.Parallel()

	srv, polls := fakeAPI(t, "completed", 2)
	var out bytes.Buffer
	err := submitAndWait(context.Background(), srv.Client(), submitOptions{
		Server:   srv.URL + "/",
		URL:      "https://example.com",
		Interval: 5 * time.Millisecond,
		MaxWait:  5 * time.Second,
	}, &out, nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), polls.Load())

	var env map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &env))
	require.Equal(t, "success", env["status"])
	require.Contains(t, out.String(), "\n  \"url\"")
}

func TestSubmitAndWaitFailed(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, "failed", 0)
	var out bytes.Buffer
	err := submitAndWait(context.Background(), srv.Client(), submitOptions{
		Server:   srv.URL,
		URL:      "https://example.com",
		Interval: 5 * time.Millisecond,
		MaxWait:  5 * time.Second,
	}, &out, nil)
	require.ErrorIs(t, err, ErrTaskFailed)
	require.Contains(t, err.Error(), "fetch failed")
	require.Zero(t, out.Len())
}

func TestSubmitAndWaitTimesOut(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, "completed", 1<<30)
	err := submitAndWait(context.Background(), srv.Client(), submitOptions{
		Server:   srv.URL,
		URL:      "https://example.com",
		Interval: 5 * time.Millisecond,
		MaxWait:  50 * time.Millisecond,
	}, &bytes.Buffer{}, nil)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, "completed", 0)
	err := submitAndWait(context.Background(), srv.Client(), submitOptions{
		Server:   srv.URL,
		Interval: 5 * time.Millisecond,
	}, &bytes.Buffer{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
	require.Contains(t, err.Error(), "URL is required")
	require.False(t, errors.Is(err, ErrTaskFailed))
}

func TestDefaultServerURL(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadWith(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:5000", defaultServerURL(cfg))

	cfg.Server.Host = "10.0.0.5"
	cfg.Server.Port = 8080
	require.Equal(t, "http://10.0.0.5:8080", defaultServerURL(cfg))
}

func TestBindFlagsOnlyChanged(t *testing.T) {
	t.Parallel()

	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "7000"}))

	v := viper.New()
	require.NoError(t, bindFlags(v, cmd.Flags(), bindingsFor(cmd)))
	cfg, err := config.LoadWith(v, "")
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Server.Port)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
}
