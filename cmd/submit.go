package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/config"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxWait      = 120 * time.Second
	submitTimeout       = 10 * time.Second
)

// ErrTaskFailed reports a task that ended in the failed state.
var ErrTaskFailed = errors.New("task failed")

// ErrWaitTimeout reports a task that did not finish within the wait budget.
var ErrWaitTimeout = errors.New("timed out waiting for task")

// submitOptions drives one submit-and-wait round trip.
type submitOptions struct {
	Server   string
	URL      string
	Interval time.Duration
	MaxWait  time.Duration
	Output   string
}

type submitResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type statusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func newSubmitCmd() *cobra.Command {
	opts := submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Submit a URL to the scrape tier and print the result.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			opts.URL = args[0]
			if opts.Server == "" {
				opts.Server = defaultServerURL(rt.cfg)
			}

			out := cmd.OutOrStdout()
			if opts.Output != "" {
				if !strings.HasSuffix(opts.Output, ".json") {
					opts.Output += ".json"
				}
				f, err := os.Create(opts.Output)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			rt.logger.Info("submitting url", zap.String("server", opts.Server), zap.String("url", opts.URL))
			client := &http.Client{}
			if err := submitAndWait(cmd.Context(), client, opts, out, rt.logger); err != nil {
				return err
			}
			if opts.Output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "result saved to %s\n", opts.Output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Server, "server", "s", "", "base URL of the scrape tier (defaults to the configured server address)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", defaultPollInterval, "status polling interval")
	cmd.Flags().DurationVar(&opts.MaxWait, "max-wait", defaultMaxWait, "how long to wait for the task to finish")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the result JSON to this file")
	return cmd
}

// defaultServerURL derives the client URL from the serve tier's listen address.
func defaultServerURL(cfg config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

// submitAndWait posts the URL, polls its status until it settles and writes
// the indented result envelope to out.
func submitAndWait(ctx context.Context, client *http.Client, opts submitOptions, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(opts.Server, "/")
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}

	taskID, err := submitURL(ctx, client, base, opts.URL)
	if err != nil {
		return err
	}
	logger.Info("task submitted", zap.String("task_id", taskID))

	waitCtx := ctx
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		status, err := fetchStatus(waitCtx, client, base, taskID)
		if err != nil && waitCtx.Err() == nil {
			return err
		}
		if err == nil {
			logger.Debug("task status", zap.String("task_id", taskID), zap.String("status", status.Status))
			switch status.Status {
			case "completed":
				return writeResult(ctx, client, base, taskID, out)
			case "failed":
				return fmt.Errorf("%w: %s", ErrTaskFailed, status.Error)
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w %s after %s", ErrWaitTimeout, taskID, opts.MaxWait)
		case <-ticker.C:
		}
	}
}

func submitURL(ctx context.Context, client *http.Client, base, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"url": target})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/scrape", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", unexpectedStatus("submit", resp)
	}
	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.TaskID == "" {
		return "", errors.New("submit response missing task_id")
	}
	return sr.TaskID, nil
}

func fetchStatus(ctx context.Context, client *http.Client, base, taskID string) (statusResponse, error) {
	var sr statusResponse
	resp, err := get(ctx, client, base+"/status/"+taskID)
	if err != nil {
		return sr, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sr, unexpectedStatus("status", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return sr, fmt.Errorf("decode status response: %w", err)
	}
	return sr, nil
}

func writeResult(ctx context.Context, client *http.Client, base, taskID string, out io.Writer) error {
	resp, err := get(ctx, client, base+"/result/"+taskID)
	if err != nil {
		return fmt.Errorf("result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus("result", resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func unexpectedStatus(op string, resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
	if payload.Error != "" {
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
}
