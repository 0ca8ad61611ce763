package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

// Webhook POSTs the task payload as JSON to a fixed URL and records the
// decoded response body as the execution result.
//
// Retry mapping:
//   - 2xx: success
//   - 429: retryable, honoring Retry-After when present
//   - other 4xx: permanent failure (NoRetry)
//   - 5xx and transport errors: retryable
type Webhook struct {
	URL    string
	Client *http.Client
	Log    logx.Logger
}

func NewWebhook(url string, log logx.Logger) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
		Log:    log,
	}
}

func (w *Webhook) Execute(ctx context.Context, payload task.Payload) (any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NoRetry(fmt.Errorf("encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return nil, NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	// Cap the response read; results land in history and should stay small.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("webhook read body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result any
		if len(raw) > 0 && json.Unmarshal(raw, &result) == nil {
			return result, nil
		}
		return string(raw), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("webhook rate limited: %s", resp.Status)
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return nil, RetryAfter(err, after)
		}
		return nil, err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, NoRetry(fmt.Errorf("webhook rejected: %s", resp.Status))
	default:
		return nil, fmt.Errorf("webhook failed: %s", resp.Status)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
