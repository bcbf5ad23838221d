// SPDX-License-Identifier: MIT

package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// goLiveMaxAttempts bounds retries of the go-live notification.
const goLiveMaxAttempts = 5

// StatusError is a non-2xx response from the control plane.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane returned status %d", e.StatusCode)
}

// retryable reports whether the status is a server-side failure worth
// retrying. 4xx responses are returned to the caller as-is.
func (e *StatusError) retryable() bool { return e.StatusCode >= 500 }

// GoLiveYouTube notifies the control plane that a court's stream is
// live. Server errors are retried up to five times with jittered
// exponential backoff (base 1 s, factor 2, ±50 %); 4xx responses are
// returned without retry.
func (c *Client) GoLiveYouTube(ctx context.Context, courtID, streamKey string) error {
	url := fmt.Sprintf("%s/api/v1/padel-grounds/%s/courts/%s/go-live/%s",
		c.baseURL, c.groundID, courtID, streamKey)

	var lastErr error
	for attempt := 1; attempt <= goLiveMaxAttempts; attempt++ {
		lastErr = c.getOnce(ctx, url)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && !se.retryable() {
			return lastErr
		}
		if attempt == goLiveMaxAttempts {
			break
		}

		delay := jitteredDelay(c.notifyBase, attempt)
		c.logger.Warn("go-live notification failed, retrying",
			"court", courtID, "attempt", attempt, "delay", delay, "error", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("go-live notification failed after %d attempts: %w", goLiveMaxAttempts, lastErr)
}

// SendHeartbeat posts a single heartbeat. The caller owns the cadence.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"groundId": c.groundID})
	if err != nil {
		return err
	}

	url := c.baseURL + "/api/v1/padel-grounds/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) getOnce(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// jitteredDelay is base * 2^(attempt-1) with ±50 % uniform jitter.
func jitteredDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	// Uniform in [0.5d, 1.5d).
	return d/2 + time.Duration(rand.Float64()*float64(d))
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
