// SPDX-License-Identifier: MIT

package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRetryInterval is the base delay between SSE reconnect
	// attempts before exponential growth.
	DefaultRetryInterval = time.Second

	// DefaultMaxRetries bounds consecutive failed reconnect attempts.
	DefaultMaxRetries = 10

	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 30 * time.Second
)

// ErrSSEExhausted is returned by Serve once the reconnect budget is
// spent. It is a permanent failure: the agent should stop.
var ErrSSEExhausted = errors.New("sse subscription permanently failed")

// Client holds the SSE subscription and the notification calls against
// one control plane.
type Client struct {
	baseURL  string
	groundID string
	handler  Handler
	logger   *slog.Logger

	retryInterval time.Duration
	maxRetries    int
	notifyBase    time.Duration // go-live backoff base, shrunk in tests

	httpClient *http.Client // notifications, bounded timeout
	sseClient  *http.Client // streaming, no timeout

	connected atomic.Bool
	resetReq  atomic.Bool

	mu           sync.Mutex
	cancelStream context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithRetryInterval sets the base SSE reconnect delay.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// WithMaxRetries sets the SSE reconnect attempt budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithHTTPClient replaces the notification HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a control-plane client. handler receives validated
// events in arrival order; it must not block for long, the SSE reader
// is single-threaded.
func NewClient(baseURL, groundID string, handler Handler, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		groundID:      groundID,
		handler:       handler,
		logger:        slog.Default(),
		retryInterval: DefaultRetryInterval,
		maxRetries:    DefaultMaxRetries,
		notifyBase:    time.Second,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		sseClient:     &http.Client{}, // no timeout: the body is a long-lived stream
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether the SSE subscription is currently live.
func (c *Client) Connected() bool { return c.connected.Load() }

// Reconnect resets the attempt counter and forces the current stream to
// rebind. Safe to call from any goroutine; a no-op when Serve is not
// running.
func (c *Client) Reconnect() {
	c.resetReq.Store(true)
	c.mu.Lock()
	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.mu.Unlock()
}

// Serve runs the SSE subscription until ctx is cancelled or the
// reconnect budget is exhausted (ErrSSEExhausted). Implements the
// suture service contract.
func (c *Client) Serve(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streamCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancelStream = cancel
		c.mu.Unlock()

		delivered, err := c.consume(streamCtx)
		cancel()
		c.connected.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.resetReq.Swap(false) {
			c.logger.Info("sse reconnect requested, rebinding")
			attempt = 0
			continue
		}
		if delivered {
			// The stream was established before it dropped; start the
			// backoff schedule over.
			attempt = 0
		}

		attempt++
		if attempt > c.maxRetries {
			return fmt.Errorf("%w: %d attempts, last error: %v", ErrSSEExhausted, c.maxRetries, err)
		}

		delay := reconnectDelay(attempt, c.retryInterval)
		c.logger.Warn("sse stream failed, retrying",
			"attempt", attempt, "max", c.maxRetries, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnectDelay computes the backoff for attempt N (1-based):
// retryInterval * 2^(N-1), capped at 30 s.
func reconnectDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// consume opens the stream and reads frames until it breaks. The bool
// result reports whether the subscription was established at all.
func (c *Client) consume(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/padel-grounds/%s/events", c.baseURL, c.groundID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.sseClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("sse connect failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("sse endpoint returned status %d", resp.StatusCode)
	}

	c.connected.Store(true)
	c.logger.Info("sse subscription established", "url", url)

	var dataBuf bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16*1024), 512*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			// Blank line terminates one event.
			if dataBuf.Len() > 0 {
				c.dispatch(dataBuf.Bytes())
				dataBuf.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"),
			strings.HasPrefix(line, "retry:"), strings.HasPrefix(line, ":"):
			// Framing fields and comments we don't act on.
		}
	}

	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("sse stream read failed: %w", err)
	}
	return true, errors.New("sse stream closed by server")
}

func (c *Client) dispatch(data []byte) {
	ev, ok := parseEvent(data)
	if !ok {
		c.logger.Warn("dropping malformed control-plane event", "payload", string(data))
		return
	}
	if c.handler != nil {
		c.handler(ev)
	}
}
