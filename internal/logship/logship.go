// SPDX-License-Identifier: MIT

// Package logship batches agent log records and ships them to the
// control plane.
//
// The Handler tees slog records into a bounded in-memory queue; the
// Shipper drains that queue as JSON batches. Shipping is best-effort:
// when the control plane is unreachable the queue fills to its memory
// bound and the oldest entries are dropped, the agent never blocks on
// its own logging.
package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Config tunes the shipper.
type Config struct {
	// Endpoint is the full logs URL, typically
	// {base}/api/v1/padel-grounds/{groundId}/logs.
	Endpoint string

	// GroundID is echoed in every batch payload.
	GroundID string

	// BatchSize is the maximum entries per POST. Default 100.
	BatchSize int

	// BatchInterval is the flush cadence. Default 10 s.
	BatchInterval time.Duration

	// MaxMemoryUsage bounds the queued entries' approximate byte size;
	// oldest entries are dropped past it. Default 1 MiB.
	MaxMemoryUsage int

	// RetryAttempts is how many times one batch POST is tried. Default 3.
	RetryAttempts int

	// RetryDelay separates attempts. Default 2 s.
	RetryDelay time.Duration

	// HTTPClient defaults to a 15 s timeout client.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 10 * time.Second
	}
	if c.MaxMemoryUsage <= 0 {
		c.MaxMemoryUsage = 1 << 20
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
}

// Entry is one shipped log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

func (e Entry) approxSize() int {
	n := len(e.Message) + len(e.Level) + 48
	for k, v := range e.Attrs {
		n += len(k) + len(fmt.Sprint(v)) + 8
	}
	return n
}

// Shipper owns the queue and the flush loop.
type Shipper struct {
	cfg    Config
	logger *slog.Logger // local-only; must not route back through the shipping handler

	mu    sync.Mutex
	queue []Entry
	bytes int
	drops int
}

// NewShipper creates a shipper. logger must be a handler that does NOT
// ship (stderr or file), or every failed flush would feed the queue.
func NewShipper(cfg Config, logger *slog.Logger) *Shipper {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Shipper{cfg: cfg, logger: logger}
}

// Enqueue adds one entry, dropping the oldest entries when the memory
// bound is exceeded. Safe for concurrent use.
func (s *Shipper) Enqueue(e Entry) {
	size := e.approxSize()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, e)
	s.bytes += size
	for s.bytes > s.cfg.MaxMemoryUsage && len(s.queue) > 1 {
		s.bytes -= s.queue[0].approxSize()
		s.queue = s.queue[1:]
		s.drops++
	}
}

// QueueLen reports the current queue depth.
func (s *Shipper) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Serve flushes on the batch interval until ctx is cancelled, then
// performs one final best-effort flush. Implements the suture service
// contract.
func (s *Shipper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush drains the queue in batches of BatchSize. A batch that fails
// all retry attempts is re-queued at the front and the flush stops;
// later entries wait for the next cycle so ordering is preserved.
func (s *Shipper) Flush(ctx context.Context) {
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			return
		}
		if err := s.post(ctx, batch); err != nil {
			s.logger.Warn("log batch delivery failed, requeueing",
				"entries", len(batch), "error", err)
			s.requeue(batch)
			return
		}
	}
}

func (s *Shipper) takeBatch() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]Entry, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	for _, e := range batch {
		s.bytes -= e.approxSize()
	}
	return batch
}

func (s *Shipper) requeue(batch []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(batch, s.queue...)
	for _, e := range batch {
		s.bytes += e.approxSize()
	}
	for s.bytes > s.cfg.MaxMemoryUsage && len(s.queue) > 1 {
		s.bytes -= s.queue[0].approxSize()
		s.queue = s.queue[1:]
		s.drops++
	}
}

type batchPayload struct {
	GroundID string  `json:"groundId"`
	Logs     []Entry `json:"logs"`
}

func (s *Shipper) post(ctx context.Context, batch []Entry) error {
	body, err := json.Marshal(batchPayload{GroundID: s.cfg.GroundID, Logs: batch})
	if err != nil {
		return fmt.Errorf("failed to encode log batch: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build log request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.cfg.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("log endpoint returned status %d", resp.StatusCode)
	}
	return lastErr
}
