// SPDX-License-Identifier: MIT

package controlplane

import (
	"context"
	"log/slog"
	"time"
)

// DefaultHeartbeatInterval is the default cadence for heartbeats.
const DefaultHeartbeatInterval = 60 * time.Second

// Heartbeater periodically tells the control plane the agent is alive.
// Failures are logged and never fatal: a missed heartbeat is a
// monitoring concern, not a reason to stop supervising streams.
type Heartbeater struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

// NewHeartbeater creates the heartbeat loop service.
func NewHeartbeater(client *Client, interval time.Duration, logger *slog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeater{client: client, interval: interval, logger: logger}
}

// Serve sends one heartbeat immediately, then every interval until ctx
// is cancelled. Implements the suture service contract.
func (h *Heartbeater) Serve(ctx context.Context) error {
	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	if err := h.client.SendHeartbeat(ctx); err != nil {
		h.logger.Warn("heartbeat failed", "error", err)
	}
}
