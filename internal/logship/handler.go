// SPDX-License-Identifier: MIT

package logship

import (
	"context"
	"log/slog"
)

// Handler is an slog.Handler that forwards records to an inner handler
// and tees them into a Shipper's queue.
type Handler struct {
	inner   slog.Handler
	shipper *Shipper
	attrs   []slog.Attr
	group   string
}

// NewHandler wraps inner so every record it accepts is also queued on
// shipper.
func NewHandler(inner slog.Handler, shipper *Shipper) *Handler {
	return &Handler{inner: inner, shipper: shipper}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
	}

	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			h.put(e.Attrs, a)
		}
		r.Attrs(func(a slog.Attr) bool {
			h.put(e.Attrs, a)
			return true
		})
	}
	h.shipper.Enqueue(e)

	return h.inner.Handle(ctx, r)
}

func (h *Handler) put(dst map[string]any, a slog.Attr) {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	dst[key] = a.Value.Resolve().Any()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{
		inner:   h.inner.WithAttrs(attrs),
		shipper: h.shipper,
		attrs:   merged,
		group:   h.group,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{
		inner:   h.inner.WithGroup(name),
		shipper: h.shipper,
		attrs:   h.attrs,
		group:   group,
	}
}
