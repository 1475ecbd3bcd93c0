package events

import (
	"context"
	"log/slog"
)

// LogHandler wraps an slog.Handler and additionally publishes records at
// or above Warn onto the bus as LOG_ENTRY events, so API clients see the
// same warnings the operator sees in the process log.
type LogHandler struct {
	inner slog.Handler
	bus   *Bus
}

// NewLogHandler wraps inner with bus forwarding.
func NewLogHandler(inner slog.Handler, bus *Bus) *LogHandler {
	return &LogHandler{inner: inner, bus: bus}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		attrs := make(map[string]any, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value.Any()
			return true
		})
		h.bus.Publish(Event{Type: TypeLogEntry, Data: map[string]any{
			"level":   r.Level.String(),
			"message": r.Message,
			"attrs":   attrs,
		}})
	}
	return h.inner.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name), bus: h.bus}
}
