package telemetry

import (
	"context"
	"log/slog"
)

// LogBridge wraps an slog.Handler and mirrors every record to an
// Emitter as a LOG event, subject to the same non-blocking,
// drop-when-disconnected guarantees as any other emitted event. Log
// handling itself is never affected by the emitter's state: next's
// Handle always runs.
type LogBridge struct {
	next    slog.Handler
	emitter *Emitter
}

// NewLogBridge wraps next so its records are also mirrored to emitter.
func NewLogBridge(next slog.Handler, emitter *Emitter) *LogBridge {
	return &LogBridge{next: next, emitter: emitter}
}

func (h *LogBridge) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogBridge) Handle(ctx context.Context, r slog.Record) error {
	err := h.next.Handle(ctx, r)

	data := map[string]any{
		"level":   r.Level.String(),
		"message": r.Message,
	}
	fields := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "correlation_id" {
			data["correlation_id"] = a.Value.String()
			return true
		}
		fields[a.Key] = a.Value.Any()
		return true
	})
	if len(fields) > 0 {
		data["context"] = fields
	}

	h.emitter.Emit("LOG", data)
	return err
}

func (h *LogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogBridge{next: h.next.WithAttrs(attrs), emitter: h.emitter}
}

func (h *LogBridge) WithGroup(name string) slog.Handler {
	return &LogBridge{next: h.next.WithGroup(name), emitter: h.emitter}
}
