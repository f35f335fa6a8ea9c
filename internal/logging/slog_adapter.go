package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler implements slog.Handler on top of the global zerolog logger.
// It exists so that libraries requiring a *slog.Logger — notably
// github.com/thejerf/sutureslog, which the node package uses to bridge its
// suture tree's event stream into the structured logger — log through
// the same structured sink as the rest of nexus.
type SlogHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
}

// NewSlogHandler wraps the current global logger.
func NewSlogHandler() *SlogHandler {
	return &SlogHandler{logger: Logger()}
}

func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.GetLevel() <= slogToZerologLevel(level)
}

func (h *SlogHandler) Handle(_ context.Context, record slog.Record) error {
	evt := h.logger.WithLevel(slogToZerologLevel(record.Level))
	for _, a := range h.attrs {
		evt = evt.Interface(a.Key, a.Value.Any())
	}
	record.Attrs(func(a slog.Attr) bool {
		evt = evt.Interface(a.Key, a.Value.Any())
		return true
	})
	evt.Msg(record.Message)
	return nil
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &SlogHandler{logger: h.logger, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
	return next
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; nexus's envelopes are shallow enough that this
	// loses no information in practice.
	return h
}

func slogToZerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
