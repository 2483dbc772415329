package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const prettyTimeFormat = "2006/01/02 15:04:05"

// ParseLogLevel maps the configured level name to a slog level. Unknown names fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLoggingHandler builds the handler for the given level and format, json takes precedence over pretty.
func GetLoggingHandler(w io.Writer, level string, pretty, json bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}

	switch {
	case json:
		return slog.NewJSONHandler(w, opts)
	case pretty:
		return NewPrettyHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// SetupLogging installs the global logger. Everything is written to stderr.
func SetupLogging(level string, pretty, json bool) {
	slog.SetDefault(slog.New(GetLoggingHandler(os.Stderr, level, pretty, json)))
}

// PrettyHandler writes one human-readable line per record: time, padded level, message and key=value attributes.
type PrettyHandler struct {
	level     slog.Leveler
	groups    string // group names, each followed by a dot
	preformat string // attributes added via WithAttrs, with a leading space

	mu *sync.Mutex
	w  io.Writer
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}

	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	clone.groups = h.groups + name + "."
	return &clone
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var buf []byte
	for _, a := range attrs {
		buf = appendPrettyAttr(buf, h.groups, a)
	}

	clone := *h
	clone.preformat = h.preformat + string(buf)
	return &clone
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf []byte
	if !r.Time.IsZero() {
		buf = r.Time.AppendFormat(buf, prettyTimeFormat)
		buf = append(buf, ' ')
	}

	// INFO and WARN are one character shorter than DEBUG and ERROR
	buf = fmt.Appendf(buf, "%-5s ", r.Level.String())
	buf = append(buf, r.Message...)
	buf = append(buf, h.preformat...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendPrettyAttr(buf, h.groups, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func appendPrettyAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}

	if a.Value.Kind() != slog.KindGroup {
		return fmt.Appendf(buf, " %s%s=%v", prefix, a.Key, a.Value.Any())
	}

	if a.Key != "" {
		prefix += a.Key + "."
	}
	for _, ga := range a.Value.Group() {
		buf = appendPrettyAttr(buf, prefix, ga)
	}
	return buf
}
