// Package logger provides the process-wide slog logger of a mint peer.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	level slog.LevelVar // level is the minimum level written by every Handler
	once  sync.Once
)

// Init installs a Handler on stdout as the slog default. Later calls are no-ops.
func Init() {
	once.Do(func() {
		slog.SetDefault(slog.New(NewHandler(os.Stdout)))
	})
}

// SetLevel changes the minimum level at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a flag value such as "debug" or "warn" to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug", "dbg":
		return slog.LevelDebug, nil
	case "info", "inf", "":
		return slog.LevelInfo, nil
	case "warn", "wrn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	}

	return 0, fmt.Errorf("unknown log level %q", s)
}

// sink is the writer shared by a Handler and its derived handlers.
type sink struct {
	out io.Writer  // out receives formatted lines
	mu  sync.Mutex // mu keeps lines whole
}

// Handler writes one line per record with millisecond timestamps:
//
//	2024-01-15 14:30:45.123 [INF] message key=value
type Handler struct {
	sink  *sink       // sink is shared with derived handlers
	attrs []slog.Attr // attrs are prepended by With
	group string      // group prefixes attribute keys
}

// NewHandler creates a handler writing to out.
func NewHandler(out io.Writer) *Handler {
	return &Handler{sink: &sink{out: out}}
}

// Enabled reports whether l reaches the minimum level.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s [%s] %s", r.Time.Format("2006-01-02 15:04:05.000"), levelString(r.Level), r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}

	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})

	b.WriteByte('\n')

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	_, err := io.WriteString(h.sink.out, b.String())

	return err
}

// WithAttrs returns a handler that writes attrs on every line.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	out.attrs = append(out.attrs, h.attrs...)

	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}

		out.attrs = append(out.attrs, a)
	}

	return &out
}

// WithGroup returns a handler that prefixes later keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	out := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	out.group = name

	return &out
}

// writeAttr appends " key=value", flattening groups.
func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, sub := range a.Value.Group() {
			writeAttr(b, key, sub)
		}

		return
	}

	fmt.Fprintf(b, " %s=%v", key, a.Value)
}

// levelString returns a short string for the log level.
func levelString(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
