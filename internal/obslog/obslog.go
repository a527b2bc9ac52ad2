// Package obslog configures the process-wide slog default logger, JSON or
// console formatted. No OTLP exporters: the daemon has no business assuming
// a collector is reachable from a game server host.
package obslog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Config controls the global logger's behavior.
type Config struct {
	ServiceName string
	Level       slog.Level
	JSONFormat  bool
	Writer      io.Writer // default: os.Stdout
}

// Configure installs the global slog default logger. Call once at
// process startup, before any package logs.
func Configure(cfg Config) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mapd"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = &jsonHandler{cfg: cfg, w: cfg.Writer, level: cfg.Level, mu: &sync.Mutex{}}
	} else {
		handler = &consoleHandler{cfg: cfg, w: cfg.Writer, level: cfg.Level, mu: &sync.Mutex{}}
	}

	slog.SetDefault(slog.New(handler))
}

// Get returns a *slog.Logger with name attached as the "logger" attribute.
func Get(name string) *slog.Logger {
	return slog.Default().With("logger", name)
}

// ParseLevel maps the four conventional level names to a slog.Level,
// defaulting to Info on anything unrecognized.
func ParseLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type jsonHandler struct {
	cfg   Config
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	mu    *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	m := make(map[string]any, 8+len(h.attrs))
	m["timestamp"] = r.Time.Format(time.RFC3339Nano)
	m["severity"] = r.Level.String()
	m["message"] = r.Message
	m["service"] = h.cfg.ServiceName

	for _, a := range h.attrs {
		m[a.Key] = resolveAttrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = resolveAttrValue(a.Value)
		return true
	})

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = fmt.Fprintf(h.w, "%s\n", data)
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &jsonHandler{cfg: h.cfg, w: h.w, level: h.level, attrs: append(cloneAttrs(h.attrs), attrs...), mu: h.mu}
}

func (h *jsonHandler) WithGroup(_ string) slog.Handler { return h }

type consoleHandler struct {
	cfg   Config
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	mu    *sync.Mutex
}

func (h *consoleHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var kv string
	for _, a := range h.attrs {
		kv += " " + a.Key + "=" + a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		kv += " " + a.Key + "=" + a.Value.String()
		return true
	})

	line := fmt.Sprintf("%s - [%s] %s - %s%s\n",
		r.Time.Format(time.RFC3339), h.cfg.ServiceName, r.Level.String(), r.Message, kv)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{cfg: h.cfg, w: h.w, level: h.level, attrs: append(cloneAttrs(h.attrs), attrs...), mu: h.mu}
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler { return h }

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]slog.Attr, len(attrs))
	copy(out, attrs)
	return out
}

func resolveAttrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = resolveAttrValue(a.Value)
		}
		return m
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	default:
		return v.String()
	}
}
