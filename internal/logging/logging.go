// Package logging builds the *slog.Logger warden runs with, selecting
// between a JSON handler and a syslog handler according to the CLI flags
// spec.md §6 defines (-s/--syslog, -q/--quiet), the way the teacher's
// cmd/agent/main.go:newLogger picks a handler from cfg.LogLevel. Neither
// handler emits colour, so -C/--no-color is accepted and has no effect.
//
//go:build linux

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
)

// Options controls handler selection, mirroring nyx_t.options from
// original_source/src/nyx.c (quiet, no_color) plus the syslog flag spec.md
// §6 adds to the CLI surface.
type Options struct {
	// Level is the minimum severity to emit ("debug", "info", "warn",
	// "error"). Empty defaults to "info".
	Level string

	// Quiet restricts output to errors only, overriding Level, mirroring
	// nyx->options.quiet.
	Quiet bool

	// Syslog routes records through the system logger instead of stderr.
	Syslog bool

	// NoColor is accepted for CLI-surface compatibility with
	// nyx->options.no_color; slog's handlers here never colourise output,
	// so it has no additional effect beyond being a recognised flag.
	NoColor bool
}

// New builds a *slog.Logger per Options. Syslog failures are not fatal: the
// logger falls back to stderr JSON and logs the fallback itself, matching
// spec.md §7's rule that logging-backend failures are not configuration
// errors that should abort the process.
func New(opts Options) *slog.Logger {
	level := parseLevel(opts.Level)
	if opts.Quiet {
		level = slog.LevelError
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.Syslog {
		writer, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "warden")
		if err == nil {
			logger := slog.New(newSyslogHandler(writer, handlerOpts))
			return logger
		}
		fallback := slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
		fallback.Warn("failed to open syslog, falling back to stderr", slog.Any("error", err))
		return fallback
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// syslogHandler adapts log/syslog.Writer to slog.Handler, since the standard
// library does not ship one. Each record is formatted as a single
// "key=value" line and routed to the syslog priority matching its level; no
// suitable third-party slog-to-syslog bridge was found anywhere in the
// example pack (see DESIGN.md), so this is a deliberate, minimal use of the
// standard library's own syslog client.
type syslogHandler struct {
	writer *syslog.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	group  string
}

func newSyslogHandler(w *syslog.Writer, opts *slog.HandlerOptions) *syslogHandler {
	h := &syslogHandler{writer: w}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	line := formatLine(h.group, h.attrs, r)

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group = clone.group + "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func formatLine(group string, attrs []slog.Attr, r slog.Record) string {
	line := r.Message
	for _, a := range attrs {
		line += " " + formatAttr(group, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += " " + formatAttr(group, a)
		return true
	})
	return line
}

func formatAttr(group string, a slog.Attr) string {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value.Any())
}
