// Package logging provides structured logging for pwnat.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelForVerbosity maps a repeated -v count onto a level name. Zero keeps
// base; one or more selects debug.
func LevelForVerbosity(base string, verbosity int) string {
	if verbosity > 0 {
		return "debug"
	}
	return base
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyClientID   = "client_id"
	KeyFlowID     = "flow_id"
	KeyClientPort = "client_port"
	KeySocket     = "socket"
	KeyAddress    = "address"
	KeyRemoteHost = "remote_host"
	KeyRemotePort = "remote_port"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyMode       = "mode"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyLocalPort  = "local_port"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyBytes      = "bytes"
)
