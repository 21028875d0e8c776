package worker

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName tags every log line.
const ServiceName = "balanced-plate"

// NewLogger creates the process logger. level is debug, info, warn or error (info otherwise);
// format "json" selects JSON output, anything else text. Every record carries the service name
// and the run mode, so worker and server lines can be told apart in a shared sink.
func NewLogger(level, format, mode string) *slog.Logger {
	return newLogger(os.Stdout, level, format, mode)
}

func newLogger(w io.Writer, level, format, mode string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With("service", ServiceName, "mode", mode)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
