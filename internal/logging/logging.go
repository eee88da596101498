// Package logging provides structured logging setup with colored
// terminal output (via tint), a rotating JSON file log, and
// runtime-adjustable log levels.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level. It can be changed at runtime
// without restarting the process.
var Level = new(slog.LevelVar) // default: INFO

// Setup initializes the global slog logger for console output. When
// stderr is a TTY it uses tint for colored output; otherwise it falls
// back to JSON for structured log aggregation.
func Setup() {
	slog.SetDefault(slog.New(consoleHandler()))
}

// SetupDaemon initializes the global slog logger for the gateway
// daemon: line-delimited JSON appended to logPath with size-based
// rotation, optionally mirrored to the console handler. The returned
// closer flushes and closes the log file.
func SetupDaemon(logPath string, maxBytes int64, maxFiles int, mirror bool) (func() error, error) {
	w, err := NewRotatingWriter(logPath, maxBytes, maxFiles)
	if err != nil {
		return nil, err
	}

	fileHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level})

	var handler slog.Handler = fileHandler
	if mirror {
		handler = multiHandler{fileHandler, consoleHandler()}
	}
	slog.SetDefault(slog.New(handler))

	return w.Close, nil
}

func consoleHandler() slog.Handler {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: Level})
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// ParseLevel converts a string like "debug", "info", "warn", "error"
// to the corresponding slog.Level. It is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
