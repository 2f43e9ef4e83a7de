// Package logging builds the process logger: a human-readable console
// handler and a JSON file handler, each gated by its own verbosity
// threshold, fanned out behind a handler that stamps the active run id
// onto every record.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/noamsalit/Log-analysis-agent/internal/observability"
)

// LevelTrace sits below Debug for step-by-step reasoning traces,
// mirroring the TRACE level of classic logging stacks.
const LevelTrace = slog.Level(-8)

// Options configures Setup. Console and file thresholds are independent
// so an operator can keep a quiet terminal while the log file captures
// full detail.
type Options struct {
	ConsoleLevel slog.Level
	FileLevel    slog.Level
	Dir          string
	File         string
	ConsoleOut   io.Writer // defaults to os.Stderr
}

// Setup returns the configured logger and a close function for the log
// file. The file handler is optional: with an empty file name only the
// console handler is installed.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	consoleOut := opts.ConsoleOut
	if consoleOut == nil {
		consoleOut = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(consoleOut, &slog.HandlerOptions{
			Level:       opts.ConsoleLevel,
			ReplaceAttr: replaceLevelNames,
		}),
	}

	closeFile := func() error { return nil }
	if opts.File != "" {
		dir := opts.Dir
		if dir == "" {
			dir = "logs"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory %q: %w", dir, err)
		}
		path := filepath.Join(dir, opts.File)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", path, err)
		}
		closeFile = file.Close
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{
			Level:       opts.FileLevel,
			ReplaceAttr: replaceLevelNames,
		}))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = newFanoutHandler(handlers...)
	}

	logger := slog.New(observability.NewRunLogHandler(handler))
	return logger, closeFile, nil
}

// replaceLevelNames renders the custom trace level as TRACE instead of
// slog's DEBUG-4.
func replaceLevelNames(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key != slog.LevelKey {
		return attr
	}
	level, ok := attr.Value.Any().(slog.Level)
	if !ok || level != LevelTrace {
		return attr
	}
	attr.Value = slog.StringValue("TRACE")
	return attr
}
