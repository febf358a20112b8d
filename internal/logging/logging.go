// Package logging configures structured logging for the recon commands.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// RegisterFlags adds --log-fmt and --log-level to fs, bound to format and
// level.
func RegisterFlags(fs *pflag.FlagSet, format, level *string) {
	fs.StringVar(format, "log-fmt", *format, "log format: console, json or logfmt")
	fs.StringVar(level, "log-level", *level, "minimum log level: debug, info, warn or error")
}

// Init builds a logger writing to stderr and installs it as the slog
// default.
func Init(format, level string) (*slog.Logger, error) {
	logger, err := New(os.Stderr, format, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// New builds a logger writing to w.
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := Level(level)
	if err != nil {
		return nil, err
	}
	handler, err := Handler(w, format, &slog.HandlerOptions{Level: lvl})
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

// Level maps a log-level flag value to a slog.Level.
func Level(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log-level %q: expected debug, info, warn, or error", level)
	}
}

// Handler returns a slog.Handler for the given format. The console format
// is colored only when w is a terminal.
func Handler(w io.Writer, format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "console":
		return tint.NewHandler(w, &tint.Options{
			AddSource:  opts.AddSource,
			Level:      opts.Level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(w),
		}), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "logfmt":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log-fmt %q: expected console, json or logfmt", format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Bytes is a human-readable size attribute.
func Bytes(key string, n int64) slog.Attr {
	if n < 0 {
		n = 0
	}
	return slog.String(key, humanize.IBytes(uint64(n)))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
