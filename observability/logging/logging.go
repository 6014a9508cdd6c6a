package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig enables log rotation to a file in addition to stdout.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type options struct {
	writer io.Writer
	file   *FileConfig
	level  slog.Level
}

// Option customises Setup.
type Option func(*options)

// WithFile tees log output into a rotated file.
func WithFile(cfg FileConfig) Option {
	return func(o *options) {
		if strings.TrimSpace(cfg.Path) == "" {
			return
		}
		c := cfg
		o.file = &c
	}
}

// WithWriter replaces stdout as the primary sink.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.writer = w
		}
	}
}

// WithLevel sets the minimum level emitted. Unknown names leave the default.
func WithLevel(name string) Option {
	return func(o *options) {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(name))); err == nil {
			o.level = lvl
		}
	}
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided, and sensitive keys
// are masked before they reach any sink.
func Setup(service, env string, opts ...Option) *slog.Logger {
	o := options{writer: os.Stdout, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&o)
	}
	out := o.writer
	if o.file != nil {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   o.file.Path,
			MaxSize:    o.file.MaxSizeMB,
			MaxBackups: o.file.MaxBackups,
			MaxAge:     o.file.MaxAgeDays,
			Compress:   o.file.Compress,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: o.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return Redact(attr)
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
