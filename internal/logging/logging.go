package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	// Output is "stdout" or "stderr". Command output goes to stdout, so stderr keeps tables clean.
	Output string `mapstructure:"output"`
}

// Field is a static key/value stamped on every entry, such as the deployment environment.
type Field struct {
	Key   string
	Value string
}

// NewLogger constructs a zerolog logger from config.
func NewLogger(cfg Config, fields ...Field) zerolog.Logger {
	return NewLoggerTo(cfg, outputStream(cfg.Output), fields...)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(cfg Config, out io.Writer, fields ...Field) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	logger := zerolog.New(logWriter(cfg, out)).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}
	for _, f := range fields {
		if f.Value != "" {
			builder = builder.Str(f.Key, f.Value)
		}
	}

	return builder.Logger()
}

func outputStream(name string) io.Writer {
	if strings.EqualFold(name, "stdout") {
		return os.Stdout
	}
	return os.Stderr
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
			NoColor:    out != os.Stdout && out != os.Stderr,
		}
	}
	return out
}
