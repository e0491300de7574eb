// Package logging configures the zerolog loggers used across realmgate.
//
// A single root logger is built from [Config] at startup. Components derive
// child loggers with [Component] and attach error context with [WithError],
// which lifts the machine-readable code out of platform errors so log
// pipelines can alert on it directly.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Level is a zerolog level name.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the log encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config holds the logging configuration.
type Config struct {
	Level       Level  `json:"level" yaml:"level" env:"LEVEL" envDefault:"info"`
	Format      Format `json:"format" yaml:"format" env:"FORMAT" envDefault:"json"`
	ServiceName string `json:"service_name" yaml:"service_name" env:"SERVICE_NAME" envDefault:"realmgate"`
	Environment string `json:"environment" yaml:"environment" env:"ENVIRONMENT" envDefault:"development"`
	Version     string `json:"version" yaml:"version" env:"VERSION"`
	Caller      bool   `json:"caller" yaml:"caller" env:"CALLER"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Level:       LevelInfo,
		Format:      FormatJSON,
		ServiceName: "realmgate",
		Environment: "development",
	}
}

// New builds a logger writing to w. A nil w writes to stderr. The result is
// also installed as the zerolog global logger.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(string(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lc := zerolog.New(w).Level(level).With().Timestamp().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment)
	if cfg.Version != "" {
		lc = lc.Str("version", cfg.Version)
	}
	if cfg.Caller {
		lc = lc.Caller()
	}
	logger := lc.Logger()
	log.Logger = logger
	return logger
}

// Nop returns a disabled logger for tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component derives a child logger tagged with a component name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

// WithError attaches err to an event. Platform errors contribute their code,
// category and details as separate fields.
func WithError(e *zerolog.Event, err error) *zerolog.Event {
	if err == nil {
		return e
	}
	e = e.Err(err)
	if pe, ok := sserr.AsError(err); ok {
		e = e.Str("error_code", pe.Code.String()).
			Str("error_category", string(pe.Code.Category())).
			Bool("retryable", pe.Code.Retryable())
		for k, v := range pe.Details {
			e = e.Interface("error_"+k, v)
		}
	}
	return e
}

// FromContext returns a logger enriched with the trace and span IDs of the
// active span in ctx, if any.
func FromContext(ctx context.Context, base zerolog.Logger) *zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return &base
	}
	l := base.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &l
}
