package auth

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/StricklySoft/realmgate/pkg/auth"

type options struct {
	now            func() time.Time
	logger         zerolog.Logger
	tracerProvider trace.TracerProvider
	audit          AuditSink
	cache          DecisionCache
	cacheTTL       time.Duration
}

// Option configures the components in this package.
type Option func(*options)

// WithClock replaces time.Now. Tests use it to pin token ages.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the tracer provider. The default is the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithAuditSink receives every deny. Only the Authorizer uses it.
func WithAuditSink(s AuditSink) Option {
	return func(o *options) { o.audit = s }
}

// WithDecisionCache enables request-level caching of allow decisions for at
// most ttl. Only the Authorizer uses it.
func WithDecisionCache(c DecisionCache, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) tracer() trace.Tracer {
	if o.tracerProvider != nil {
		return o.tracerProvider.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

// finishSpan records err on span. It does not end the span.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
