package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/realmgate/pkg/auth"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

const (
	DefaultBufferSize  = 1024
	DefaultSendTimeout = 5 * time.Second
)

// AsyncConfig tunes an [Async] sink.
type AsyncConfig struct {
	// BufferSize is the number of events held while the worker is busy.
	BufferSize int `json:"buffer_size" yaml:"buffer_size" env:"BUFFER_SIZE" envDefault:"1024"`

	// SendTimeout bounds each delivery to the wrapped sink.
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout" env:"SEND_TIMEOUT" envDefault:"5s"`
}

type queued struct {
	ev   auth.DenyEvent
	span trace.SpanContext
}

// Async delivers events to a wrapped sink from a single background worker.
// RecordDeny never blocks; when the buffer is full the event is dropped and
// counted.
type Async struct {
	next    auth.AuditSink
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan queued
	done    chan struct{}
	dropped atomic.Int64
}

var _ auth.AuditSink = (*Async)(nil)

// NewAsync starts the worker. Drops are reported on logger. Call Close to
// drain and stop it.
func NewAsync(next auth.AuditSink, cfg AsyncConfig, logger zerolog.Logger) *Async {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	a := &Async{
		next:    next,
		timeout: cfg.SendTimeout,
		logger:  logging.Component(logger, "audit"),
		ch:      make(chan queued, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// RecordDeny queues ev. The request context is not retained; only its span
// context is carried so the delivery can be correlated.
func (a *Async) RecordDeny(ctx context.Context, ev auth.DenyEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(ev, "closed")
		return
	}
	select {
	case a.ch <- queued{ev: ev, span: trace.SpanContextFromContext(ctx)}:
	default:
		a.drop(ev, "buffer_full")
	}
}

func (a *Async) drop(ev auth.DenyEvent, reason string) {
	n := a.dropped.Add(1)
	a.logger.Warn().
		Str("deny_id", ev.ID.String()).
		Str("reason", reason).
		Int64("dropped_total", n).
		Msg("audit event dropped")
}

// Dropped returns how many events have been dropped.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) run() {
	defer close(a.done)
	for q := range a.ch {
		ctx := context.Background()
		if q.span.IsValid() {
			ctx = trace.ContextWithRemoteSpanContext(ctx, q.span)
		}
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		a.next.RecordDeny(ctx, q.ev)
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end. It is safe to call more than once.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
