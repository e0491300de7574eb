package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

const tracerName = "github.com/StricklySoft/realmgate/pkg/lifecycle"

// HookFunc runs during a transition. A start hook error fails the
// service; stop hooks all run and their errors are joined.
type HookFunc func(ctx context.Context) error

// Hook is a named HookFunc. The name appears in logs and spans.
type Hook struct {
	Name string
	Fn   HookFunc
}

// StateChangeHandler observes transitions. Handlers run synchronously
// under the state lock and must not call back into the service. A
// panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Info is a snapshot of a service.
type Info struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Service is safe for concurrent use. Build one with [Builder].
type Service struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	tracer trace.Tracer
	logger zerolog.Logger
	now    func() time.Time

	onStart  []Hook
	onStop   []Hook
	handlers []StateChangeHandler
}

func (s *Service) Name() string    { return s.name }
func (s *Service) Version() string { return s.version }

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{Name: s.name, Version: s.version, State: s.state}
	if s.startedAt != nil && s.state == StateRunning {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = s.now().Sub(t)
	}
	return info
}

// Health returns nil while the service is running and a NOT_READY error
// otherwise.
func (s *Service) Health(context.Context) error {
	if st := s.State(); st != StateRunning {
		return sserr.Newf(sserr.CodeNotReady, "lifecycle: %s is %s", s.name, st)
	}
	return nil
}

// SetState validates and applies a transition, then notifies handlers.
func (s *Service) SetState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !ValidTransition(from, to) {
		return sserr.Newf(sserr.CodeInvalidState,
			"lifecycle: invalid transition from %q to %q", from, to)
	}
	s.state = to
	switch to {
	case StateRunning:
		t := s.now().UTC()
		s.startedAt = &t
	case StateDraining, StateStopped, StateFailed:
		s.startedAt = nil
	}

	for _, h := range s.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().
						Interface("panic", r).
						Str("old_state", from.String()).
						Str("new_state", to.String()).
						Msg("state change handler panicked")
				}
			}()
			h(from, to)
		}()
	}
	return nil
}

// Start runs the start hooks in registration order and moves the service
// to Running. The first failing hook moves it to Failed; the returned
// error keeps the hook's code when it has one.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Start")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return s.fail(span, sserr.Wrap(err, sserr.CodeDependencyTimeout, "lifecycle: start canceled"))
	}
	if err := s.SetState(StateStarting); err != nil {
		return s.fail(span, err)
	}
	log := logging.FromContext(ctx, s.logger)
	log.Info().Str("version", s.version).Msg("starting")

	for _, h := range s.onStart {
		began := s.now()
		if err := h.Fn(ctx); err != nil {
			logging.WithError(log.Error(), err).Str("hook", h.Name).Msg("start hook failed")
			_ = s.SetState(StateFailed)
			return s.fail(span, wrapHook(err, h.Name, "start"))
		}
		span.AddEvent("hook", trace.WithAttributes(attribute.String("lifecycle.hook", h.Name)))
		log.Debug().Str("hook", h.Name).Dur("took", s.now().Sub(began)).Msg("start hook done")
	}

	if err := s.SetState(StateRunning); err != nil {
		return s.fail(span, err)
	}
	log.Info().Msg("running")
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop drains the service: it moves to Draining, runs every stop hook in
// reverse registration order, and moves to Stopped, or Failed if any hook
// failed. Stopping a service that is already stopped or failed is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Stop")
	defer span.End()

	if s.State().IsTerminal() {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := s.SetState(StateDraining); err != nil {
		return s.fail(span, err)
	}
	log := logging.FromContext(ctx, s.logger)
	log.Info().Msg("draining")

	var errs []error
	for i := len(s.onStop) - 1; i >= 0; i-- {
		h := s.onStop[i]
		if err := h.Fn(ctx); err != nil {
			logging.WithError(log.Error(), err).Str("hook", h.Name).Msg("stop hook failed")
			errs = append(errs, wrapHook(err, h.Name, "stop"))
			continue
		}
		span.AddEvent("hook", trace.WithAttributes(attribute.String("lifecycle.hook", h.Name)))
	}
	if len(errs) > 0 {
		_ = s.SetState(StateFailed)
		return s.fail(span, errors.Join(errs...))
	}

	if err := s.SetState(StateStopped); err != nil {
		return s.fail(span, err)
	}
	log.Info().Msg("stopped")
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", s.name),
			attribute.String("service.version", s.version),
		),
	)
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func wrapHook(err error, name, phase string) error {
	code := sserr.GetCode(err)
	if code == "" {
		code = sserr.CodeInternal
	}
	return sserr.Wrapf(err, code, "lifecycle: %s hook %q failed", phase, name)
}

// Builder assembles a [Service].
type Builder struct {
	name     string
	version  string
	logger   zerolog.Logger
	tp       trace.TracerProvider
	now      func() time.Time
	onStart  []Hook
	onStop   []Hook
	handlers []StateChangeHandler
}

// NewBuilder starts a builder for the named service.
func NewBuilder(name, version string) *Builder {
	return &Builder{name: name, version: version, logger: logging.Nop()}
}

func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tp = tp
	return b
}

// WithClock replaces time.Now for uptime accounting.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// OnStart appends a start hook. Hooks run in the order added.
func (b *Builder) OnStart(name string, fn HookFunc) *Builder {
	b.onStart = append(b.onStart, Hook{Name: name, Fn: fn})
	return b
}

// OnStop appends a stop hook. Hooks run in reverse order, so resources are
// released in the opposite order they were acquired.
func (b *Builder) OnStop(name string, fn HookFunc) *Builder {
	b.onStop = append(b.onStop, Hook{Name: name, Fn: fn})
	return b
}

func (b *Builder) OnStateChange(h StateChangeHandler) *Builder {
	b.handlers = append(b.handlers, h)
	return b
}

// Build validates the builder and returns a service in StateUnknown.
func (b *Builder) Build() (*Service, error) {
	if b.name == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service name must not be empty")
	}
	if b.version == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service version must not be empty")
	}
	for _, h := range append(append([]Hook(nil), b.onStart...), b.onStop...) {
		if h.Name == "" || h.Fn == nil {
			return nil, sserr.New(sserr.CodeValidation, "lifecycle: hooks need a name and a function")
		}
	}
	tp := b.tp
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	return &Service{
		name:     b.name,
		version:  b.version,
		state:    StateUnknown,
		tracer:   tp.Tracer(tracerName),
		logger:   logging.Component(b.logger, "lifecycle"),
		now:      now,
		onStart:  append([]Hook(nil), b.onStart...),
		onStop:   append([]Hook(nil), b.onStop...),
		handlers: append([]StateChangeHandler(nil), b.handlers...),
	}, nil
}
