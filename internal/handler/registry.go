// Package handler holds the named task handlers that automatic tasks
// invoke. Each handler runs behind its own circuit breaker.
package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/model"
)

// Handler executes the side effects of an automatic task. input is a
// private copy of the instance context data; config is the task's handler
// configuration. The returned map is merged into the context under the
// task's output key.
type Handler interface {
	Execute(ctx context.Context, input, config map[string]any) (map[string]any, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, input, config map[string]any) (map[string]any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, input, config map[string]any) (map[string]any, error) {
	return f(ctx, input, config)
}

// Recorder receives one observation per handler execution.
type Recorder interface {
	RecordHandler(name, outcome string, d time.Duration)
}

// StateRecorder is optionally implemented by a Recorder to follow breaker
// transitions. State values are 0 closed, 1 half-open, 2 open.
type StateRecorder interface {
	SetHandlerBreakerState(name string, state float64)
}

// Outcomes reported to the Recorder.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// BreakerConfig tunes the per-handler circuit breakers.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval after which closed-state counts are cleared. Zero never clears.
	Interval time.Duration
	// Timeout spent open before probing again.
	Timeout time.Duration
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold uint32
}

// DefaultBreakerConfig returns the defaults used when none is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

type entry struct {
	handler Handler
	breaker *gobreaker.CircuitBreaker
}

// Registry stores named handlers. It is safe for concurrent use after
// initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
	breaker  BreakerConfig
	logger   *zap.Logger
	recorder Recorder
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for breaker state changes and panics.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithRecorder sets the execution observer.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry creates an empty handler registry.
func NewRegistry(cfg BreakerConfig, opts ...Option) *Registry {
	def := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	r := &Registry{
		handlers: make(map[string]*entry),
		breaker:  cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler under name. Panics if the name is already taken,
// since this indicates a wiring mistake at startup.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler: %q already registered", name))
	}
	threshold := r.breaker.FailureThreshold
	r.handlers[name] = &entry{
		handler: h,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: r.breaker.MaxRequests,
			Interval:    r.breaker.Interval,
			Timeout:     r.breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warn("handler circuit breaker state changed",
					zap.String("handler", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if sr, ok := r.recorder.(StateRecorder); ok {
					sr.SetHandlerBreakerState(name, float64(to))
				}
			},
		}),
	}
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns all registered handler names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// State returns the breaker state of a handler.
func (r *Registry) State(name string) (gobreaker.State, bool) {
	r.mu.RLock()
	e, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed, false
	}
	return e.breaker.State(), true
}

// Execute runs the named handler through its breaker. An unknown name is a
// validation error. A panic inside the handler is returned as an error.
func (r *Registry) Execute(ctx context.Context, name string, input, config map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewUnknownHandlerError(name)
	}

	start := time.Now()
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return r.call(ctx, name, e.handler, input, config)
	})
	outcome := OutcomeSuccess
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = OutcomeRejected
		err = fmt.Errorf("handler %q unavailable: %w", name, err)
	case err != nil:
		outcome = OutcomeError
	}
	if r.recorder != nil {
		r.recorder.RecordHandler(name, outcome, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	result, _ := out.(map[string]any)
	return result, nil
}

func (r *Registry) call(ctx context.Context, name string, h Handler, input, config map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				zap.String("handler", name),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler %q panicked: %v", name, rec)
		}
	}()
	return h.Execute(ctx, input, config)
}
