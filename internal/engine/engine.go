// Package engine implements the workflow use-cases. Every mutating
// use-case runs as lock, load, mutate, drain automatic tasks, save with
// events, then wakes the outbox relay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohae/deepcopy"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/internal/lock"
	"github.com/pitabwire/flowengine/internal/observability"
	"github.com/pitabwire/flowengine/internal/store"
	"github.com/pitabwire/flowengine/internal/workflow"
	"github.com/pitabwire/flowengine/model"
)

const defaultDrainLimit = 100

// SystemActor performs automatic task transitions.
var SystemActor = model.Actor{ID: "system"}

// Definitions resolves workflow definitions. Version 0 means latest.
type Definitions interface {
	Resolve(ctx context.Context, workflowType string, version int) (*model.WorkflowDefinition, error)
}

// Handlers runs named task handlers.
type Handlers interface {
	Has(name string) bool
	Execute(ctx context.Context, name string, input, config map[string]any) (map[string]any, error)
}

// Recorder receives engine observations.
type Recorder interface {
	RecordUseCase(operation, outcome string, d time.Duration)
	RecordInstanceTransition(workflowType, status string)
	RecordOverdue(workflowType string, n int)
	RecordDrainLimit(workflowType string)
	RecordLockWait(d time.Duration, err error)
}

// Notifier is woken after events have been committed.
type Notifier interface {
	Notify()
}

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	defs        Definitions
	repo        store.Repository
	locker      lock.Locker
	handlers    Handlers
	directory   model.Directory
	logger      *zap.Logger
	recorder    Recorder
	notifier    Notifier
	now         func() time.Time
	drainLimit  int
	lockTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithNotifier sets the component woken after each commit.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDrainLimit caps how many automatic tasks one use-case executes.
func WithDrainLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.drainLimit = n
		}
	}
}

// WithLockTimeout bounds the wait for the per-instance lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// NewEngine creates a new workflow engine. directory may be nil when no
// definition assigns by role.
func NewEngine(
	defs Definitions,
	repo store.Repository,
	locker lock.Locker,
	handlers Handlers,
	directory model.Directory,
	opts ...Option,
) *Engine {
	e := &Engine{
		defs:        defs,
		repo:        repo,
		locker:      locker,
		handlers:    handlers,
		directory:   directory,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		drainLimit:  defaultDrainLimit,
		lockTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// observe opens a span for a use-case and returns the function that
// closes it and records the outcome.
func (e *Engine) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := observability.StartSpan(ctx, "engine."+op, attrs...)
	start := time.Now()
	return ctx, func(err error) {
		observability.EndSpan(span, err)
		if e.recorder != nil {
			e.recorder.RecordUseCase(op, outcome(err), time.Since(start))
		}
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return "error"
}

// mutate serializes a load-mutate-save cycle on one instance.
func (e *Engine) mutate(
	ctx context.Context,
	instanceID string,
	fn func(inst *workflow.Instance, now time.Time) error,
) (*workflow.Instance, error) {
	logger := observability.InstanceLogger(ctx, e.logger, instanceID)

	// 1. Acquire the instance lock.
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	waitStart := time.Now()
	release, err := e.locker.Lock(lctx, lock.InstanceKey(instanceID))
	cancel()
	if e.recorder != nil {
		e.recorder.RecordLockWait(time.Since(waitStart), err)
	}
	if err != nil {
		logger.Error("instance lock failed", zap.Error(err))
		return nil, err
	}
	defer release()

	// 2. Load the full graph.
	inst, err := e.repo.FindByID(ctx, instanceID, true)
	if err != nil {
		return nil, err
	}
	before := inst.Status

	// 3. Reject mutation of terminal instances.
	if err := inst.CheckMutable(); err != nil {
		return nil, err
	}

	// 4. Apply the use-case mutation.
	now := e.now()
	if err := fn(inst, now); err != nil {
		return nil, err
	}

	// 5. Run automatic tasks reached by the mutation.
	if err := e.drain(ctx, inst); err != nil {
		return nil, err
	}

	// 6. Persist graph and events together.
	if err := e.repo.Update(ctx, inst, inst.PullEvents()); err != nil {
		if !model.IsCode(err, model.ErrConflict) {
			logger.Error("instance update failed", zap.Error(err))
		}
		return nil, err
	}

	e.committed(logger, inst, before)
	return inst, nil
}

// committed wakes the relay and reports status transitions.
func (e *Engine) committed(logger *zap.Logger, inst *workflow.Instance, before model.InstanceStatus) {
	if e.notifier != nil {
		e.notifier.Notify()
	}
	if inst.Status == before {
		return
	}
	if e.recorder != nil {
		e.recorder.RecordInstanceTransition(inst.Type, string(inst.Status))
	}
	logger.Info("workflow instance "+string(inst.Status),
		zap.String("workflow_type", inst.Type),
		zap.Int("version", inst.Version),
		zap.Strings("active_steps", inst.ActiveStepIDs),
	)
}

// drain runs pending automatic tasks of the active steps one at a time,
// feeding each result back through UpdateTask so later tasks see earlier
// outputs. Handler errors fail the task; they never abort the use-case.
func (e *Engine) drain(ctx context.Context, inst *workflow.Instance) error {
	logger := observability.InstanceLogger(ctx, e.logger, inst.ID)

	for range e.drainLimit {
		task := inst.NextAutomaticTask()
		if task == nil {
			return nil
		}
		now := e.now()
		if err := inst.UpdateTask(task.ID, model.TaskStatusInProgress, SystemActor, "", nil, now); err != nil {
			return err
		}

		result, herr := e.execute(ctx, task.Handler, inst.ContextData, task.Config.HandlerConfig,
			observability.AttrInstanceID.String(inst.ID),
			observability.AttrTaskID.String(task.TaskID),
		)

		now = e.now()
		if herr != nil {
			logger.Warn("automatic task failed",
				zap.String("task_id", task.TaskID),
				zap.String("handler", task.Handler),
				zap.Error(herr),
			)
			if err := inst.UpdateTask(task.ID, model.TaskStatusFailed, SystemActor, herr.Error(), nil, now); err != nil {
				return err
			}
			continue
		}
		if err := inst.UpdateTask(task.ID, model.TaskStatusCompleted, SystemActor, "", result, now); err != nil {
			return err
		}
	}

	if inst.NextAutomaticTask() != nil {
		logger.Warn("drain limit reached", zap.Int("limit", e.drainLimit))
		if e.recorder != nil {
			e.recorder.RecordDrainLimit(inst.Type)
		}
	}
	return nil
}

// execute runs one handler on a private copy of input.
func (e *Engine) execute(
	ctx context.Context,
	name string,
	input, config map[string]any,
	attrs ...attribute.KeyValue,
) (map[string]any, error) {
	ctx, span := observability.StartSpan(ctx, "handler.execute",
		append(attrs, observability.AttrHandler.String(name))...)

	if name == "" {
		err := fmt.Errorf("automatic task has no handler")
		observability.EndSpan(span, err)
		return nil, err
	}

	in, _ := deepcopy.Copy(input).(map[string]any)
	if in == nil {
		in = make(map[string]any)
	}
	cfg, _ := deepcopy.Copy(config).(map[string]any)

	if ce := e.logger.Check(zap.DebugLevel, "executing handler"); ce != nil {
		ce.Write(zap.String("handler", name), zap.Any("input", observability.RedactBody(in, nil)))
	}

	out, err := e.handlers.Execute(ctx, name, in, cfg)
	observability.EndSpan(span, err)
	return out, err
}
