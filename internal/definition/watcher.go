package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/model"
)

const defaultDebounce = 500 * time.Millisecond

// Reloader loads, validates and swaps definitions into a Registry. Invalid
// sets are rejected as a whole and the previous snapshot stays in place.
type Reloader struct {
	directories []string
	loader      *Loader
	validator   *Validator
	registry    *Registry
	handlers    HandlerSet
	logger      *zap.Logger
	recorder    ReloadRecorder
}

// ReloadRecorder observes reload outcomes.
type ReloadRecorder interface {
	RecordDefinitionReload(status string)
	SetDefinitionsLoaded(count float64)
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithReloadRecorder reports every reload to rec.
func WithReloadRecorder(rec ReloadRecorder) ReloaderOption {
	return func(r *Reloader) { r.recorder = rec }
}

// NewReloader creates a Reloader. handlers may be nil.
func NewReloader(directories []string, registry *Registry, handlers HandlerSet, logger *zap.Logger, opts ...ReloaderOption) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		directories: directories,
		loader:      NewLoader(),
		validator:   NewValidator(),
		registry:    registry,
		handlers:    handlers,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload reads every definition file and replaces the registry contents
// if all of them validate.
func (r *Reloader) Reload() error {
	defs, err := r.load()
	if err != nil {
		r.record("rejected", 0)
		return err
	}
	r.registry.Replace(defs)
	r.record("success", len(defs))
	r.logger.Info("workflow definitions loaded",
		zap.Int("count", len(defs)),
		zap.String("checksum", r.registry.Checksum()),
	)
	return nil
}

func (r *Reloader) load() ([]model.WorkflowDefinition, error) {
	defs, err := r.loader.LoadAll(r.directories)
	if err != nil {
		return nil, err
	}
	if verrs := r.validator.Validate(defs, r.handlers); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, ve := range verrs {
			joined[i] = ve
		}
		return nil, fmt.Errorf("%d definition errors: %w", len(verrs), errors.Join(joined...))
	}
	return defs, nil
}

func (r *Reloader) record(status string, count int) {
	if r.recorder == nil {
		return
	}
	r.recorder.RecordDefinitionReload(status)
	if status == "success" {
		r.recorder.SetDefinitionsLoaded(float64(count))
	}
}

// Watcher reloads definitions when files under the configured directories
// change. Bursts of events are coalesced.
type Watcher struct {
	reloader *Reloader
	debounce time.Duration
	fsw      *fsnotify.Watcher
	logger   *zap.Logger

	mu      sync.Mutex
	pending bool
}

// NewWatcher creates a Watcher. A non-positive debounce selects the default.
func NewWatcher(reloader *Reloader, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		reloader: reloader,
		debounce: debounce,
		fsw:      fsw,
		logger:   reloader.logger,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for _, dir := range w.reloader.directories {
		if err := w.addRecursive(dir); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("definition watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}
	if !IsDefinitionFile(event.Name) || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}

	w.mu.Lock()
	w.pending = true
	w.mu.Unlock()

	w.logger.Debug("definition change detected",
		zap.String("path", event.Name),
		zap.String("op", event.Op.String()),
	)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	if err := w.reloader.Reload(); err != nil {
		w.logger.Warn("definition reload rejected, keeping previous set", zap.Error(err))
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
