package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rpattn/sheetsync/internal/domain"
	"github.com/rpattn/sheetsync/internal/metrics"
)

// ErrRegistryStopped is returned by Trigger before Start or after Stop.
var ErrRegistryStopped = errors.New("scheduler registry is not running")

// DefaultWatchDebounce collapses the burst of events a spreadsheet editor
// produces when saving into one trigger.
const DefaultWatchDebounce = 2 * time.Second

// Runner executes one sync cycle for a scope.
type Runner interface {
	RunSync(ctx context.Context, scope string, trigger domain.Trigger) (domain.SyncRunLog, error)
}

// Schedule describes when a scope runs.
type Schedule struct {
	Scope    string
	Interval time.Duration
	// RunOnStart triggers a run as soon as the scheduler starts.
	RunOnStart bool
	// WatchPath, when set, triggers a run whenever the file changes.
	WatchPath string
}

type scheduler struct {
	schedule Schedule
	// triggers is unbuffered: a send only succeeds while the loop is idle,
	// so triggers that arrive during a run are dropped, never queued.
	triggers chan struct{}
}

// Registry owns one scheduler goroutine per scope.
type Registry struct {
	runner   Runner
	logger   *zap.SugaredLogger
	debounce time.Duration

	mu         sync.Mutex
	schedulers map[string]*scheduler
	cancel     context.CancelFunc
	watcher    *fsnotify.Watcher
	wg         sync.WaitGroup
	running    bool
}

// NewRegistry creates a registry. Nothing runs until Start.
func NewRegistry(runner Runner, schedules []Schedule, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	schedulers := make(map[string]*scheduler, len(schedules))
	for _, schedule := range schedules {
		schedulers[schedule.Scope] = &scheduler{
			schedule: schedule,
			triggers: make(chan struct{}),
		}
	}
	return &Registry{
		runner:     runner,
		logger:     logger,
		debounce:   DefaultWatchDebounce,
		schedulers: schedulers,
	}
}

// SetWatchDebounce overrides the file-watch debounce window.
func (r *Registry) SetWatchDebounce(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debounce = d
}

// Start launches the per-scope loops and the file watcher.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("scheduler registry already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	watched := make(map[string]string)
	for name, s := range r.schedulers {
		if s.schedule.WatchPath == "" {
			continue
		}
		abs, err := filepath.Abs(s.schedule.WatchPath)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to resolve watch path for scope %s: %w", name, err)
		}
		watched[abs] = name
	}
	if len(watched) > 0 {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create fsnotify watcher: %w", err)
		}
		for path := range watched {
			// Watch the directory: editors often replace the file on save.
			if err := watcher.Add(filepath.Dir(path)); err != nil {
				_ = watcher.Close()
				cancel()
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		r.watcher = watcher
		r.wg.Add(1)
		go r.watch(runCtx, watcher, watched, r.debounce)
	}

	for _, s := range r.schedulers {
		r.wg.Add(1)
		go r.loop(runCtx, s)
	}

	r.cancel = cancel
	r.running = true
	r.logger.Infow("scheduler registry started", "scopes", len(r.schedulers), "watched_files", len(watched))
	return nil
}

// Stop cancels every loop and waits for in-flight runs to finalize.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	watcher := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	cancel()
	if watcher != nil {
		_ = watcher.Close()
	}
	r.wg.Wait()
	r.logger.Infow("scheduler registry stopped")
}

// Trigger hands a manual run to the scope's loop. A trigger that arrives
// while the scope is running is dropped with domain.ErrRunInProgress.
func (r *Registry) Trigger(scope string) error {
	r.mu.Lock()
	s, ok := r.schedulers[scope]
	running := r.running
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownScope, scope)
	}
	if !running {
		return fmt.Errorf("scope %s: %w", scope, ErrRegistryStopped)
	}
	select {
	case s.triggers <- struct{}{}:
		return nil
	default:
		metrics.RecordDroppedTrigger(scope)
		r.logger.Infow("trigger dropped, run in progress", "scope", scope)
		return fmt.Errorf("scope %s: %w", scope, domain.ErrRunInProgress)
	}
}

func (r *Registry) loop(ctx context.Context, s *scheduler) {
	defer r.wg.Done()

	var tick <-chan time.Time
	if s.schedule.Interval > 0 {
		ticker := time.NewTicker(s.schedule.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if s.schedule.RunOnStart {
		r.run(ctx, s.schedule.Scope, domain.TriggerPeriodic)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.run(ctx, s.schedule.Scope, domain.TriggerPeriodic)
		case <-s.triggers:
			r.run(ctx, s.schedule.Scope, domain.TriggerManual)
		}
	}
}

func (r *Registry) run(ctx context.Context, scope string, trigger domain.Trigger) {
	if ctx.Err() != nil {
		return
	}
	run, err := r.runner.RunSync(ctx, scope, trigger)
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		r.logger.Debugw("scheduled run skipped", "scope", scope, "trigger", trigger)
	case err != nil:
		r.logger.Errorw("scheduled run failed", "scope", scope, "trigger", trigger, "error", err)
	default:
		r.logger.Debugw("scheduled run done", "scope", scope, "status", run.Status)
	}
}

func (r *Registry) watch(ctx context.Context, watcher *fsnotify.Watcher, watched map[string]string, debounce time.Duration) {
	defer r.wg.Done()

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, timer := range timers {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			scope, ok := watched[abs]
			if !ok {
				continue
			}
			if timer, ok := timers[scope]; ok {
				timer.Reset(debounce)
				continue
			}
			timers[scope] = time.AfterFunc(debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := r.Trigger(scope); err != nil {
					r.logger.Debugw("file change trigger dropped", "scope", scope, "error", err)
					return
				}
				r.logger.Infow("workbook changed, run started", "scope", scope)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warnw("file watcher error", "error", err)
		}
	}
}
