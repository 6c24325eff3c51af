// Package scheduler drives both tracks: it compresses event budgets from the
// dials, runs the brain and worker cycles on their own tickers, persists the
// runtime state after each cycle, and hot-reloads on config file changes.
package scheduler

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"azimind/internal/brain"
	"azimind/internal/logging"
	"azimind/internal/state"
	"azimind/internal/store"
	"azimind/internal/worker"
)

func clampRequested(n int) int {
	if n < 1 {
		return 1
	}
	if n > 200 {
		return 200
	}
	return n
}

// ComputeBrainEventBudget compresses the requested brain window by the
// current dials and records the outcome on the stability block.
func ComputeBrainEventBudget(rs *state.RuntimeState, requested int) int {
	requested = clampRequested(requested)
	scale := 1.0
	var reasons []string

	switch {
	case rs.Stress >= 0.8:
		scale *= 0.45
		reasons = append(reasons, "stress_high")
	case rs.Stress >= 0.65:
		scale *= 0.7
		reasons = append(reasons, "stress_up")
	}
	switch {
	case rs.Energy <= 0.2:
		scale *= 0.6
		reasons = append(reasons, "energy_low")
	case rs.Energy <= 0.35:
		scale *= 0.8
		reasons = append(reasons, "energy_down")
	}
	if rs.Uncertainty >= 0.75 {
		scale *= 0.8
		reasons = append(reasons, "uncertainty_high")
	}
	if rs.Continuity <= 0.3 {
		scale *= 0.8
		reasons = append(reasons, "continuity_low")
	}
	if rs.Stability.Mode == "degraded" {
		scale *= 0.8
		reasons = append(reasons, "degraded_mode")
	}

	effective := int(math.Round(float64(requested) * scale))
	if effective > requested {
		effective = requested
	}
	if effective < 1 {
		effective = 1
	}

	rs.Stability.RequestedBrainEvents = requested
	rs.Stability.EffectiveBrainEvents = effective
	if effective < requested {
		rs.Stability.DegradedCycles++
	}
	if len(reasons) == 0 {
		rs.Stability.LastBudgetReason = "normal"
	} else {
		rs.Stability.LastBudgetReason = strings.Join(reasons, ",")
	}
	rs.Stability.LastUpdated = state.NowISO()
	return effective
}

// ComputeWorkerEventBudget compresses the requested worker window. Worker
// reasons are appended to the budget reason left by the brain pass.
func ComputeWorkerEventBudget(rs *state.RuntimeState, requested int) int {
	requested = clampRequested(requested)
	scale := 1.0
	var reasons []string

	if rs.Stress >= 0.85 {
		scale *= 0.6
		reasons = append(reasons, "worker_stress_high")
	}
	if rs.Energy <= 0.15 {
		scale *= 0.7
		reasons = append(reasons, "worker_energy_low")
	}
	if rs.Stability.Mode == "degraded" {
		scale *= 0.8
		reasons = append(reasons, "worker_degraded_mode")
	}

	effective := int(math.Round(float64(requested) * scale))
	if effective > requested {
		effective = requested
	}
	if effective < 1 {
		effective = 1
	}

	rs.Stability.RequestedWorkerEvents = requested
	rs.Stability.EffectiveWorkerEvents = effective
	if effective < requested {
		rs.Stability.DegradedCycles++
	}
	if len(reasons) > 0 {
		rs.Stability.LastBudgetReason += "|" + strings.Join(reasons, ",")
	}
	rs.Stability.LastUpdated = state.NowISO()
	return effective
}

// Scheduler owns the shared runtime state and drives both track runners.
type Scheduler struct {
	baseDir string
	st      *store.Store
	brain   *brain.Runner
	worker  *worker.Runner
	log     *logging.Logger

	mu sync.Mutex
	rs *state.RuntimeState

	reload chan struct{}

	// Zap, when set, receives structured cycle logs alongside the
	// category file logger.
	Zap *zap.Logger

	// BrainInterval and WorkerInterval pace the forever loops.
	BrainInterval  time.Duration
	WorkerInterval time.Duration
	// BrainWindow and WorkerWindow are the requested per-cycle budgets
	// before dial compression.
	BrainWindow  int
	WorkerWindow int
}

// New builds a scheduler over the shared store, loading persisted state.
func New(baseDir string, st *store.Store) *Scheduler {
	return &Scheduler{
		baseDir:        baseDir,
		st:             st,
		brain:          brain.New(baseDir, st),
		worker:         worker.New(baseDir, st),
		log:            logging.Get(logging.CategoryScheduler),
		rs:             state.Load(statePath(baseDir)),
		reload:         make(chan struct{}, 1),
		BrainInterval:  2 * time.Second,
		WorkerInterval: 5 * time.Second,
		BrainWindow:    12,
		WorkerWindow:   6,
	}
}

func statePath(baseDir string) string {
	return filepath.Join(baseDir, "runtime_state.json")
}

// Brain exposes the fast-track runner for configuration.
func (s *Scheduler) Brain() *brain.Runner { return s.brain }

// Worker exposes the slow-track runner for configuration.
func (s *Scheduler) Worker() *worker.Runner { return s.worker }

// State returns a snapshot copy of the runtime state.
func (s *Scheduler) State() state.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rs
}

func isLockBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

const lockBackoff = 800 * time.Millisecond

// RunBrainOnce executes one budgeted brain cycle and persists the state.
// A locked database gets one backoff retry before the error surfaces.
func (s *Scheduler) RunBrainOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget := ComputeBrainEventBudget(s.rs, s.BrainWindow)
	handled, err := s.brain.RunOnce(ctx, s.rs, budget)
	if isLockBusy(err) {
		s.log.Warn("brain cycle hit a locked store, backing off: %v", err)
		time.Sleep(lockBackoff)
		handled, err = s.brain.RunOnce(ctx, s.rs, budget)
	}
	if saveErr := s.rs.Save(statePath(s.baseDir)); saveErr != nil {
		s.log.Warn("state save: %v", saveErr)
	}
	if s.Zap != nil && handled > 0 {
		s.Zap.Debug("brain cycle",
			zap.Int("handled", handled),
			zap.Int("budget", budget),
			zap.Int("cycle", s.rs.Cycle),
			zap.String("budget_reason", s.rs.Stability.LastBudgetReason))
	}
	return handled, err
}

// RunWorkerOnce executes one budgeted worker cycle and persists the state.
func (s *Scheduler) RunWorkerOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget := ComputeWorkerEventBudget(s.rs, s.WorkerWindow)
	handled, err := s.worker.RunOnce(ctx, s.rs, budget)
	if isLockBusy(err) {
		s.log.Warn("worker cycle hit a locked store, backing off: %v", err)
		time.Sleep(lockBackoff)
		handled, err = s.worker.RunOnce(ctx, s.rs, budget)
	}
	if saveErr := s.rs.Save(statePath(s.baseDir)); saveErr != nil {
		s.log.Warn("state save: %v", saveErr)
	}
	if s.Zap != nil && handled > 0 {
		s.Zap.Debug("worker cycle",
			zap.Int("handled", handled),
			zap.Int("budget", budget),
			zap.Int64("mvcc_version", s.rs.MVCCVersion))
	}
	return handled, err
}

// RunOnce drives one brain pass followed by one worker pass so that an
// escalation enqueued by the brain is consumed in the same invocation.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	brainHandled, err := s.RunBrainOnce(ctx)
	if err != nil {
		return brainHandled, err
	}
	workerHandled, err := s.RunWorkerOnce(ctx)
	return brainHandled + workerHandled, err
}

// Run drives both tracks until the context is cancelled. Config file changes
// under the base directory wake the brain loop early.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.brainLoop(ctx) })
	g.Go(func() error { return s.workerLoop(ctx) })
	g.Go(func() error { return s.watchConfig(ctx) })
	return g.Wait()
}

func (s *Scheduler) brainLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.BrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.reload:
			s.log.Info("config change detected, running brain cycle now")
		}
		if handled, err := s.RunBrainOnce(ctx); err != nil {
			s.log.Error("brain cycle: %v", err)
		} else if handled > 0 {
			s.log.Debug("brain cycle handled %d events", handled)
		}
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.WorkerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if handled, err := s.RunWorkerOnce(ctx); err != nil {
			s.log.Error("worker cycle: %v", err)
		} else if handled > 0 {
			s.log.Debug("worker cycle handled %d events", handled)
		}
	}
}

var reloadFiles = map[string]bool{
	"llm_config.json":  true,
	"llm_config.yaml":  true,
	"llm_config.yml":   true,
	"permissions.json": true,
}

func (s *Scheduler) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("config watcher unavailable: %v", err)
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()
	if err := watcher.Add(s.baseDir); err != nil {
		s.log.Warn("config watch %s: %v", s.baseDir, err)
		<-ctx.Done()
		return nil
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !reloadFiles[filepath.Base(ev.Name)] {
				continue
			}
			// Debounce rapid editor saves.
			if time.Since(lastReload) < 500*time.Millisecond {
				continue
			}
			lastReload = time.Now()
			s.log.Info("config file changed: %s", ev.Name)
			select {
			case s.reload <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watcher: %v", err)
		}
	}
}
