// Package orchestrator owns the long-lived runtime lifecycle of the
// background work fabric: it starts every registered subsystem
// concurrently, blocks until the run context is cancelled or a subsystem
// fails, and stops everything in reverse registration order within a
// bounded shutdown grace period. Startup does not wait for one subsystem
// to be running before starting the next.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/vinylsync/vinylsync/internal/log"
)

// Worker is a subsystem the Orchestrator can start and stop: the Token
// Manager's proactive refresh loop, the Download Queue Worker, the
// Download Status Worker, and the Coordinator all satisfy this.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsHealthy() bool
	GetStatus() WorkerStatus
}

// State is one of the lifecycle states a registered Worker reports
// through GetStatus.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// WorkerStatus is a worker's self-reported lifecycle snapshot: richer
// than the plain IsHealthy bool, since an operator diagnosing a stuck
// queue needs to know not just that a worker is unhealthy but since when
// and why.
type WorkerStatus struct {
	State          State
	LastTransition time.Time
	LastError      string
}

// FuncWorker adapts plain functions into a Worker, for components whose
// native method set doesn't match the interface exactly (the Token
// Manager's RunProactiveRefresh takes extra arguments, for instance).
// StatusFunc is optional; when nil, GetStatus falls back to a status
// derived from HealthyFunc alone.
type FuncWorker struct {
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
	HealthyFunc func() bool
	StatusFunc  func() WorkerStatus
}

func (f FuncWorker) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f FuncWorker) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

func (f FuncWorker) IsHealthy() bool {
	if f.HealthyFunc == nil {
		return true
	}
	return f.HealthyFunc()
}

// GetStatus reports StatusFunc's result if set, otherwise derives a
// coarse status from IsHealthy: running when healthy, failed when not.
func (f FuncWorker) GetStatus() WorkerStatus {
	if f.StatusFunc != nil {
		return f.StatusFunc()
	}
	if f.IsHealthy() {
		return WorkerStatus{State: StateRunning}
	}
	return WorkerStatus{State: StateFailed}
}

// StatusTracker is a small mutex-guarded lifecycle recorder a concrete
// Worker embeds or holds to implement GetStatus: Set on every state
// transition, Get from any goroutine (typically the admin HTTP handler).
type StatusTracker struct {
	mu    sync.Mutex
	state State
	at    time.Time
	err   string
}

// NewStatusTracker returns a tracker starting in StateStopped.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{state: StateStopped, at: time.Now()}
}

// Set records a transition to state, clearing any prior error.
func (t *StatusTracker) Set(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.at = time.Now()
	t.err = ""
}

// SetFailed records a transition to StateFailed with the error that
// caused it.
func (t *StatusTracker) SetFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateFailed
	t.at = time.Now()
	if err != nil {
		t.err = err.Error()
	}
}

// Get returns the current snapshot.
func (t *StatusTracker) Get() WorkerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WorkerStatus{State: t.state, LastTransition: t.at, LastError: t.err}
}

type entry struct {
	name   string
	worker Worker
}

// Config parameterizes shutdown behavior.
type Config struct {
	ShutdownGrace time.Duration
}

// DefaultConfig returns the documented default: a 30 second shutdown grace.
func DefaultConfig() Config {
	return Config{ShutdownGrace: 30 * time.Second}
}

// Orchestrator registers workers in dependency order and runs them all
// for the lifetime of a context.
type Orchestrator struct {
	cfg     Config
	entries []entry
	logger  zerolog.Logger
}

// New builds an empty Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	return &Orchestrator{cfg: cfg, logger: log.WithComponent("orchestrator")}
}

// Register adds a named worker. StartAll launches each worker's Start in
// its own goroutine, in registration order but without waiting for one
// worker to be running before launching the next; StopAll stops workers
// in the reverse of registration order.
func (o *Orchestrator) Register(name string, w Worker) {
	o.entries = append(o.entries, entry{name: name, worker: w})
}

// StartAll starts every registered worker concurrently and blocks until
// ctx is cancelled or any worker returns a non-nil error, at which point
// every other worker's context is cancelled too (errgroup.WithContext).
func (o *Orchestrator) StartAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, e := range o.entries {
		e := e
		g.Go(func() error {
			if err := e.worker.Start(gctx); err != nil {
				o.logger.Error().Err(err).Str("worker", e.name).Msg("worker exited with error")
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// StopAll stops every registered worker in reverse registration order,
// each bounded by the configured shutdown grace. Stop errors are logged
// and do not prevent the remaining workers from being stopped.
func (o *Orchestrator) StopAll(ctx context.Context) {
	for i := len(o.entries) - 1; i >= 0; i-- {
		e := o.entries[i]
		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
		if err := e.worker.Stop(stopCtx); err != nil {
			o.logger.Warn().Err(err).Str("worker", e.name).Msg("worker stop failed")
		}
		cancel()
	}
}

// IsHealthy reports whether every registered worker is healthy.
func (o *Orchestrator) IsHealthy() bool {
	for _, e := range o.entries {
		if !e.worker.IsHealthy() {
			return false
		}
	}
	return true
}

// Status is one worker's health as reported by GetStatus.
type Status struct {
	Name           string    `json:"name"`
	Healthy        bool      `json:"healthy"`
	State          State     `json:"state"`
	LastTransition time.Time `json:"last_transition,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// GetStatus reports per-worker health and lifecycle state for the admin
// status surface.
func (o *Orchestrator) GetStatus() []Status {
	out := make([]Status, 0, len(o.entries))
	for _, e := range o.entries {
		ws := e.worker.GetStatus()
		out = append(out, Status{
			Name:           e.name,
			Healthy:        e.worker.IsHealthy(),
			State:          ws.State,
			LastTransition: ws.LastTransition,
			LastError:      ws.LastError,
		})
	}
	return out
}
