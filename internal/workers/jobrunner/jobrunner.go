// Package jobrunner runs the generic work-item pool: N goroutines pulling
// from the background_jobs queue and invoking whatever handler each
// work-item's type was registered with (the Coordinator's sync tasks, the
// Download Queue Worker's download.dispatch handler, ...). The queue
// itself only stores and hands out items; something has to keep asking it
// for one.
package jobrunner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vinylsync/vinylsync/internal/log"
	"github.com/vinylsync/vinylsync/internal/orchestrator"
	"github.com/vinylsync/vinylsync/internal/queue"
)

// Config parameterizes the pool.
type Config struct {
	// Workers is how many goroutines concurrently pull from the queue.
	Workers int
	// IdlePoll is how long a worker sleeps after finding nothing to run,
	// before asking again.
	IdlePoll time.Duration
	// Types restricts which work-item types this pool's workers claim;
	// nil/empty means any registered type.
	Types []string
}

// DefaultConfig returns 4 workers polling every 500ms across every
// registered type.
func DefaultConfig() Config {
	return Config{Workers: 4, IdlePoll: 500 * time.Millisecond}
}

// Pool runs Config.Workers goroutines against queue, each looping RunOnce
// until its context is cancelled.
type Pool struct {
	cfg    Config
	queue  *queue.Queue
	logger zerolog.Logger
	status *orchestrator.StatusTracker

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New builds a Pool.
func New(cfg Config, q *queue.Queue) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultConfig().IdlePoll
	}
	return &Pool{cfg: cfg, queue: q, logger: log.WithComponent("jobrunner"), status: orchestrator.NewStatusTracker()}
}

// Start launches the worker goroutines and blocks until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	p.status.Set(orchestrator.StateRunning)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := workerName(i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}

	<-ctx.Done()
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.status.Set(orchestrator.StateStopped)
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ran, err := p.queue.RunOnce(ctx, workerID, p.cfg.Types)
		if err != nil {
			p.logger.Error().Err(err).Str("worker_id", workerID).Msg("job runner cycle failed")
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.IdlePoll):
		}
	}
}

func workerName(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "jobrunner-" + string(letters[i])
	}
	return "jobrunner-n"
}

// Stop is a no-op; Start already returns once ctx is cancelled and every
// worker goroutine has drained.
func (p *Pool) Stop(ctx context.Context) error {
	p.status.Set(orchestrator.StateStopping)
	return nil
}

// IsHealthy reports whether the pool's Start loop is currently running.
func (p *Pool) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// GetStatus reports the pool's current lifecycle state.
func (p *Pool) GetStatus() orchestrator.WorkerStatus { return p.status.Get() }
