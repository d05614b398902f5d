package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vinylsync/vinylsync/internal/log"
	"github.com/vinylsync/vinylsync/internal/orchestrator"
	"github.com/vinylsync/vinylsync/internal/queue"
)

// Handler is a coordinator task handler: given the work item's payload, it
// performs one run of the task and returns a result to record. Handlers
// must be idempotent — a rerun must not produce duplicate entities or
// double-count downloads.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Config parameterizes the Coordinator's tick loop and default cooldowns.
type Config struct {
	TickInterval        time.Duration
	DefaultCooldown     time.Duration
	EnrichmentBatchSize int
	AutoQueueDownloads  bool
	DownloadCleanupDays int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        30 * time.Second,
		DefaultCooldown:     5 * time.Minute,
		EnrichmentBatchSize: 20,
	}
}

// Coordinator is the single long-running actor that fires periodic
// sync/enrich/cleanup tasks through the persistent queue.
type Coordinator struct {
	cfg       Config
	scheduler *TaskScheduler
	queue     *queue.Queue
	logger    zerolog.Logger
	status    *orchestrator.StatusTracker
}

// New builds a Coordinator over q. Task types must be registered with
// RegisterTask before Start is called.
func New(cfg Config, q *queue.Queue) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultConfig().DefaultCooldown
	}
	return &Coordinator{
		cfg:       cfg,
		scheduler: NewTaskScheduler(),
		queue:     q,
		logger:    log.WithComponent("coordinator"),
		status:    orchestrator.NewStatusTracker(),
	}
}

// RegisterTask binds taskType to handler with the given cooldown and
// priority (0 cooldown uses the configured default), and registers a
// queue handler that releases the scheduler's in-flight flag when the
// run completes, whatever its outcome.
func (c *Coordinator) RegisterTask(taskType TaskType, cooldown time.Duration, priority TaskPriority, handler Handler) error {
	if cooldown <= 0 {
		cooldown = c.cfg.DefaultCooldown
	}
	c.scheduler.Register(taskType, cooldown, priority)

	wrapped := func(ctx context.Context, item queue.Item) (json.RawMessage, error) {
		result, err := handler(ctx, item.Payload)
		c.scheduler.Finish(taskType, time.Now())
		return result, err
	}
	return c.queue.RegisterHandler(string(taskType), wrapped)
}

// Start runs the tick loop until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.status.Set(orchestrator.StateRunning)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.status.Set(orchestrator.StateStopped)
			return nil
		case <-ticker.C:
			c.fireDue(ctx)
		}
	}
}

// Stop is a no-op: cancellation of the context passed to Start is the
// cooperative shutdown signal.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.status.Set(orchestrator.StateStopping)
	return nil
}

// IsHealthy reports whether the coordinator is not in a failed state.
func (c *Coordinator) IsHealthy() bool { return c.status.Get().State != orchestrator.StateFailed }

// GetStatus reports the coordinator's current lifecycle state.
func (c *Coordinator) GetStatus() orchestrator.WorkerStatus { return c.status.Get() }

func (c *Coordinator) fireDue(ctx context.Context) {
	now := time.Now()
	for _, tt := range c.scheduler.DueTypes(now) {
		if err := c.fire(ctx, tt); err != nil {
			c.logger.Error().Err(err).Str("task_type", string(tt)).Msg("failed to enqueue scheduled task")
		}
	}
}

func (c *Coordinator) fire(ctx context.Context, taskType TaskType) error {
	if !c.scheduler.TryStart(taskType) {
		return nil // lost the race to another trigger; next tick retries
	}
	priority := c.scheduler.Priority(taskType).QueuePriority()
	if _, err := c.queue.Enqueue(ctx, string(taskType), json.RawMessage(`{}`), priority, 3, time.Time{}); err != nil {
		c.scheduler.Finish(taskType, time.Now())
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// TriggerNow fires taskType immediately, bypassing its cooldown but still
// respecting the single-in-flight-per-type rule. Returns false if a run
// was already in flight.
func (c *Coordinator) TriggerNow(ctx context.Context, taskType TaskType) (bool, error) {
	if c.scheduler.IsRunning(taskType) {
		return false, nil
	}
	if err := c.fire(ctx, taskType); err != nil {
		return false, err
	}
	return true, nil
}
