// Package coordinator implements the Unified Library Coordinator: a
// single long-running actor with an internal task scheduler that fires
// periodic sync/enrich/cleanup tasks subject to per-task-type cooldowns
// and a single-in-flight-run-per-type limit, dispatching each firing as a
// work item for the persistent queue to execute.
package coordinator

import (
	"sync"
	"time"
)

// TaskPriority is the tri-level priority the original multi-worker split
// carried per task type; it maps onto the queue's signed integer priority.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
)

// QueuePriority maps a TaskPriority onto the persistent queue's signed
// integer priority scale.
func (p TaskPriority) QueuePriority() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return -10
	default:
		return 0
	}
}

// TaskType is an enumerated tag identifying a coordinator task.
type TaskType string

const (
	TaskArtistSync     TaskType = "artist_sync"
	TaskAlbumSync      TaskType = "album_sync"
	TaskTrackSync      TaskType = "track_sync"
	TaskEnrichment     TaskType = "enrichment"
	TaskDownloadRequest TaskType = "download_request"
	TaskCleanup        TaskType = "cleanup"
	TaskPlaylistSync   TaskType = "playlist_sync"
	TaskQualityUpgrade TaskType = "quality_upgrade"
)

// taskState is the scheduler's per-task-type bookkeeping. It lives only
// in memory; the Orchestrator owns and destroys it on shutdown.
type taskState struct {
	cooldown  time.Duration
	priority  TaskPriority
	lastRunAt time.Time
	isRunning bool
}

// TaskScheduler tracks, per task type, the minimum wall time between two
// runs and whether a run is currently in flight. It is safe for
// concurrent use.
type TaskScheduler struct {
	mu    sync.Mutex
	tasks map[TaskType]*taskState
}

// NewTaskScheduler builds an empty scheduler.
func NewTaskScheduler() *TaskScheduler {
	return &TaskScheduler{tasks: make(map[TaskType]*taskState)}
}

// Register adds a task type with the given cooldown and priority. Every
// task type is due immediately after registration, matching the
// at-startup-every-task-is-due contract.
func (s *TaskScheduler) Register(taskType TaskType, cooldown time.Duration, priority TaskPriority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskType] = &taskState{cooldown: cooldown, priority: priority}
}

// DueTypes returns every registered task type that is due to fire: not
// currently running, and at least cooldown has elapsed since its last run
// (or it has never run).
func (s *TaskScheduler) DueTypes(now time.Time) []TaskType {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []TaskType
	for tt, st := range s.tasks {
		if st.isRunning {
			continue
		}
		if st.lastRunAt.IsZero() || now.Sub(st.lastRunAt) >= st.cooldown {
			due = append(due, tt)
		}
	}
	return due
}

// TryStart marks taskType as running if it is not already, returning
// false if a run is already in flight (the single-in-flight-per-type
// guarantee). Bypasses the cooldown check — used both by the cooldown
// tick and by on-demand "run now" triggers.
func (s *TaskScheduler) TryStart(taskType TaskType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskType]
	if !ok || st.isRunning {
		return false
	}
	st.isRunning = true
	return true
}

// Finish clears the running flag and records the completion time as the
// new last-run-at, regardless of whether the run succeeded. This must be
// called exactly once for every successful TryStart.
func (s *TaskScheduler) Finish(taskType TaskType, finishedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.tasks[taskType]; ok {
		st.isRunning = false
		st.lastRunAt = finishedAt
	}
}

// Priority returns the configured priority for taskType.
func (s *TaskScheduler) Priority(taskType TaskType) TaskPriority {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[taskType]; ok {
		return st.priority
	}
	return PriorityNormal
}

// IsRunning reports whether taskType currently has an in-flight run.
func (s *TaskScheduler) IsRunning(taskType TaskType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[taskType]; ok {
		return st.isRunning
	}
	return false
}
