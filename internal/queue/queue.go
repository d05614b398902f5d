// Package queue implements the durable, priority-ordered work-item queue:
// every unit of background work — dispatching a download, running a
// library sync task, refreshing a token — passes through here so it
// survives a process restart and runs at most once concurrently.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinylsync/vinylsync/internal/apperr"
	"github.com/vinylsync/vinylsync/internal/backoff"
	"github.com/vinylsync/vinylsync/internal/metrics"
)

// Status is one of the lifecycle states of a WorkItem.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) isTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Item is a unit of background work.
type Item struct {
	ID          string
	Type        string
	Status      Status
	Priority    int
	Payload     json.RawMessage
	Result      json.RawMessage
	Error       string
	Retries     int
	MaxRetries  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LockedBy    string
	LockedAt    *time.Time
	NextRunAt   time.Time
}

// Handler processes one item and returns its result, or an error that
// drives the retry path.
type Handler func(ctx context.Context, item Item) (json.RawMessage, error)

// ErrLeaveRunning, returned by a Handler, tells RunOnce to leave the item
// in running rather than completing or failing it. The handler has handed
// the item's fate to an out-of-band process (the Download Status Worker
// reconciling a dispatched download against the external client) that
// will call CompleteByID or FailByID once the real outcome is known.
var ErrLeaveRunning = errors.New("queue: handler result settled out of band")

// Filter narrows List and Dequeue to a subset of items.
type Filter struct {
	Types    []string
	Statuses []Status
	Limit    int
}

// Queue is the durable work-item store. One Queue is shared by every
// worker; handlers are registered once at startup.
type Queue struct {
	db           *sql.DB
	backoffCfg   backoff.Config
	handlers     map[string]Handler
	staleLeaseTO time.Duration
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithBackoffConfig overrides the default retry backoff ladder.
func WithBackoffConfig(cfg backoff.Config) Option {
	return func(q *Queue) { q.backoffCfg = cfg }
}

// WithStaleLeaseThreshold overrides the default 5-minute stale-lease
// window used by CleanupStale.
func WithStaleLeaseThreshold(d time.Duration) Option {
	return func(q *Queue) { q.staleLeaseTO = d }
}

// New wraps an already-migrated database handle.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:           db,
		backoffCfg:   backoff.DefaultConfig(),
		handlers:     make(map[string]Handler),
		staleLeaseTO: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterHandler binds a work-item type to a handler. Double-registering
// a type is rejected.
func (q *Queue) RegisterHandler(itemType string, h Handler) error {
	if _, exists := q.handlers[itemType]; exists {
		return apperr.Validation("queue.RegisterHandler", fmt.Errorf("type %q already registered", itemType))
	}
	q.handlers[itemType] = h
	return nil
}

// HandlerFor returns the handler registered for itemType, if any.
func (q *Queue) HandlerFor(itemType string) (Handler, bool) {
	h, ok := q.handlers[itemType]
	return h, ok
}

// Enqueue inserts a pending item. Registration is not required at enqueue
// time — only at dequeue/dispatch time — since a handler may be wired up
// after the item is recorded.
func (q *Queue) Enqueue(ctx context.Context, itemType string, payload json.RawMessage, priority, maxRetries int, runAt time.Time) (string, error) {
	if itemType == "" {
		return "", apperr.Validation("queue.Enqueue", errors.New("type must not be empty"))
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if runAt.IsZero() {
		runAt = time.Now()
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO background_jobs (id, job_type, status, priority, payload, retries, max_retries, created_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, id, itemType, string(StatusPending), priority, string(payload), maxRetries, formatTime(now), formatTime(runAt.UTC()))
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	depth, derr := q.countByStatus(ctx, StatusPending)
	if derr == nil {
		metrics.SetQueueDepth(string(StatusPending), depth)
	}

	return id, nil
}

// Dequeue atomically selects the highest-priority pending item whose
// next_run_at has arrived, optionally restricted to `types`, transitions
// it to running under the caller's worker id, and returns it. The
// selection and the status transition happen as one UPDATE...RETURNING
// statement so two concurrent dequeuers can never claim the same row.
func (q *Queue) Dequeue(ctx context.Context, workerID string, types []string) (*Item, error) {
	now := time.Now().UTC()

	query := `
		UPDATE background_jobs
		SET status = ?, locked_by = ?, locked_at = ?, started_at = COALESCE(started_at, ?)
		WHERE id = (
			SELECT id FROM background_jobs
			WHERE status = ? AND next_run_at <= ?
			` + typeFilterClause(types) + `
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING id, job_type, status, priority, payload, result, error, retries, max_retries,
		          created_at, started_at, completed_at, locked_by, locked_at, next_run_at
	`

	args := []interface{}{string(StatusRunning), workerID, formatTime(now), formatTime(now), string(StatusPending), formatTime(now)}
	for _, t := range types {
		args = append(args, t)
	}

	row := q.db.QueryRowContext(ctx, query, args...)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	metrics.RecordDequeue(item.Type)
	return item, nil
}

func typeFilterClause(types []string) string {
	if len(types) == 0 {
		return ""
	}
	placeholders := ""
	for i := range types {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	return fmt.Sprintf("AND job_type IN (%s)", placeholders)
}

// Complete transitions a running item to completed and stores its result.
// Fails if the item is not running or not leased by workerID.
func (q *Queue) Complete(ctx context.Context, id, workerID string, result json.RawMessage) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = ?, result = ?, completed_at = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ? AND status = ? AND locked_by = ?
	`, string(StatusCompleted), string(result), formatTime(now), id, string(StatusRunning), workerID)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.InvalidState("queue.Complete", fmt.Errorf("item %s is not running under worker %s", id, workerID))
	}

	item, err := q.getByID(ctx, id)
	if err == nil {
		metrics.RecordQueueCompletion(item.Type, "completed")
	}
	return nil
}

// CompleteByID transitions a running item to completed and stores its
// result, without checking which worker leased it. Used by collaborators
// that settle an item's fate after the handler that dequeued it has
// already returned, such as the Download Status Worker completing a
// download.dispatch item once the transfer itself finishes.
func (q *Queue) CompleteByID(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = ?, result = ?, completed_at = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ? AND status = ?
	`, string(StatusCompleted), string(result), formatTime(now), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("queue: complete by id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.InvalidState("queue.CompleteByID", fmt.Errorf("item %s is not running", id))
	}

	item, err := q.getByID(ctx, id)
	if err == nil {
		metrics.RecordQueueCompletion(item.Type, "completed")
	}
	return nil
}

// FailByID records a handler failure for an item whose lease is owned by
// an out-of-band settler rather than the caller. Follows the same
// retry-or-terminate path as Fail, without the workerID ownership check.
func (q *Queue) FailByID(ctx context.Context, id, message string) error {
	item, err := q.getByID(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusRunning {
		return apperr.InvalidState("queue.FailByID", fmt.Errorf("item %s is not running", id))
	}

	now := time.Now().UTC()
	if item.Retries < item.MaxRetries {
		nextRun := backoff.NextRunAt(q.backoffCfg, item.Retries+1, now)
		_, err = q.db.ExecContext(ctx, `
			UPDATE background_jobs
			SET status = ?, retries = retries + 1, error = ?, next_run_at = ?, locked_by = NULL, locked_at = NULL
			WHERE id = ?
		`, string(StatusPending), message, formatTime(nextRun), id)
		if err == nil {
			metrics.RecordQueueCompletion(item.Type, "retry_scheduled")
		}
	} else {
		_, err = q.db.ExecContext(ctx, `
			UPDATE background_jobs
			SET status = ?, error = ?, completed_at = ?, locked_by = NULL, locked_at = NULL
			WHERE id = ?
		`, string(StatusFailed), message, formatTime(now), id)
		if err == nil {
			metrics.RecordQueueCompletion(item.Type, "failed")
		}
	}
	if err != nil {
		return fmt.Errorf("queue: fail by id: %w", err)
	}
	return nil
}

// Fail records a handler failure. If retries remain, the item returns to
// pending with next_run_at scheduled via the shared backoff ladder;
// otherwise it becomes terminally failed.
func (q *Queue) Fail(ctx context.Context, id, workerID, message string) error {
	item, err := q.getByID(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusRunning || item.LockedBy != workerID {
		return apperr.InvalidState("queue.Fail", fmt.Errorf("item %s is not running under worker %s", id, workerID))
	}

	now := time.Now().UTC()
	if item.Retries < item.MaxRetries {
		nextRun := backoff.NextRunAt(q.backoffCfg, item.Retries+1, now)
		_, err = q.db.ExecContext(ctx, `
			UPDATE background_jobs
			SET status = ?, retries = retries + 1, error = ?, next_run_at = ?, locked_by = NULL, locked_at = NULL
			WHERE id = ?
		`, string(StatusPending), message, formatTime(nextRun), id)
		if err == nil {
			metrics.RecordQueueCompletion(item.Type, "retry_scheduled")
		}
	} else {
		_, err = q.db.ExecContext(ctx, `
			UPDATE background_jobs
			SET status = ?, error = ?, completed_at = ?, locked_by = NULL, locked_at = NULL
			WHERE id = ?
		`, string(StatusFailed), message, formatTime(now), id)
		if err == nil {
			metrics.RecordQueueCompletion(item.Type, "failed")
		}
	}
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	return nil
}

// Cancel moves any non-terminal item to cancelled. Idempotent when the
// item is already cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	item, err := q.getByID(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == StatusCancelled {
		return nil
	}
	if item.Status.isTerminal() {
		return apperr.InvalidState("queue.Cancel", fmt.Errorf("item %s is already %s", id, item.Status))
	}

	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = ?, completed_at = ?, locked_by = NULL, locked_at = NULL WHERE id = ?
	`, string(StatusCancelled), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	return nil
}

// CleanupStale returns any item in running whose locked_at predates
// threshold back to pending, clearing its lease. A threshold <= 0 uses
// the Queue's stale-lease window (see WithStaleLeaseThreshold). Returns
// the number of items reclaimed. cmd/vinylsyncd runs it once at startup.
func (q *Queue) CleanupStale(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = q.staleLeaseTO
	}
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := q.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = ?, locked_by = NULL, locked_at = NULL
		WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?
	`, string(StatusPending), string(StatusRunning), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup stale: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		metrics.RecordStaleReclaim("background_jobs")
	}
	return n, err
}

// List returns items matching filter, most recently created first.
func (q *Queue) List(ctx context.Context, filter Filter) ([]Item, error) {
	query := `SELECT id, job_type, status, priority, payload, result, error, retries, max_retries,
	          created_at, started_at, completed_at, locked_by, locked_at, next_run_at
	          FROM background_jobs WHERE 1=1`
	var args []interface{}

	if len(filter.Types) > 0 {
		query += typeFilterClause(filter.Types)
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.Statuses) > 0 {
		placeholders := ""
		for i, s := range filter.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(s))
		}
		query += fmt.Sprintf(" AND status IN (%s)", placeholders)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: list: scan: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// RunOnce dequeues a single item matching types (if any), invokes its
// registered handler, and completes or fails it accordingly. Returns
// (false, nil) when there was nothing to dequeue. Items whose type has no
// registered handler are failed immediately and terminally, without
// using their retries, with a descriptive message so they do not sit
// invisibly in running.
func (q *Queue) RunOnce(ctx context.Context, workerID string, types []string) (bool, error) {
	item, err := q.Dequeue(ctx, workerID, types)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	handler, ok := q.handlers[item.Type]
	if !ok {
		_, err := q.db.ExecContext(ctx, `
			UPDATE background_jobs
			SET status = ?, error = ?, completed_at = ?, locked_by = NULL, locked_at = NULL
			WHERE id = ?
		`, string(StatusFailed), fmt.Sprintf("no handler registered for type %q", item.Type), formatTime(time.Now().UTC()), item.ID)
		if err != nil {
			return true, fmt.Errorf("queue: fail unhandled: %w", err)
		}
		metrics.RecordQueueCompletion(item.Type, "failed")
		return true, nil
	}

	result, herr := handler(ctx, *item)
	if herr != nil {
		if errors.Is(herr, ErrLeaveRunning) {
			return true, nil
		}
		if err := q.Fail(ctx, item.ID, workerID, herr.Error()); err != nil {
			return true, err
		}
		return true, nil
	}
	if err := q.Complete(ctx, item.ID, workerID, result); err != nil {
		return true, err
	}
	return true, nil
}

func (q *Queue) getByID(ctx context.Context, id string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, priority, payload, result, error, retries, max_retries,
		       created_at, started_at, completed_at, locked_by, locked_at, next_run_at
		FROM background_jobs WHERE id = ?
	`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("queue.getByID", fmt.Errorf("item %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return item, nil
}

func (q *Queue) countByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM background_jobs WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// scanner abstracts *sql.Row and *sql.Rows so scanItem serves both Dequeue
// (single row via RETURNING) and List (row set).
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(s scanner) (*Item, error) {
	var item Item
	var status, payload string
	var result, errStr, lockedBy sql.NullString
	var createdAt, nextRunAt string
	var startedAt, completedAt, lockedAt sql.NullString

	err := s.Scan(&item.ID, &item.Type, &status, &item.Priority, &payload, &result, &errStr,
		&item.Retries, &item.MaxRetries, &createdAt, &startedAt, &completedAt, &lockedBy, &lockedAt, &nextRunAt)
	if err != nil {
		return nil, err
	}

	item.Status = Status(status)
	item.Payload = json.RawMessage(payload)
	if result.Valid {
		item.Result = json.RawMessage(result.String)
	}
	item.Error = errStr.String
	item.LockedBy = lockedBy.String
	item.CreatedAt = parseTime(createdAt)
	item.NextRunAt = parseTime(nextRunAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		item.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		item.CompletedAt = &t
	}
	if lockedAt.Valid {
		t := parseTime(lockedAt.String)
		item.LockedAt = &t
	}

	return &item, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
