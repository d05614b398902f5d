// Package download implements the Download entity's state machine: the
// lifecycle a single requested track moves through from the moment it is
// wanted to the moment its audio file lands on disk (or the attempt is
// abandoned).
package download

import (
	"fmt"
	"time"

	"github.com/vinylsync/vinylsync/internal/apperr"
	"github.com/vinylsync/vinylsync/internal/backoff"
	"github.com/vinylsync/vinylsync/internal/taxonomy"
)

// Status is one of the states a Download moves through.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusBlocklisted Status = "blocklisted"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusBlocklisted:
		return true
	default:
		return false
	}
}

// SourceRef identifies the (username, filepath) pair a peer-network
// download came from. Shared between the persistence layer and the
// Download Queue Worker's blocklist-escalation scan so neither has to
// depend on the other's package for a two-field value type.
type SourceRef struct {
	Username string
	Filepath string
}

// Download is one track the user wants acquired.
type Download struct {
	ID              string
	TrackID         string
	ExternalID      string
	SourceUsername  string
	SourceFilename  string
	// JobID is the id of the background_jobs row the Download Queue Worker
	// created to submit this download (the download.dispatch work item).
	// It stays set while that item is deliberately left running past
	// submission, so the Download Status Worker can complete or fail it by
	// id once the transfer itself settles; cleared once that happens.
	JobID           string
	Status          Status
	Priority        int
	ProgressPercent float64
	ErrorMessage    string
	LastErrorCode   taxonomy.Code
	RetryCount      int
	MaxRetries      int
	NextRetryAt     *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// transitions enumerates every permitted (from, to) edge in the state
// machine. Anything not listed here is rejected.
var transitions = map[Status]map[Status]bool{
	StatusWaiting:     {StatusPending: true, StatusCancelled: true},
	StatusPending:     {StatusQueued: true, StatusFailed: true, StatusCancelled: true},
	StatusQueued:      {StatusDownloading: true, StatusFailed: true, StatusCancelled: true},
	StatusDownloading: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:      {StatusWaiting: true, StatusBlocklisted: true, StatusCancelled: true},
}

// CanTransition reports whether moving from `from` to `to` is permitted.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// transitionTo moves d into status, rejecting edges the state machine does
// not permit.
func (d *Download) transitionTo(status Status) error {
	if !CanTransition(d.Status, status) {
		return apperr.InvalidState("download.transitionTo",
			fmt.Errorf("cannot move from %s to %s", d.Status, status))
	}
	d.Status = status
	return nil
}

// RecordFailure applies a failure outcome to an active (non-terminal)
// download: it stores the normalized error code and message, and — if the
// code is retryable and retries remain — schedules a retry via the shared
// backoff ladder. The caller supplies `at`, the moment the failure was
// observed (used both as the failure timestamp basis and as the backoff
// anchor).
func (d *Download) RecordFailure(code taxonomy.Code, message string, at time.Time) error {
	if d.Status.IsTerminal() {
		return apperr.InvalidState("download.RecordFailure",
			fmt.Errorf("cannot fail a %s download", d.Status))
	}

	if err := d.transitionTo(StatusFailed); err != nil {
		return err
	}

	d.LastErrorCode = code
	d.ErrorMessage = message

	if taxonomy.Classify(code) && d.RetryCount < d.MaxRetries {
		d.RetryCount++
		next := backoff.NextRunAt(backoff.DefaultConfig(), d.RetryCount, at)
		d.NextRetryAt = &next
	} else {
		d.NextRetryAt = nil
	}

	return nil
}

// ActivateForRetry moves a retryable failed download back to waiting,
// clearing the scheduled retry time and preserving retry_count. Permitted
// only when the download is actually due: failed, a retryable code,
// retries remaining, and next_retry_at has arrived.
func (d *Download) ActivateForRetry(now time.Time) error {
	if d.Status != StatusFailed {
		return apperr.InvalidState("download.ActivateForRetry",
			fmt.Errorf("cannot retry a %s download", d.Status))
	}
	if !taxonomy.Classify(d.LastErrorCode) {
		return apperr.InvalidState("download.ActivateForRetry",
			fmt.Errorf("last error code %s is not retryable", d.LastErrorCode))
	}
	if d.RetryCount > d.MaxRetries {
		return apperr.InvalidState("download.ActivateForRetry", fmt.Errorf("retry budget exhausted"))
	}
	if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
		return apperr.InvalidState("download.ActivateForRetry", fmt.Errorf("not yet due for retry"))
	}

	if err := d.transitionTo(StatusWaiting); err != nil {
		return err
	}
	d.NextRetryAt = nil
	return nil
}

// Dispatch marks a waiting download pending, as the Download Queue Worker
// does once it has enqueued the matching work item.
func (d *Download) Dispatch() error {
	return d.transitionTo(StatusPending)
}

// Accept marks a pending download queued, as the Download Status Worker
// does on slskd acceptance.
func (d *Download) Accept(externalID string) error {
	if err := d.transitionTo(StatusQueued); err != nil {
		return err
	}
	d.ExternalID = externalID
	return nil
}

// BeginTransfer marks a queued download downloading, on first observed
// progress.
func (d *Download) BeginTransfer(startedAt time.Time) error {
	if err := d.transitionTo(StatusDownloading); err != nil {
		return err
	}
	d.StartedAt = &startedAt
	return nil
}

// Complete marks a downloading download completed. The caller is
// responsible for having already written the track's file_path — this
// transition only records the download side.
func (d *Download) Complete(completedAt time.Time) error {
	if err := d.transitionTo(StatusCompleted); err != nil {
		return err
	}
	d.ProgressPercent = 100
	d.CompletedAt = &completedAt
	return nil
}

// Cancel moves any non-terminal download to cancelled. Idempotent: calling
// Cancel on an already-cancelled download is a no-op.
func (d *Download) Cancel() error {
	if d.Status == StatusCancelled {
		return nil
	}
	return d.transitionTo(StatusCancelled)
}

// Blocklist moves a failed download to the terminal blocklisted status,
// called by the Download Queue Worker's escalation step.
func (d *Download) Blocklist() error {
	return d.transitionTo(StatusBlocklisted)
}
