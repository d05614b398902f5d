// Package queueworker implements the Download Queue Worker: the cycle
// that moves downloads from waiting into dispatched work, reactivates
// retries whose backoff has elapsed, and escalates repeat-offending
// sources to the blocklist.
package queueworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vinylsync/vinylsync/internal/apperr"
	"github.com/vinylsync/vinylsync/internal/blocklist"
	"github.com/vinylsync/vinylsync/internal/download"
	"github.com/vinylsync/vinylsync/internal/log"
	"github.com/vinylsync/vinylsync/internal/orchestrator"
	"github.com/vinylsync/vinylsync/internal/queue"
	"github.com/vinylsync/vinylsync/internal/taxonomy"
)

// SourceRef identifies a (username, filepath) download source. It is an
// alias for download.SourceRef so the persistence layer can satisfy this
// package's DownloadRepository interface without importing this package.
type SourceRef = download.SourceRef

// DownloadRepository is the subset of the downloads repository this worker
// needs. It is satisfied by internal/persistence/sqlite's download store.
type DownloadRepository interface {
	ListWaiting(ctx context.Context, limit int) ([]download.Download, error)
	ListRetryEligible(ctx context.Context, now time.Time, limit int) ([]download.Download, error)
	Save(ctx context.Context, d download.Download) error
	ListFailedForSource(ctx context.Context, username, filepath string) ([]download.Download, error)
	ListDistinctFailedSources(ctx context.Context, since time.Time, limit int) ([]SourceRef, error)
	FindByID(ctx context.Context, id string) (*download.Download, error)
}

// ClientProbe reports whether the external download client is reachable
// and accepts a submission for a (username, filepath) source. The Download
// Status Worker owns reconciling submissions against the client's view of
// in-flight transfers; Submit only needs to hand the request off.
type ClientProbe interface {
	IsAvailable(ctx context.Context) bool
	Submit(ctx context.Context, username, filepath string) error
}

// Config parameterizes a Worker's cycle behavior.
type Config struct {
	CheckInterval    time.Duration
	MaxPerCycle      int
	EscalationPolicy blocklist.EscalationPolicy
}

// DefaultConfig returns the documented defaults: a 5 second cycle and up
// to 10 downloads promoted or reactivated per cycle.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    5 * time.Second,
		MaxPerCycle:      10,
		EscalationPolicy: blocklist.DefaultEscalationPolicy(),
	}
}

// Worker runs the Download Queue Worker loop.
type Worker struct {
	cfg       Config
	downloads DownloadRepository
	blocklist *blocklist.Repository
	client    ClientProbe
	queue     *queue.Queue
	logger    zerolog.Logger

	status *orchestrator.StatusTracker
}

// dispatchItemType is the work-item type promoteWaiting enqueues and this
// worker's own handler consumes.
const dispatchItemType = "download.dispatch"

// New builds a Download Queue Worker and registers its download.dispatch
// handler with q.
func New(cfg Config, downloads DownloadRepository, bl *blocklist.Repository, client ClientProbe, q *queue.Queue) *Worker {
	w := &Worker{
		cfg:       cfg,
		downloads: downloads,
		blocklist: bl,
		client:    client,
		queue:     q,
		logger:    log.WithComponent("queueworker"),
		status:    orchestrator.NewStatusTracker(),
	}
	if err := q.RegisterHandler(dispatchItemType, w.handleDispatch); err != nil {
		w.logger.Warn().Err(err).Msg("download.dispatch handler already registered")
	}
	return w
}

// Start runs the cycle loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.status.Set(orchestrator.StateRunning)
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.status.Set(orchestrator.StateStopped)
			return nil
		case <-ticker.C:
			if err := w.runCycle(ctx); err != nil {
				w.logger.Error().Err(err).Msg("queue worker cycle failed")
			}
		}
	}
}

// Stop is a no-op: cancellation of the context passed to Start is the
// cooperative shutdown signal.
func (w *Worker) Stop(ctx context.Context) error {
	w.status.Set(orchestrator.StateStopping)
	return nil
}

// IsHealthy reports whether the worker's last cycle completed without a
// fatal error. The loop never marks itself unhealthy on its own — a
// skipped cycle (client unavailable) is not a failure.
func (w *Worker) IsHealthy() bool { return w.status.Get().State != orchestrator.StateFailed }

// GetStatus reports the worker's current lifecycle state.
func (w *Worker) GetStatus() orchestrator.WorkerStatus { return w.status.Get() }

func (w *Worker) runCycle(ctx context.Context) error {
	if !w.client.IsAvailable(ctx) {
		w.logger.Debug().Msg("external client unavailable, skipping cycle")
		return nil
	}

	if err := w.promoteWaiting(ctx); err != nil {
		return fmt.Errorf("promote waiting: %w", err)
	}
	if err := w.reactivateRetries(ctx); err != nil {
		return fmt.Errorf("reactivate retries: %w", err)
	}
	if err := w.escalateToBlocklist(ctx); err != nil {
		return fmt.Errorf("escalate to blocklist: %w", err)
	}
	return nil
}

// promoteWaiting selects at most MaxPerCycle waiting downloads, highest
// priority and oldest created_at first, enqueues a download.dispatch work
// item for each, and transitions the download to pending.
func (w *Worker) promoteWaiting(ctx context.Context) error {
	candidates, err := w.downloads.ListWaiting(ctx, w.cfg.MaxPerCycle)
	if err != nil {
		return err
	}

	for i := range candidates {
		d := candidates[i]
		payload, err := json.Marshal(map[string]string{"download_id": d.ID})
		if err != nil {
			return err
		}
		jobID, err := w.queue.Enqueue(ctx, dispatchItemType, payload, d.Priority, 0, time.Time{})
		if err != nil {
			return err
		}
		d.JobID = jobID
		if err := d.Dispatch(); err != nil {
			return err
		}
		if err := w.downloads.Save(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// reactivateRetries moves due, retryable failed downloads back to waiting.
func (w *Worker) reactivateRetries(ctx context.Context) error {
	now := time.Now()
	candidates, err := w.downloads.ListRetryEligible(ctx, now, w.cfg.MaxPerCycle)
	if err != nil {
		return err
	}

	for i := range candidates {
		d := candidates[i]
		if err := d.ActivateForRetry(now); err != nil {
			if apperr.Is(err, apperr.KindInvalidState) {
				continue // raced with another mutator; skip, next cycle will re-evaluate
			}
			return err
		}
		if err := w.downloads.Save(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// escalateToBlocklist blocks sources that have crossed the failure
// threshold within the trailing window, and moves any failed download
// pinned to that source to blocklisted.
func (w *Worker) escalateToBlocklist(ctx context.Context) error {
	now := time.Now()
	windowStart := now.Add(-w.cfg.EscalationPolicy.Window)

	sources, err := w.downloads.ListDistinctFailedSources(ctx, windowStart, w.cfg.MaxPerCycle*4)
	if err != nil {
		return err
	}

	for _, src := range sources {
		count, err := w.blocklist.FailureCount(ctx, src.Username, src.Filepath, windowStart)
		if err != nil {
			return err
		}
		if count < w.cfg.EscalationPolicy.FailureThreshold {
			continue
		}

		sourced, err := w.downloads.ListFailedForSource(ctx, src.Username, src.Filepath)
		if err != nil {
			return err
		}
		if len(sourced) == 0 {
			continue
		}

		reason := sourced[0].LastErrorCode
		if reason == taxonomy.Code("") {
			reason = taxonomy.Unknown
		}
		entry := blocklist.NewEntry(
			fmt.Sprintf("bl-%s-%s", src.Username, src.Filepath),
			src.Username, src.Filepath, reason, count, now, w.cfg.EscalationPolicy,
		)
		if err := w.blocklist.Upsert(ctx, entry); err != nil {
			return err
		}

		for j := range sourced {
			sd := sourced[j]
			if err := sd.Blocklist(); err != nil {
				continue
			}
			if err := w.downloads.Save(ctx, sd); err != nil {
				return err
			}
		}
	}
	return nil
}

type dispatchPayload struct {
	DownloadID string `json:"download_id"`
}

// handleDispatch submits a pending download to the external client. It
// never transitions the download out of pending on success: the Download
// Status Worker owns promoting it to queued once the client confirms
// acceptance (by fingerprint, since submission is fire-and-forget). A
// submission failure is recorded against the download itself so its own
// retry/backoff machinery takes over, and the work item is terminalized
// here (it was enqueued with zero retries, so the queue's own retry
// ladder never applies to it). A successful submission leaves the work
// item running: the Download Status Worker completes or fails it by id
// once the transfer itself settles, via ErrLeaveRunning.
func (w *Worker) handleDispatch(ctx context.Context, item queue.Item) (json.RawMessage, error) {
	var payload dispatchPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil, apperr.Validation("queueworker.handleDispatch", err)
	}

	d, err := w.downloads.FindByID(ctx, payload.DownloadID)
	if err != nil {
		return nil, apperr.Transient("queueworker.handleDispatch", err)
	}
	if d == nil {
		return nil, apperr.NotFound("queueworker.handleDispatch", fmt.Errorf("download %q not found", payload.DownloadID))
	}

	now := time.Now()
	if !w.client.IsAvailable(ctx) {
		_ = d.RecordFailure(taxonomy.ServiceUnavailable, "external client unavailable", now)
		d.JobID = ""
		if err := w.downloads.Save(ctx, *d); err != nil {
			return nil, apperr.Transient("queueworker.handleDispatch", err)
		}
		return json.RawMessage(`{"submitted":false,"reason":"client_unavailable"}`), nil
	}

	if err := w.client.Submit(ctx, d.SourceUsername, d.SourceFilename); err != nil {
		code := taxonomy.NormalizeString(err.Error())
		_ = d.RecordFailure(code, err.Error(), now)
		d.JobID = ""
		if saveErr := w.downloads.Save(ctx, *d); saveErr != nil {
			return nil, apperr.Transient("queueworker.handleDispatch", saveErr)
		}
		return json.RawMessage(`{"submitted":false}`), nil
	}

	return nil, queue.ErrLeaveRunning
}
