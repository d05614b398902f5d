// Package statusworker implements the Download Status Worker: it polls the
// external download client, reconciles its view of in-flight transfers
// against the local Download table, and retires transfers that have
// stalled, all behind a circuit breaker that shields the external client
// from a hammering loop when it is unreachable.
package statusworker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/vinylsync/vinylsync/internal/download"
	"github.com/vinylsync/vinylsync/internal/log"
	"github.com/vinylsync/vinylsync/internal/orchestrator"
	"github.com/vinylsync/vinylsync/internal/queue"
	"github.com/vinylsync/vinylsync/internal/resilience"
	"github.com/vinylsync/vinylsync/internal/taxonomy"
)

// ExternalDownload is a provider-agnostic view of one in-flight transfer.
type ExternalDownload struct {
	ExternalID       string
	Filename         string
	Username         string
	State            string // free text; mapped via MapExternalState
	BytesTransferred int64
	TotalBytes       int64
	ProgressPercent  float64
	ErrorMessage     string
}

// ExternalClient is the slskd-shaped collaborator this worker polls.
type ExternalClient interface {
	IsAvailable(ctx context.Context) bool
	ListDownloads(ctx context.Context) ([]ExternalDownload, error)
	Cancel(ctx context.Context, externalID string) error
}

// DownloadRepository is the subset of the downloads repository this
// worker needs.
type DownloadRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (*download.Download, error)
	FindBySourceFingerprint(ctx context.Context, username, filename string) (*download.Download, error)
	ListActive(ctx context.Context) ([]download.Download, error)
	Save(ctx context.Context, d download.Download) error
}

// TrackRepository records the local file path once a download completes.
type TrackRepository interface {
	SetFilePath(ctx context.Context, trackID, filePath string) error
}

// Config parameterizes a Worker's cycle behavior.
type Config struct {
	CheckInterval    time.Duration
	StaleThreshold   time.Duration
	BreakerName      string
	FailureThreshold int
	BreakerWindow    time.Duration
	ResetTimeout     time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    3 * time.Second,
		StaleThreshold:   12 * time.Hour,
		BreakerName:      "download_status_poll",
		FailureThreshold: 5,
		BreakerWindow:    time.Minute,
		ResetTimeout:     60 * time.Second,
	}
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// Worker runs the Download Status Worker loop.
type Worker struct {
	cfg       Config
	client    ExternalClient
	downloads DownloadRepository
	tracks    TrackRepository
	queue     *queue.Queue
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger

	lastSample map[string]speedSample
	status     *orchestrator.StatusTracker
}

// New builds a Download Status Worker.
func New(cfg Config, client ExternalClient, downloads DownloadRepository, tracks TrackRepository, q *queue.Queue) *Worker {
	return &Worker{
		cfg:        cfg,
		client:     client,
		downloads:  downloads,
		tracks:     tracks,
		queue:      q,
		breaker:    resilience.NewCircuitBreaker(cfg.BreakerName, cfg.FailureThreshold, cfg.FailureThreshold, cfg.BreakerWindow, cfg.ResetTimeout),
		logger:     log.WithComponent("statusworker"),
		lastSample: make(map[string]speedSample),
		status:     orchestrator.NewStatusTracker(),
	}
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
				w.logger.Error().Err(err).Msg("status worker cycle failed")
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

// IsHealthy reports whether the worker is not in a fatally failed state.
// An open circuit breaker is not itself unhealthy — it is the worker
// correctly protecting the external client.
func (w *Worker) IsHealthy() bool { return w.status.Get().State != orchestrator.StateFailed }

// GetStatus reports the worker's current lifecycle state.
func (w *Worker) GetStatus() orchestrator.WorkerStatus { return w.status.Get() }

// BreakerState reports the external-client circuit breaker's state
// separately from the worker's own lifecycle, since an open breaker
// means the worker is correctly protecting the client, not failing.
func (w *Worker) BreakerState() resilience.State { return w.breaker.GetState() }

func (w *Worker) runCycle(ctx context.Context) error {
	if !w.breaker.AllowRequest() {
		w.logger.Debug().Msg("circuit breaker open, skipping cycle")
		return nil
	}

	w.breaker.RecordAttempt()

	if !w.client.IsAvailable(ctx) {
		w.breaker.RecordTechnicalFailure()
		return nil
	}

	externalDownloads, err := w.client.ListDownloads(ctx)
	if err != nil {
		w.breaker.RecordTechnicalFailure()
		return err
	}
	w.breaker.RecordSuccess()

	now := time.Now()
	for _, ext := range externalDownloads {
		if err := w.reconcileOne(ctx, ext, now); err != nil {
			w.logger.Error().Err(err).Str("external_id", ext.ExternalID).Msg("failed to reconcile download")
		}
	}

	return w.detectStale(ctx, now)
}

func (w *Worker) reconcileOne(ctx context.Context, ext ExternalDownload, now time.Time) error {
	d, err := w.downloads.FindByExternalID(ctx, ext.ExternalID)
	if err != nil {
		return err
	}
	if d == nil {
		d, err = w.downloads.FindBySourceFingerprint(ctx, ext.Username, ext.Filename)
		if err != nil {
			return err
		}
	}
	if d == nil {
		return nil // no locally tracked download corresponds to this external entry
	}

	w.recordSpeed(d.ID, ext.BytesTransferred, now)

	d.ProgressPercent = ext.ProgressPercent
	d.SourceUsername = ext.Username
	d.SourceFilename = ext.Filename

	mapped := MapExternalState(ext.State)
	switch {
	case mapped == download.StatusQueued && d.Status == download.StatusPending:
		if err := d.Accept(ext.ExternalID); err != nil {
			return err
		}
	case mapped == download.StatusDownloading && d.Status != download.StatusDownloading:
		if d.Status == download.StatusQueued {
			if err := d.BeginTransfer(now); err != nil {
				return err
			}
		}
	case mapped == download.StatusCompleted && d.Status != download.StatusCompleted:
		if err := w.tracks.SetFilePath(ctx, d.TrackID, ext.Filename); err != nil {
			if ferr := d.RecordFailure(taxonomy.InvalidFile, "failed to persist track file path", now); ferr != nil {
				return ferr
			}
			w.finishJob(ctx, d, false, d.ErrorMessage)
			break
		}
		if err := d.Complete(now); err != nil {
			return err
		}
		w.finishJob(ctx, d, true, "")
	case mapped == download.StatusFailed:
		code := taxonomy.NormalizeString(ext.ErrorMessage)
		if err := d.RecordFailure(code, ext.ErrorMessage, now); err != nil {
			return err
		}
		w.finishJob(ctx, d, false, d.ErrorMessage)
	}

	return w.downloads.Save(ctx, *d)
}

// finishJob settles the background_jobs row the Download Queue Worker left
// running for d's dispatch, now that the transfer itself has reached a
// terminal outcome. A no-op if d was never dispatched through the queue
// (JobID empty), which is only the case in tests that construct a
// Download directly.
func (w *Worker) finishJob(ctx context.Context, d *download.Download, success bool, message string) {
	if d.JobID == "" {
		return
	}
	jobID := d.JobID
	d.JobID = ""

	var err error
	if success {
		err = w.queue.CompleteByID(ctx, jobID, json.RawMessage(`{"settled":"completed"}`))
	} else {
		err = w.queue.FailByID(ctx, jobID, message)
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("download_id", d.ID).Str("job_id", jobID).Msg("failed to settle background job for download")
	}
}

func (w *Worker) recordSpeed(downloadID string, bytes int64, at time.Time) {
	prev, ok := w.lastSample[downloadID]
	w.lastSample[downloadID] = speedSample{at: at, bytes: bytes}
	if !ok {
		return
	}

	elapsed := at.Sub(prev.at)
	if elapsed <= 0 {
		return
	}
	bytesPerSec := float64(bytes-prev.bytes) / elapsed.Seconds()
	w.logger.Debug().Str("download_id", downloadID).Float64("bytes_per_sec", bytesPerSec).Msg("transfer speed sample")
}

// detectStale cancels and fails downloads stuck in downloading with no
// byte progress for at least StaleThreshold.
func (w *Worker) detectStale(ctx context.Context, now time.Time) error {
	active, err := w.downloads.ListActive(ctx)
	if err != nil {
		return err
	}

	for i := range active {
		d := active[i]
		if d.Status != download.StatusDownloading || d.StartedAt == nil {
			continue
		}
		sample, ok := w.lastSample[d.ID]
		stalledSince := *d.StartedAt
		if ok {
			stalledSince = sample.at
		}
		if now.Sub(stalledSince) < w.cfg.StaleThreshold {
			continue
		}

		if d.ExternalID != "" {
			if err := w.client.Cancel(ctx, d.ExternalID); err != nil {
				w.logger.Warn().Err(err).Str("download_id", d.ID).Msg("failed to cancel stale transfer at external client")
			}
		}
		if err := d.RecordFailure(taxonomy.Timeout, "stalled with no progress", now); err != nil {
			return err
		}
		w.finishJob(ctx, &d, false, d.ErrorMessage)
		if err := w.downloads.Save(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// MapExternalState maps the external client's free-text state to the
// core's download states. Unknown strings map to queued.
func MapExternalState(state string) download.Status {
	switch state {
	case "queued", "requested", "initializing":
		return download.StatusQueued
	case "inprogress", "downloading":
		return download.StatusDownloading
	case "completed", "succeeded":
		return download.StatusCompleted
	case "errored", "timedout", "rejected", "forbidden", "removed":
		return download.StatusFailed
	case "cancelled", "aborted":
		return download.StatusCancelled
	default:
		return download.StatusQueued
	}
}
