package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vinylsync/vinylsync/internal/download"
	"github.com/vinylsync/vinylsync/internal/taxonomy"
)

// DownloadRepository persists Download entities to the downloads table. It
// satisfies the collaborator interfaces both the Download Queue Worker and
// the Download Status Worker depend on, so a single concrete type backs
// both.
type DownloadRepository struct {
	db *sql.DB
}

// NewDownloadRepository builds a sqlite-backed download repository.
func NewDownloadRepository(db *sql.DB) *DownloadRepository { return &DownloadRepository{db: db} }

// Create inserts a brand new download in the waiting state, assigning it a
// fresh id.
func (r *DownloadRepository) Create(ctx context.Context, trackID string, priority int, maxRetries int) (download.Download, error) {
	now := time.Now()
	d := download.Download{
		ID:         uuid.NewString(),
		TrackID:    trackID,
		Status:     download.StatusWaiting,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}
	if err := r.Save(ctx, d); err != nil {
		return download.Download{}, err
	}
	return d, nil
}

// ListWaiting returns up to limit waiting downloads, highest priority and
// oldest created_at first.
func (r *DownloadRepository) ListWaiting(ctx context.Context, limit int) ([]download.Download, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, string(download.StatusWaiting), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDownloads(rows)
}

// ListRetryEligible returns failed, retryable downloads whose next_retry_at
// has elapsed.
func (r *DownloadRepository) ListRetryEligible(ctx context.Context, now time.Time, limit int) ([]download.Download, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, string(download.StatusFailed), formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanDownloads(rows)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, d := range all {
		if taxonomy.Classify(d.LastErrorCode) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListActive returns downloads currently downloading (for stale-transfer
// detection).
func (r *DownloadRepository) ListActive(ctx context.Context) ([]download.Download, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads WHERE status = ?`, string(download.StatusDownloading))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDownloads(rows)
}

// ListFailedForSource returns failed downloads pinned to a (username,
// filepath) source, for blocklist escalation.
func (r *DownloadRepository) ListFailedForSource(ctx context.Context, username, filepath string) ([]download.Download, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ? AND source_username = ? AND source_filename = ?`,
		string(download.StatusFailed), username, filepath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDownloads(rows)
}

// ListDistinctFailedSources returns the distinct (username, filepath) pairs
// behind failed downloads created since `since`, for blocklist escalation
// scans.
func (r *DownloadRepository) ListDistinctFailedSources(ctx context.Context, since time.Time, limit int) ([]download.SourceRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT source_username, source_filename FROM downloads
		WHERE status = ? AND created_at >= ?
		  AND (source_username IS NOT NULL OR source_filename IS NOT NULL)
		LIMIT ?`, string(download.StatusFailed), formatTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []download.SourceRef
	for rows.Next() {
		var username, filepath sql.NullString
		if err := rows.Scan(&username, &filepath); err != nil {
			return nil, err
		}
		out = append(out, download.SourceRef{Username: username.String, Filepath: filepath.String})
	}
	return out, rows.Err()
}

// FindByID returns the download with the given id, or nil.
func (r *DownloadRepository) FindByID(ctx context.Context, id string) (*download.Download, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	return scanOneDownload(row)
}

// FindByExternalID returns the download with the given external id, or nil.
func (r *DownloadRepository) FindByExternalID(ctx context.Context, externalID string) (*download.Download, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads WHERE external_id = ?`, externalID)
	return scanOneDownload(row)
}

// FindBySourceFingerprint returns the download matching a (username,
// filename) pair, used to reconcile external entries that have not yet
// been assigned an external id locally.
func (r *DownloadRepository) FindBySourceFingerprint(ctx context.Context, username, filename string) (*download.Download, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE source_username = ? AND source_filename = ?`, username, filename)
	return scanOneDownload(row)
}

// Save upserts d in full.
func (r *DownloadRepository) Save(ctx context.Context, d download.Download) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (
			id, track_id, external_id, source_username, source_filename, status, priority,
			progress_percent, error_message, last_error_code, retry_count, max_retries,
			next_retry_at, created_at, started_at, completed_at, job_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			external_id = excluded.external_id,
			source_username = excluded.source_username,
			source_filename = excluded.source_filename,
			status = excluded.status,
			priority = excluded.priority,
			progress_percent = excluded.progress_percent,
			error_message = excluded.error_message,
			last_error_code = excluded.last_error_code,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			next_retry_at = excluded.next_retry_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			job_id = excluded.job_id`,
		d.ID, d.TrackID, nullableString(d.ExternalID), nullableString(d.SourceUsername), nullableString(d.SourceFilename),
		string(d.Status), d.Priority, d.ProgressPercent, nullableString(d.ErrorMessage), nullableString(string(d.LastErrorCode)),
		d.RetryCount, d.MaxRetries, nullableTime(d.NextRetryAt), formatTime(d.CreatedAt), nullableTime(d.StartedAt), nullableTime(d.CompletedAt),
		nullableString(d.JobID),
	)
	return err
}

const downloadColumns = `
	id, track_id, external_id, source_username, source_filename, status, priority,
	progress_percent, error_message, last_error_code, retry_count, max_retries,
	next_retry_at, created_at, started_at, completed_at, job_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownloadRow(s rowScanner) (download.Download, error) {
	var d download.Download
	var externalID, sourceUsername, sourceFilename, errorMessage, lastErrorCode, jobID sql.NullString
	var nextRetryAt, startedAt, completedAt sql.NullString
	var createdAt string
	var status string

	err := s.Scan(
		&d.ID, &d.TrackID, &externalID, &sourceUsername, &sourceFilename, &status, &d.Priority,
		&d.ProgressPercent, &errorMessage, &lastErrorCode, &d.RetryCount, &d.MaxRetries,
		&nextRetryAt, &createdAt, &startedAt, &completedAt, &jobID,
	)
	if err != nil {
		return download.Download{}, err
	}

	d.Status = download.Status(status)
	d.ExternalID = externalID.String
	d.SourceUsername = sourceUsername.String
	d.SourceFilename = sourceFilename.String
	d.ErrorMessage = errorMessage.String
	d.LastErrorCode = taxonomy.Code(lastErrorCode.String)
	d.JobID = jobID.String
	d.CreatedAt = parseTime(createdAt)
	if nextRetryAt.Valid {
		t := parseTime(nextRetryAt.String)
		d.NextRetryAt = &t
	}
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		d.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		d.CompletedAt = &t
	}
	return d, nil
}

func scanDownloads(rows *sql.Rows) ([]download.Download, error) {
	var out []download.Download
	for rows.Next() {
		d, err := scanDownloadRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanOneDownload(row *sql.Row) (*download.Download, error) {
	d, err := scanDownloadRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
