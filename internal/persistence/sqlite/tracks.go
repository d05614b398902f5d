package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vinylsync/vinylsync/internal/apperr"
)

// TrackRepository persists Track rows: the local catalog entries a
// Download resolves against. It owns ownership_state/download_state/
// file_path bookkeeping for artist_sync/album_sync/track_sync and for
// the Download Status Worker's completion path.
type TrackRepository struct {
	db *sql.DB
}

// NewTrackRepository builds a sqlite-backed track repository.
func NewTrackRepository(db *sql.DB) *TrackRepository { return &TrackRepository{db: db} }

// OwnershipState is whether the user's library claims a catalog entity.
type OwnershipState string

const (
	OwnershipOwned    OwnershipState = "owned"
	OwnershipNotOwned OwnershipState = "not_owned"
)

// DownloadState is the catalog-side mirror of a track's acquisition status,
// distinct from Download.Status: it survives even if no Download row
// currently exists for the track.
type DownloadState string

const (
	DownloadStateNotNeeded DownloadState = "not_needed"
	DownloadStatePending   DownloadState = "pending"
	DownloadStateDownloaded DownloadState = "downloaded"
)

// Track is one catalog entry.
type Track struct {
	ID              string
	AlbumID         string
	ProviderID      string
	ISRC            string
	Title           string
	TrackNumber     int
	DurationSeconds int
	OwnershipState  OwnershipState
	DownloadState   DownloadState
	FilePath        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SetFilePath records the local file path for a completed download and
// marks the track downloaded. Used by the Download Status Worker.
func (r *TrackRepository) SetFilePath(ctx context.Context, trackID, filePath string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET file_path = ?, download_state = ?, updated_at = ?
		WHERE id = ?`, filePath, string(DownloadStateDownloaded), formatTime(time.Now()), trackID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("tracks.SetFilePath", fmt.Errorf("no track with id %q", trackID))
	}
	return nil
}

// UpsertByProvider inserts or updates a track keyed by (album_id,
// provider_id), the stable natural key that makes track_sync idempotent.
// Pre-existing ownership/download state and file path are preserved.
func (r *TrackRepository) UpsertByProvider(ctx context.Context, t Track) (Track, error) {
	now := time.Now()
	if t.OwnershipState == "" {
		t.OwnershipState = OwnershipOwned
	}
	if t.DownloadState == "" {
		t.DownloadState = DownloadStateNotNeeded
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracks (id, album_id, provider_id, isrc, title, track_number, duration_seconds,
			ownership_state, download_state, file_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (album_id, provider_id) DO UPDATE SET
			isrc = excluded.isrc,
			title = excluded.title,
			track_number = excluded.track_number,
			duration_seconds = excluded.duration_seconds,
			updated_at = excluded.updated_at`,
		idFor(t.AlbumID, t.ProviderID), t.AlbumID, t.ProviderID, nullableString(t.ISRC), t.Title,
		t.TrackNumber, t.DurationSeconds, string(t.OwnershipState), string(t.DownloadState),
		nullableString(t.FilePath), formatTime(now), formatTime(now))
	if err != nil {
		return Track{}, err
	}

	return r.GetByProvider(ctx, t.AlbumID, t.ProviderID)
}

// GetByProvider returns the track for (albumID, providerID), or a
// NotFound apperr.
func (r *TrackRepository) GetByProvider(ctx context.Context, albumID, providerID string) (Track, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, album_id, provider_id, isrc, title, track_number, duration_seconds,
			ownership_state, download_state, file_path, created_at, updated_at
		FROM tracks WHERE album_id = ? AND provider_id = ?`, albumID, providerID)
	return scanTrack(row)
}

// MarkQueuedForDownload sets download_state = pending ahead of a Download
// row being created for this track.
func (r *TrackRepository) MarkQueuedForDownload(ctx context.Context, trackID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET download_state = ?, updated_at = ? WHERE id = ?`,
		string(DownloadStatePending), formatTime(time.Now()), trackID)
	return err
}

// ListMissingMetadata returns owned tracks with no ISRC recorded yet, the
// enrichment task's candidate set.
func (r *TrackRepository) ListMissingMetadata(ctx context.Context, limit int) ([]Track, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, album_id, provider_id, isrc, title, track_number, duration_seconds,
			ownership_state, download_state, file_path, created_at, updated_at
		FROM tracks
		WHERE (isrc IS NULL OR isrc = '') AND ownership_state = ?
		LIMIT ?`, string(OwnershipOwned), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Track
	for rows.Next() {
		var t Track
		var isrc, filePath sql.NullString
		var ownership, downloadState, createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.AlbumID, &t.ProviderID, &isrc, &t.Title, &t.TrackNumber, &t.DurationSeconds,
			&ownership, &downloadState, &filePath, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.ISRC = isrc.String
		t.FilePath = filePath.String
		t.OwnershipState = OwnershipState(ownership)
		t.DownloadState = DownloadState(downloadState)
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetISRC records an enrichment provider's ISRC for a track.
func (r *TrackRepository) SetISRC(ctx context.Context, trackID, isrc string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET isrc = ?, updated_at = ? WHERE id = ?`,
		isrc, formatTime(time.Now()), trackID)
	return err
}

// ResetStaleFailedDownloads resets tracks whose download_state is stuck at
// pending with no progress for cutoff days back to not_needed, per the
// cleanup task's download_cleanup_days setting.
func (r *TrackRepository) ResetStaleFailedDownloads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET download_state = ?, updated_at = ?
		WHERE download_state = ? AND updated_at < ?`,
		string(DownloadStateNotNeeded), formatTime(time.Now()), string(DownloadStatePending), formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanTrack(row *sql.Row) (Track, error) {
	var t Track
	var isrc, filePath sql.NullString
	var ownership, downloadState, createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.AlbumID, &t.ProviderID, &isrc, &t.Title, &t.TrackNumber, &t.DurationSeconds,
		&ownership, &downloadState, &filePath, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Track{}, apperr.NotFound("tracks.GetByProvider", err)
		}
		return Track{}, err
	}

	t.ISRC = isrc.String
	t.FilePath = filePath.String
	t.OwnershipState = OwnershipState(ownership)
	t.DownloadState = DownloadState(downloadState)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// idFor derives a stable, deterministic track id from its natural key so
// that repeated UpsertByProvider calls for the same (album, provider id)
// always target the same row without a read-before-write.
func idFor(albumID, providerID string) string {
	return albumID + ":" + providerID
}
