package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// QualityProfileRepository tracks tracks watchlisted for a bitrate
// upgrade once a higher-quality source becomes available.
type QualityProfileRepository struct {
	db *sql.DB
}

// NewQualityProfileRepository builds a sqlite-backed quality-profile repository.
func NewQualityProfileRepository(db *sql.DB) *QualityProfileRepository {
	return &QualityProfileRepository{db: db}
}

// QualityProfile is one track's upgrade watch entry.
type QualityProfile struct {
	TrackID        string
	TargetBitrate  int
	CurrentBitrate int
	WatchlistedAt  time.Time
}

// Watchlist registers trackID for a bitrate upgrade, or updates the target
// if it is already watchlisted.
func (r *QualityProfileRepository) Watchlist(ctx context.Context, trackID string, targetBitrate, currentBitrate int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quality_profiles (track_id, target_bitrate, current_bitrate, watchlisted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (track_id) DO UPDATE SET
			target_bitrate = excluded.target_bitrate,
			current_bitrate = excluded.current_bitrate`,
		trackID, targetBitrate, currentBitrate, formatTime(time.Now()))
	return err
}

// ListDueForUpgrade returns every watchlisted track whose current bitrate
// still falls short of its target.
func (r *QualityProfileRepository) ListDueForUpgrade(ctx context.Context, limit int) ([]QualityProfile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT track_id, target_bitrate, current_bitrate, watchlisted_at
		FROM quality_profiles WHERE current_bitrate < target_bitrate
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QualityProfile
	for rows.Next() {
		var qp QualityProfile
		var watchlistedAt string
		if err := rows.Scan(&qp.TrackID, &qp.TargetBitrate, &qp.CurrentBitrate, &watchlistedAt); err != nil {
			return nil, err
		}
		qp.WatchlistedAt = parseTime(watchlistedAt)
		out = append(out, qp)
	}
	return out, rows.Err()
}

// Remove drops a track from the watchlist once it has been upgraded.
func (r *QualityProfileRepository) Remove(ctx context.Context, trackID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM quality_profiles WHERE track_id = ?`, trackID)
	return err
}
