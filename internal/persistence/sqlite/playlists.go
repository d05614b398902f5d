package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// PlaylistRepository persists imported playlists and a user-maintained
// blacklist of playlists to never reconcile.
type PlaylistRepository struct {
	db *sql.DB
}

// NewPlaylistRepository builds a sqlite-backed playlist repository.
func NewPlaylistRepository(db *sql.DB) *PlaylistRepository { return &PlaylistRepository{db: db} }

// Playlist is one imported playlist.
type Playlist struct {
	ID            string
	ProviderID    string
	Name          string
	IsBlacklisted bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertByProvider inserts or refreshes a playlist, preserving any existing
// blacklist flag (reconciliation must never silently un-blacklist).
func (r *PlaylistRepository) UpsertByProvider(ctx context.Context, providerID, name string) (Playlist, error) {
	now := time.Now()
	id := "playlist:" + providerID
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO playlists (id, provider_id, name, is_blacklisted, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at`,
		id, providerID, name, formatTime(now), formatTime(now))
	if err != nil {
		return Playlist{}, err
	}
	return r.GetByProvider(ctx, providerID)
}

// GetByProvider returns the playlist for providerID.
func (r *PlaylistRepository) GetByProvider(ctx context.Context, providerID string) (Playlist, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, is_blacklisted, created_at, updated_at
		FROM playlists WHERE provider_id = ?`, providerID)
	return scanPlaylist(row)
}

// SetBlacklisted marks a playlist as excluded from future reconciliation.
func (r *PlaylistRepository) SetBlacklisted(ctx context.Context, providerID string, blacklisted bool) error {
	flag := 0
	if blacklisted {
		flag = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE playlists SET is_blacklisted = ?, updated_at = ? WHERE provider_id = ?`,
		flag, formatTime(time.Now()), providerID)
	return err
}

// ListActive returns every non-blacklisted playlist.
func (r *PlaylistRepository) ListActive(ctx context.Context) ([]Playlist, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider_id, name, is_blacklisted, created_at, updated_at
		FROM playlists WHERE is_blacklisted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Playlist
	for rows.Next() {
		p, err := scanPlaylistRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlaylist(row *sql.Row) (Playlist, error) {
	var p Playlist
	var createdAt, updatedAt string
	var blacklisted int
	if err := row.Scan(&p.ID, &p.ProviderID, &p.Name, &blacklisted, &createdAt, &updatedAt); err != nil {
		return Playlist{}, err
	}
	p.IsBlacklisted = blacklisted != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func scanPlaylistRow(rows *sql.Rows) (Playlist, error) {
	var p Playlist
	var createdAt, updatedAt string
	var blacklisted int
	if err := rows.Scan(&p.ID, &p.ProviderID, &p.Name, &blacklisted, &createdAt, &updatedAt); err != nil {
		return Playlist{}, err
	}
	p.IsBlacklisted = blacklisted != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}
