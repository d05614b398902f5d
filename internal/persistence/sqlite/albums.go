package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// AlbumRepository persists Album rows keyed by (artist_id, provider_id).
type AlbumRepository struct {
	db *sql.DB
}

// NewAlbumRepository builds a sqlite-backed album repository.
func NewAlbumRepository(db *sql.DB) *AlbumRepository { return &AlbumRepository{db: db} }

// Album is one release by an owned artist.
type Album struct {
	ID          string
	ArtistID    string
	ProviderID  string
	Title       string
	ReleaseDate string
	ArtworkURL  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertByProvider inserts or refreshes an album under its stable natural
// key (artist_id, provider_id).
func (r *AlbumRepository) UpsertByProvider(ctx context.Context, a Album) (Album, error) {
	now := time.Now()
	id := a.ArtistID + ":" + a.ProviderID
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO albums (id, artist_id, provider_id, title, release_date, artwork_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artist_id, provider_id) DO UPDATE SET
			title = excluded.title,
			release_date = excluded.release_date,
			artwork_url = excluded.artwork_url,
			updated_at = excluded.updated_at`,
		id, a.ArtistID, a.ProviderID, a.Title, nullableString(a.ReleaseDate), nullableString(a.ArtworkURL),
		formatTime(now), formatTime(now))
	if err != nil {
		return Album{}, err
	}
	return r.GetByProvider(ctx, a.ArtistID, a.ProviderID)
}

// GetByProvider returns the album for (artistID, providerID).
func (r *AlbumRepository) GetByProvider(ctx context.Context, artistID, providerID string) (Album, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, artist_id, provider_id, title, release_date, artwork_url, created_at, updated_at
		FROM albums WHERE artist_id = ? AND provider_id = ?`, artistID, providerID)
	return scanAlbum(row)
}

// ListByArtist returns every album owned by artistID, the set track_sync
// expands into tracks.
func (r *AlbumRepository) ListByArtist(ctx context.Context, artistID string) ([]Album, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, artist_id, provider_id, title, release_date, artwork_url, created_at, updated_at
		FROM albums WHERE artist_id = ?`, artistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Album
	for rows.Next() {
		al, err := scanAlbumRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

func scanAlbum(row *sql.Row) (Album, error) {
	var a Album
	var releaseDate, artworkURL sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.ArtistID, &a.ProviderID, &a.Title, &releaseDate, &artworkURL, &createdAt, &updatedAt); err != nil {
		return Album{}, err
	}
	a.ReleaseDate = releaseDate.String
	a.ArtworkURL = artworkURL.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanAlbumRow(rows *sql.Rows) (Album, error) {
	var a Album
	var releaseDate, artworkURL sql.NullString
	var createdAt, updatedAt string
	if err := rows.Scan(&a.ID, &a.ArtistID, &a.ProviderID, &a.Title, &releaseDate, &artworkURL, &createdAt, &updatedAt); err != nil {
		return Album{}, err
	}
	a.ReleaseDate = releaseDate.String
	a.ArtworkURL = artworkURL.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}
