package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// ArtistRepository persists Artist rows keyed by their external provider
// id, the stable natural key artist_sync upserts against.
type ArtistRepository struct {
	db *sql.DB
}

// NewArtistRepository builds a sqlite-backed artist repository.
func NewArtistRepository(db *sql.DB) *ArtistRepository { return &ArtistRepository{db: db} }

// Artist is one followed/owned artist.
type Artist struct {
	ID             string
	ProviderID     string
	Name           string
	OwnershipState OwnershipState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertOwned inserts the artist if new, or marks it owned if it already
// exists. Idempotent: calling this twice with the same ProviderID leaves
// exactly one row.
func (r *ArtistRepository) UpsertOwned(ctx context.Context, providerID, name string) (Artist, error) {
	now := time.Now()
	id := "artist:" + providerID
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artists (id, provider_id, name, ownership_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			name = excluded.name,
			ownership_state = ?,
			updated_at = excluded.updated_at`,
		id, providerID, name, string(OwnershipOwned), formatTime(now), formatTime(now), string(OwnershipOwned))
	if err != nil {
		return Artist{}, err
	}
	return r.GetByProvider(ctx, providerID)
}

// GetByProvider returns the artist for providerID, or sql.ErrNoRows.
func (r *ArtistRepository) GetByProvider(ctx context.Context, providerID string) (Artist, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, ownership_state, created_at, updated_at
		FROM artists WHERE provider_id = ?`, providerID)
	return scanArtist(row)
}

// ListOwned returns every artist with ownership_state = owned, the set
// album_sync/track_sync expand.
func (r *ArtistRepository) ListOwned(ctx context.Context) ([]Artist, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider_id, name, ownership_state, created_at, updated_at
		FROM artists WHERE ownership_state = ?`, string(OwnershipOwned))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artist
	for rows.Next() {
		a, err := scanArtistRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtist(row *sql.Row) (Artist, error) {
	var a Artist
	var createdAt, updatedAt, ownership string
	if err := row.Scan(&a.ID, &a.ProviderID, &a.Name, &ownership, &createdAt, &updatedAt); err != nil {
		return Artist{}, err
	}
	a.OwnershipState = OwnershipState(ownership)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanArtistRow(rows *sql.Rows) (Artist, error) {
	var a Artist
	var createdAt, updatedAt, ownership string
	if err := rows.Scan(&a.ID, &a.ProviderID, &a.Name, &ownership, &createdAt, &updatedAt); err != nil {
		return Artist{}, err
	}
	a.OwnershipState = OwnershipState(ownership)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}
