// Package external defines the abstract collaborators the core consumes
// from outside itself: import sources for followed-artist/album/track/
// playlist data, and metadata enrichment providers. The core depends only
// on these interfaces and the small DTOs below, never on a vendor SDK or
// its types, so a new music service plugs in without touching coordinator
// logic.
package external

import "context"

// ArtistDTO carries only stable identifiers and display fields from an
// external service — no vendor-specific enums or HTML.
type ArtistDTO struct {
	ProviderID string
	Name       string
}

// AlbumDTO is one release by an artist.
type AlbumDTO struct {
	ProviderID  string
	Title       string
	ReleaseDate string
	ArtworkURL  string
}

// TrackDTO is one track on an album.
type TrackDTO struct {
	ProviderID      string
	Title           string
	TrackNumber     int
	DurationSeconds int
	ISRC            string
}

// PlaylistDTO is one playlist the user follows on an external service.
type PlaylistDTO struct {
	ProviderID string
	Name       string
}

// ImportSource is one external music service the coordinator can sync
// from (Spotify, Deezer, ...). Every method is safe to call repeatedly;
// handlers upsert on the DTOs' ProviderID, never duplicating rows.
type ImportSource interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	ImportArtists(ctx context.Context) ([]ArtistDTO, error)
	ImportAlbumsForArtist(ctx context.Context, artistProviderID, artistName string) ([]AlbumDTO, error)
	ImportTracksForAlbum(ctx context.Context, albumProviderID string) ([]TrackDTO, error)
	ImportPlaylists(ctx context.Context) ([]PlaylistDTO, error)
}

// EnrichmentResult is metadata an EnrichmentProvider attaches to a track
// or artist; fields are optional and additive across providers.
type EnrichmentResult struct {
	ISRC       string
	ArtworkURL string
	Genres     []string
}

// EnrichmentProvider supplies supplementary metadata for an entity
// identified by ISRC or name, tried in a fixed provider order (Spotify,
// then Deezer, then MusicBrainz/Cover Art Archive) until one succeeds.
type EnrichmentProvider interface {
	Name() string
	Enrich(ctx context.Context, title, artistName, isrc string) (EnrichmentResult, error)
}
