package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/vinylsync/vinylsync/internal/apperr"
	"github.com/vinylsync/vinylsync/internal/blocklist"
	"github.com/vinylsync/vinylsync/internal/external"
	"github.com/vinylsync/vinylsync/internal/log"
	"github.com/vinylsync/vinylsync/internal/persistence/sqlite"
)

// Deps bundles the repositories and external collaborators the task
// handlers need. All fields are required except Sources and Enrichers,
// which may be empty while no external service is configured.
type Deps struct {
	Artists   *sqlite.ArtistRepository
	Albums    *sqlite.AlbumRepository
	Tracks    *sqlite.TrackRepository
	Playlists *sqlite.PlaylistRepository
	Quality   *sqlite.QualityProfileRepository
	Downloads *sqlite.DownloadRepository
	Blocklist *blocklist.Repository

	Sources   []external.ImportSource
	Enrichers []external.EnrichmentProvider

	AutoQueueDownloads  bool
	EnrichmentBatchSize int
	DownloadCleanupDays int
}

// Handlers implements one Handler method per TaskType, closed over Deps.
type Handlers struct {
	deps   Deps
	logger zerolog.Logger
}

// NewHandlers builds the task handler set.
func NewHandlers(deps Deps) *Handlers {
	if deps.EnrichmentBatchSize <= 0 {
		deps.EnrichmentBatchSize = 20
	}
	if deps.DownloadCleanupDays <= 0 {
		deps.DownloadCleanupDays = 30
	}
	return &Handlers{deps: deps, logger: log.WithComponent("coordinator.handlers")}
}

func (h *Handlers) availableSources(ctx context.Context) []external.ImportSource {
	var avail []external.ImportSource
	for _, s := range h.deps.Sources {
		if s.IsAvailable(ctx) {
			avail = append(avail, s)
		}
	}
	return avail
}

type artistSyncResult struct {
	Imported int    `json:"imported"`
	Skipped  string `json:"skipped,omitempty"`
}

// ArtistSync imports followed artists from every available source and
// upserts them as owned. Idempotent: reruns update the same rows. A
// source whose credentials need reauthentication is skipped rather than
// treated as a failure: the result reports it so the caller can surface
// it, but the task run still completes successfully.
func (h *Handlers) ArtistSync(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	result := artistSyncResult{}
	for _, source := range h.availableSources(ctx) {
		artists, err := source.ImportArtists(ctx)
		if err != nil {
			if apperr.Is(err, apperr.KindNeedsReauthentication) {
				result.Skipped = "needs_reauth"
				continue
			}
			h.logger.Warn().Err(err).Str("source", source.Name()).Msg("artist import failed")
			continue
		}
		for _, a := range artists {
			if _, err := h.deps.Artists.UpsertOwned(ctx, a.ProviderID, a.Name); err != nil {
				return nil, err
			}
			result.Imported++
		}
	}
	return json.Marshal(result)
}

type albumSyncResult struct {
	Imported int    `json:"imported"`
	Skipped  string `json:"skipped,omitempty"`
}

// AlbumSync expands every owned artist into its releases. A source
// needing reauthentication is skipped and recorded on the result rather
// than logged as a failure.
func (h *Handlers) AlbumSync(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	artists, err := h.deps.Artists.ListOwned(ctx)
	if err != nil {
		return nil, err
	}
	sources := h.availableSources(ctx)

	result := albumSyncResult{}
	for _, artist := range artists {
		for _, source := range sources {
			albums, err := source.ImportAlbumsForArtist(ctx, artist.ProviderID, artist.Name)
			if err != nil {
				if apperr.Is(err, apperr.KindNeedsReauthentication) {
					result.Skipped = "needs_reauth"
					continue
				}
				h.logger.Warn().Err(err).Str("source", source.Name()).Str("artist", artist.Name).Msg("album import failed")
				continue
			}
			for _, a := range albums {
				_, err := h.deps.Albums.UpsertByProvider(ctx, sqlite.Album{
					ArtistID:    artist.ID,
					ProviderID:  a.ProviderID,
					Title:       a.Title,
					ReleaseDate: a.ReleaseDate,
					ArtworkURL:  a.ArtworkURL,
				})
				if err != nil {
					return nil, err
				}
				result.Imported++
			}
		}
	}
	return json.Marshal(result)
}

type trackSyncResult struct {
	Imported int    `json:"imported"`
	Queued   int    `json:"queued"`
	Skipped  string `json:"skipped,omitempty"`
}

// TrackSync expands every owned artist's albums into tracks, and — when
// auto-queueing is enabled — requests a download for every track newly
// discovered with no prior download state.
func (h *Handlers) TrackSync(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	artists, err := h.deps.Artists.ListOwned(ctx)
	if err != nil {
		return nil, err
	}
	sources := h.availableSources(ctx)

	result := trackSyncResult{}
	for _, artist := range artists {
		albums, err := h.deps.Albums.ListByArtist(ctx, artist.ID)
		if err != nil {
			return nil, err
		}
		for _, album := range albums {
			for _, source := range sources {
				tracks, err := source.ImportTracksForAlbum(ctx, album.ProviderID)
				if err != nil {
					if apperr.Is(err, apperr.KindNeedsReauthentication) {
						result.Skipped = "needs_reauth"
						continue
					}
					h.logger.Warn().Err(err).Str("source", source.Name()).Str("album", album.Title).Msg("track import failed")
					continue
				}
				for _, dto := range tracks {
					saved, err := h.deps.Tracks.UpsertByProvider(ctx, sqlite.Track{
						AlbumID:         album.ID,
						ProviderID:      dto.ProviderID,
						ISRC:            dto.ISRC,
						Title:           dto.Title,
						TrackNumber:     dto.TrackNumber,
						DurationSeconds: dto.DurationSeconds,
					})
					if err != nil {
						return nil, err
					}
					result.Imported++

					if h.deps.AutoQueueDownloads && saved.DownloadState == sqlite.DownloadStateNotNeeded {
						if _, err := h.deps.Downloads.Create(ctx, saved.ID, PriorityNormal.QueuePriority(), 3); err != nil {
							return nil, err
						}
						if err := h.deps.Tracks.MarkQueuedForDownload(ctx, saved.ID); err != nil {
							return nil, err
						}
						result.Queued++
					}
				}
			}
		}
	}
	return json.Marshal(result)
}

type playlistSyncResult struct {
	Imported int    `json:"imported"`
	Skipped  string `json:"skipped,omitempty"`
}

// PlaylistSync imports followed playlists from every available source.
// Existing blacklist flags are preserved across reruns. A source needing
// reauthentication is skipped and recorded on the result.
func (h *Handlers) PlaylistSync(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	result := playlistSyncResult{}
	for _, source := range h.availableSources(ctx) {
		playlists, err := source.ImportPlaylists(ctx)
		if err != nil {
			if apperr.Is(err, apperr.KindNeedsReauthentication) {
				result.Skipped = "needs_reauth"
				continue
			}
			h.logger.Warn().Err(err).Str("source", source.Name()).Msg("playlist import failed")
			continue
		}
		for _, p := range playlists {
			if _, err := h.deps.Playlists.UpsertByProvider(ctx, p.ProviderID, p.Name); err != nil {
				return nil, err
			}
			result.Imported++
		}
	}
	return json.Marshal(result)
}

type enrichmentResult struct {
	Enriched int    `json:"enriched"`
	Skipped  string `json:"skipped,omitempty"`
}

// Enrichment fills in missing metadata for a batch of owned tracks,
// trying each configured provider in order until one succeeds per track.
// A provider needing reauthentication is skipped for this track and
// recorded on the result; the next provider in order still gets a try.
func (h *Handlers) Enrichment(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	tracks, err := h.deps.Tracks.ListMissingMetadata(ctx, h.deps.EnrichmentBatchSize)
	if err != nil {
		return nil, err
	}

	result := enrichmentResult{}
	for _, t := range tracks {
		for _, provider := range h.deps.Enrichers {
			res, err := provider.Enrich(ctx, t.Title, "", t.ISRC)
			if err != nil {
				if apperr.Is(err, apperr.KindNeedsReauthentication) {
					result.Skipped = "needs_reauth"
				}
				continue
			}
			if res.ISRC == "" {
				continue
			}
			if err := h.deps.Tracks.SetISRC(ctx, t.ID, res.ISRC); err != nil {
				return nil, err
			}
			result.Enriched++
			break
		}
	}
	return json.Marshal(result)
}

type cleanupResult struct {
	BlocklistPurged int64 `json:"blocklist_purged"`
	DownloadsReset  int64 `json:"downloads_reset"`
}

// Cleanup purges expired blocklist entries and resets tracks whose
// download has been stuck pending longer than the configured window.
func (h *Handlers) Cleanup(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	now := time.Now()

	purged, err := h.deps.Blocklist.PurgeExpired(ctx, now)
	if err != nil {
		return nil, err
	}

	cutoff := now.AddDate(0, 0, -h.deps.DownloadCleanupDays)
	reset, err := h.deps.Tracks.ResetStaleFailedDownloads(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	return json.Marshal(cleanupResult{BlocklistPurged: purged, DownloadsReset: reset})
}

// downloadRequestPayload is the on-demand request a caller enqueues to
// ask for a specific track, bypassing the catalog sync's auto-queue path.
type downloadRequestPayload struct {
	TrackID  string `json:"track_id"`
	Priority int    `json:"priority"`
}

// DownloadRequest creates a Download row for an explicitly requested
// track and marks it queued in the catalog.
func (h *Handlers) DownloadRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req downloadRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if _, err := h.deps.Downloads.Create(ctx, req.TrackID, req.Priority, 3); err != nil {
		return nil, err
	}
	if err := h.deps.Tracks.MarkQueuedForDownload(ctx, req.TrackID); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		TrackID string `json:"track_id"`
	}{TrackID: req.TrackID})
}

type qualityUpgradeResult struct {
	Requested int `json:"requested"`
}

// QualityUpgrade requests a fresh download for every watchlisted track
// still below its target bitrate. The watchlist entry is cleared once a
// new attempt is queued; a quality scan re-adds it if still short.
func (h *Handlers) QualityUpgrade(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	profiles, err := h.deps.Quality.ListDueForUpgrade(ctx, h.deps.EnrichmentBatchSize)
	if err != nil {
		return nil, err
	}

	requested := 0
	for _, p := range profiles {
		if _, err := h.deps.Downloads.Create(ctx, p.TrackID, PriorityHigh.QueuePriority(), 3); err != nil {
			return nil, err
		}
		if err := h.deps.Tracks.MarkQueuedForDownload(ctx, p.TrackID); err != nil {
			return nil, err
		}
		if err := h.deps.Quality.Remove(ctx, p.TrackID); err != nil {
			return nil, err
		}
		requested++
	}
	return json.Marshal(qualityUpgradeResult{Requested: requested})
}
