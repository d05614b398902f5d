package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/vinylsync/vinylsync/internal/apperr"
)

func TestTrackRepositoryUpsertByProviderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewTrackRepository(openDownloadsTestDB(t))

	first, err := repo.UpsertByProvider(ctx, Track{
		AlbumID: "alb1", ProviderID: "prov1", Title: "Track One", TrackNumber: 1,
	})
	if err != nil {
		t.Fatalf("UpsertByProvider: %v", err)
	}

	second, err := repo.UpsertByProvider(ctx, Track{
		AlbumID: "alb1", ProviderID: "prov1", Title: "Track One (Remastered)", TrackNumber: 1,
	})
	if err != nil {
		t.Fatalf("UpsertByProvider (again): %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected stable id across upserts, got %q then %q", first.ID, second.ID)
	}
	if second.Title != "Track One (Remastered)" {
		t.Fatalf("title = %q, want updated title", second.Title)
	}
}

func TestTrackRepositorySetFilePathMarksDownloaded(t *testing.T) {
	ctx := context.Background()
	repo := NewTrackRepository(openDownloadsTestDB(t))

	tr, err := repo.UpsertByProvider(ctx, Track{AlbumID: "alb1", ProviderID: "prov1", Title: "T"})
	if err != nil {
		t.Fatalf("UpsertByProvider: %v", err)
	}

	if err := repo.SetFilePath(ctx, tr.ID, "/music/t.flac"); err != nil {
		t.Fatalf("SetFilePath: %v", err)
	}

	got, err := repo.GetByProvider(ctx, "alb1", "prov1")
	if err != nil {
		t.Fatalf("GetByProvider: %v", err)
	}
	if got.FilePath != "/music/t.flac" || got.DownloadState != DownloadStateDownloaded {
		t.Fatalf("got %+v, want file_path set and download_state=downloaded", got)
	}
}

func TestTrackRepositorySetFilePathMissingTrackNotFound(t *testing.T) {
	repo := NewTrackRepository(openDownloadsTestDB(t))
	err := repo.SetFilePath(context.Background(), "nonexistent", "/x.flac")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestTrackRepositoryMarkQueuedForDownload(t *testing.T) {
	ctx := context.Background()
	repo := NewTrackRepository(openDownloadsTestDB(t))

	tr, err := repo.UpsertByProvider(ctx, Track{AlbumID: "alb1", ProviderID: "prov1", Title: "T"})
	if err != nil {
		t.Fatalf("UpsertByProvider: %v", err)
	}
	if err := repo.MarkQueuedForDownload(ctx, tr.ID); err != nil {
		t.Fatalf("MarkQueuedForDownload: %v", err)
	}

	got, err := repo.GetByProvider(ctx, "alb1", "prov1")
	if err != nil {
		t.Fatalf("GetByProvider: %v", err)
	}
	if got.DownloadState != DownloadStatePending {
		t.Fatalf("download_state = %s, want pending", got.DownloadState)
	}
}

func TestTrackRepositoryResetStaleFailedDownloads(t *testing.T) {
	ctx := context.Background()
	db := openDownloadsTestDB(t)
	repo := NewTrackRepository(db)

	tr, err := repo.UpsertByProvider(ctx, Track{AlbumID: "alb1", ProviderID: "prov1", Title: "T"})
	if err != nil {
		t.Fatalf("UpsertByProvider: %v", err)
	}
	if err := repo.MarkQueuedForDownload(ctx, tr.ID); err != nil {
		t.Fatalf("MarkQueuedForDownload: %v", err)
	}
	// Force updated_at into the past so the cutoff comparison picks it up.
	if _, err := db.ExecContext(ctx, `UPDATE tracks SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().Add(-48*time.Hour)), tr.ID); err != nil {
		t.Fatalf("backdate updated_at: %v", err)
	}

	n, err := repo.ResetStaleFailedDownloads(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ResetStaleFailedDownloads: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset count = %d, want 1", n)
	}

	got, err := repo.GetByProvider(ctx, "alb1", "prov1")
	if err != nil {
		t.Fatalf("GetByProvider: %v", err)
	}
	if got.DownloadState != DownloadStateNotNeeded {
		t.Fatalf("download_state = %s, want not_needed", got.DownloadState)
	}
}
