package statusworker

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/vinylsync/vinylsync/internal/download"
	"github.com/vinylsync/vinylsync/internal/orchestrator"
	"github.com/vinylsync/vinylsync/internal/persistence/sqlite"
	"github.com/vinylsync/vinylsync/internal/queue"
	"github.com/vinylsync/vinylsync/internal/taxonomy"

	_ "modernc.org/sqlite"
)

type fakeClient struct {
	available bool
	downloads []ExternalDownload
	cancelled []string
	listErr   error
}

func (f *fakeClient) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeClient) ListDownloads(ctx context.Context) ([]ExternalDownload, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.downloads, nil
}
func (f *fakeClient) Cancel(ctx context.Context, externalID string) error {
	f.cancelled = append(f.cancelled, externalID)
	return nil
}

type fakeDownloads struct {
	byID map[string]*download.Download
}

func newFakeDownloads() *fakeDownloads { return &fakeDownloads{byID: make(map[string]*download.Download)} }

func (f *fakeDownloads) add(d download.Download) {
	cp := d
	f.byID[d.ID] = &cp
}

func (f *fakeDownloads) FindByExternalID(ctx context.Context, externalID string) (*download.Download, error) {
	for _, d := range f.byID {
		if d.ExternalID == externalID && externalID != "" {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDownloads) FindBySourceFingerprint(ctx context.Context, username, filename string) (*download.Download, error) {
	for _, d := range f.byID {
		if d.SourceUsername == username && d.SourceFilename == filename {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDownloads) ListActive(ctx context.Context) ([]download.Download, error) {
	var out []download.Download
	for _, d := range f.byID {
		if d.Status == download.StatusDownloading {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDownloads) Save(ctx context.Context, d download.Download) error {
	f.add(d)
	return nil
}

type fakeTracks struct {
	paths map[string]string
	err   error
}

func (f *fakeTracks) SetFilePath(ctx context.Context, trackID, filePath string) error {
	if f.err != nil {
		return f.err
	}
	if f.paths == nil {
		f.paths = make(map[string]string)
	}
	f.paths[trackID] = filePath
	return nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestMapExternalState(t *testing.T) {
	cases := map[string]download.Status{
		"queued":       download.StatusQueued,
		"inprogress":   download.StatusDownloading,
		"completed":    download.StatusCompleted,
		"succeeded":    download.StatusCompleted,
		"errored":      download.StatusFailed,
		"timedout":     download.StatusFailed,
		"bogus string": download.StatusQueued,
	}
	for in, want := range cases {
		if got := MapExternalState(in); got != want {
			t.Errorf("MapExternalState(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestReconcileAcceptsPendingDownload(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{ID: "d1", TrackID: "t1", Status: download.StatusPending, Priority: 0,
		SourceUsername: "alice", SourceFilename: "track.flac"})

	client := &fakeClient{available: true, downloads: []ExternalDownload{
		{ExternalID: "ext-1", Username: "alice", Filename: "track.flac", State: "queued"},
	}}

	w := New(DefaultConfig(), client, fd, &fakeTracks{}, queue.New(openTestDB(t)))
	if err := w.runCycle(ctx); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	if fd.byID["d1"].Status != download.StatusQueued {
		t.Fatalf("status = %s, want queued", fd.byID["d1"].Status)
	}
	if fd.byID["d1"].ExternalID != "ext-1" {
		t.Fatalf("external_id = %q, want ext-1", fd.byID["d1"].ExternalID)
	}
}

func TestReconcileCompletionSetsTrackFilePath(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{ID: "d1", TrackID: "t1", Status: download.StatusDownloading, ExternalID: "ext-1"})

	client := &fakeClient{available: true, downloads: []ExternalDownload{
		{ExternalID: "ext-1", Filename: "/music/track.flac", State: "completed", ProgressPercent: 100},
	}}
	tracks := &fakeTracks{}

	w := New(DefaultConfig(), client, fd, tracks, queue.New(openTestDB(t)))
	if err := w.runCycle(ctx); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	if fd.byID["d1"].Status != download.StatusCompleted {
		t.Fatalf("status = %s, want completed", fd.byID["d1"].Status)
	}
	if tracks.paths["t1"] != "/music/track.flac" {
		t.Fatalf("track file path = %q, want /music/track.flac", tracks.paths["t1"])
	}
}

func TestReconcileFailureNormalizesErrorCode(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{ID: "d1", TrackID: "t1", Status: download.StatusDownloading, ExternalID: "ext-1", MaxRetries: 3})

	client := &fakeClient{available: true, downloads: []ExternalDownload{
		{ExternalID: "ext-1", State: "errored", ErrorMessage: "connection timed out"},
	}}

	w := New(DefaultConfig(), client, fd, &fakeTracks{}, queue.New(openTestDB(t)))
	if err := w.runCycle(ctx); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	d := fd.byID["d1"]
	if d.Status != download.StatusFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.LastErrorCode != taxonomy.Timeout {
		t.Fatalf("last_error_code = %s, want timeout", d.LastErrorCode)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{available: false}
	w := New(DefaultConfig(), client, newFakeDownloads(), &fakeTracks{}, queue.New(openTestDB(t)))

	for i := 0; i < 10; i++ {
		if err := w.runCycle(ctx); err != nil {
			t.Fatalf("runCycle: %v", err)
		}
	}

	status := w.GetStatus()
	if status.State != orchestrator.StateStopped {
		t.Fatalf("worker state = %s", status.State)
	}
	if breakerState := w.BreakerState(); breakerState.String() != "open" {
		t.Fatalf("breaker state = %s, want open", breakerState)
	}
}

func TestDetectStaleCancelsAndFails(t *testing.T) {
	ctx := context.Background()
	longAgo := time.Now().Add(-24 * time.Hour)
	fd := newFakeDownloads()
	fd.add(download.Download{
		ID: "d1", TrackID: "t1", Status: download.StatusDownloading,
		ExternalID: "ext-1", StartedAt: &longAgo, MaxRetries: 3,
	})

	client := &fakeClient{available: true}
	w := New(DefaultConfig(), client, fd, &fakeTracks{}, queue.New(openTestDB(t)))

	if err := w.detectStale(ctx, time.Now()); err != nil {
		t.Fatalf("detectStale: %v", err)
	}

	if len(client.cancelled) != 1 || client.cancelled[0] != "ext-1" {
		t.Fatalf("expected stale transfer to be cancelled at the external client, got %v", client.cancelled)
	}
	if fd.byID["d1"].Status != download.StatusFailed {
		t.Fatalf("status = %s, want failed", fd.byID["d1"].Status)
	}
	if fd.byID["d1"].LastErrorCode != taxonomy.Timeout {
		t.Fatalf("last_error_code = %s, want timeout", fd.byID["d1"].LastErrorCode)
	}
}

func TestListDownloadsErrorIsSurfacedByCycle(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{available: true, listErr: errors.New("connection reset")}
	w := New(DefaultConfig(), client, newFakeDownloads(), &fakeTracks{}, queue.New(openTestDB(t)))

	err := w.runCycle(ctx)
	if err == nil {
		t.Fatal("expected runCycle to surface the list error")
	}
}
