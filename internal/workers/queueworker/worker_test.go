package queueworker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vinylsync/vinylsync/internal/blocklist"
	"github.com/vinylsync/vinylsync/internal/download"
	"github.com/vinylsync/vinylsync/internal/persistence/sqlite"
	"github.com/vinylsync/vinylsync/internal/queue"
	"github.com/vinylsync/vinylsync/internal/taxonomy"

	_ "modernc.org/sqlite"
)

type fakeDownloads struct {
	byID map[string]*download.Download
}

func newFakeDownloads() *fakeDownloads {
	return &fakeDownloads{byID: make(map[string]*download.Download)}
}

func (f *fakeDownloads) add(d download.Download) {
	cp := d
	f.byID[d.ID] = &cp
}

func (f *fakeDownloads) ListWaiting(ctx context.Context, limit int) ([]download.Download, error) {
	var out []download.Download
	for _, d := range f.byID {
		if d.Status == download.StatusWaiting {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDownloads) ListRetryEligible(ctx context.Context, now time.Time, limit int) ([]download.Download, error) {
	var out []download.Download
	for _, d := range f.byID {
		if d.Status == download.StatusFailed && taxonomy.Classify(d.LastErrorCode) &&
			d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDownloads) Save(ctx context.Context, d download.Download) error {
	f.add(d)
	return nil
}

func (f *fakeDownloads) ListFailedForSource(ctx context.Context, username, filepath string) ([]download.Download, error) {
	var out []download.Download
	for _, d := range f.byID {
		if d.Status == download.StatusFailed && d.SourceUsername == username && d.SourceFilename == filepath {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDownloads) FindByID(ctx context.Context, id string) (*download.Download, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDownloads) ListDistinctFailedSources(ctx context.Context, since time.Time, limit int) ([]SourceRef, error) {
	seen := make(map[SourceRef]bool)
	var out []SourceRef
	for _, d := range f.byID {
		if d.Status != download.StatusFailed {
			continue
		}
		ref := SourceRef{Username: d.SourceUsername, Filepath: d.SourceFilename}
		if ref.Username == "" && ref.Filepath == "" {
			continue
		}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out, nil
}

type alwaysAvailable struct {
	available bool
	submitErr error
	submitted []string
}

func (a alwaysAvailable) IsAvailable(ctx context.Context) bool { return a.available }

func (a *alwaysAvailable) Submit(ctx context.Context, username, filepath string) error {
	if a.submitErr != nil {
		return a.submitErr
	}
	a.submitted = append(a.submitted, username+"/"+filepath)
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

func TestRunCycleSkipsWhenClientUnavailable(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{ID: "d1", Status: download.StatusWaiting, CreatedAt: time.Now()})

	q := queue.New(openTestDB(t))
	w := New(DefaultConfig(), fd, blocklist.NewRepository(openTestDB(t)), &alwaysAvailable{available: false}, q)

	if err := w.runCycle(ctx); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	items, err := q.List(ctx, queue.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatal("expected no work items enqueued while client is unavailable")
	}
}

func TestPromoteWaitingEnqueuesAndTransitions(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{ID: "d1", Status: download.StatusWaiting, Priority: 5, CreatedAt: time.Now()})

	q := queue.New(openTestDB(t))
	w := New(DefaultConfig(), fd, blocklist.NewRepository(openTestDB(t)), &alwaysAvailable{available: true}, q)

	if err := w.promoteWaiting(ctx); err != nil {
		t.Fatalf("promoteWaiting: %v", err)
	}

	if fd.byID["d1"].Status != download.StatusPending {
		t.Fatalf("status = %s, want pending", fd.byID["d1"].Status)
	}

	items, err := q.List(ctx, queue.Filter{Types: []string{"download.dispatch"}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 dispatch work item, got %d", len(items))
	}
}

func TestReactivateRetriesMovesDueDownloadsToWaiting(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	fd := newFakeDownloads()
	fd.add(download.Download{
		ID: "d1", Status: download.StatusFailed, LastErrorCode: taxonomy.Timeout,
		RetryCount: 1, MaxRetries: 3, NextRetryAt: &past, CreatedAt: time.Now(),
	})

	q := queue.New(openTestDB(t))
	w := New(DefaultConfig(), fd, blocklist.NewRepository(openTestDB(t)), &alwaysAvailable{available: true}, q)

	if err := w.reactivateRetries(ctx); err != nil {
		t.Fatalf("reactivateRetries: %v", err)
	}

	if fd.byID["d1"].Status != download.StatusWaiting {
		t.Fatalf("status = %s, want waiting", fd.byID["d1"].Status)
	}
}

func TestEscalateToBlocklistBlocksRepeatOffender(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	fd := newFakeDownloads()
	for i := 0; i < 3; i++ {
		fd.add(download.Download{
			ID: "d" + string(rune('1'+i)), Status: download.StatusFailed,
			SourceUsername: "alice", SourceFilename: "/music/track.flac",
			LastErrorCode: taxonomy.UserBlocked, CreatedAt: now,
		})
	}

	db := openTestDB(t)
	bl := blocklist.NewRepository(db)
	for i := 0; i < 3; i++ {
		if err := bl.RecordFailure(ctx, "alice", "/music/track.flac", taxonomy.UserBlocked, now.Add(-time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	q := queue.New(openTestDB(t))
	w := New(DefaultConfig(), fd, bl, &alwaysAvailable{available: true}, q)

	if err := w.escalateToBlocklist(ctx); err != nil {
		t.Fatalf("escalateToBlocklist: %v", err)
	}

	blocked, err := bl.IsBlocked(ctx, "alice", "/music/track.flac", now)
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if !blocked {
		t.Fatal("expected alice to be blocked after crossing the failure threshold")
	}

	for _, d := range fd.byID {
		if d.Status != download.StatusBlocklisted {
			t.Fatalf("expected all of alice's failed downloads to be blocklisted, got %s for %s", d.Status, d.ID)
		}
	}
}

func TestHandleDispatchSubmitsToClient(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{
		ID: "d1", Status: download.StatusPending,
		SourceUsername: "alice", SourceFilename: "/music/track.flac", CreatedAt: time.Now(),
	})

	q := queue.New(openTestDB(t))
	client := &alwaysAvailable{available: true}
	w := New(DefaultConfig(), fd, blocklist.NewRepository(openTestDB(t)), client, q)

	result, err := w.handleDispatch(ctx, queue.Item{Payload: []byte(`{"download_id":"d1"}`)})
	if !errors.Is(err, queue.ErrLeaveRunning) {
		t.Fatalf("handleDispatch err = %v, want ErrLeaveRunning", err)
	}
	if result != nil {
		t.Fatalf("result = %s, want nil", result)
	}
	if len(client.submitted) != 1 || client.submitted[0] != "alice//music/track.flac" {
		t.Fatalf("submitted = %v", client.submitted)
	}
	if fd.byID["d1"].Status != download.StatusPending {
		t.Fatalf("status = %s, want unchanged pending", fd.byID["d1"].Status)
	}
}

func TestHandleDispatchRecordsFailureWhenClientUnavailable(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{ID: "d1", Status: download.StatusPending, CreatedAt: time.Now()})

	q := queue.New(openTestDB(t))
	w := New(DefaultConfig(), fd, blocklist.NewRepository(openTestDB(t)), &alwaysAvailable{available: false}, q)

	result, err := w.handleDispatch(ctx, queue.Item{Payload: []byte(`{"download_id":"d1"}`)})
	if err != nil {
		t.Fatalf("handleDispatch: %v", err)
	}
	if string(result) != `{"submitted":false,"reason":"client_unavailable"}` {
		t.Fatalf("result = %s", result)
	}
	if fd.byID["d1"].Status != download.StatusFailed {
		t.Fatalf("status = %s, want failed", fd.byID["d1"].Status)
	}
}

func TestHandleDispatchRecordsFailureOnSubmitError(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	fd.add(download.Download{ID: "d1", Status: download.StatusPending, CreatedAt: time.Now()})

	q := queue.New(openTestDB(t))
	w := New(DefaultConfig(), fd, blocklist.NewRepository(openTestDB(t)),
		&alwaysAvailable{available: true, submitErr: fmt.Errorf("connection timed out")}, q)

	if _, err := w.handleDispatch(ctx, queue.Item{Payload: []byte(`{"download_id":"d1"}`)}); err != nil {
		t.Fatalf("handleDispatch: %v", err)
	}
	if fd.byID["d1"].Status != download.StatusFailed {
		t.Fatalf("status = %s, want failed", fd.byID["d1"].Status)
	}
	if fd.byID["d1"].LastErrorCode != taxonomy.Timeout {
		t.Fatalf("LastErrorCode = %s, want timeout", fd.byID["d1"].LastErrorCode)
	}
}

func TestHandleDispatchReturnsNotFoundForMissingDownload(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDownloads()
	q := queue.New(openTestDB(t))
	w := New(DefaultConfig(), fd, blocklist.NewRepository(openTestDB(t)), &alwaysAvailable{available: true}, q)

	if _, err := w.handleDispatch(ctx, queue.Item{Payload: []byte(`{"download_id":"missing"}`)}); err == nil {
		t.Fatal("handleDispatch() = nil error, want not-found")
	}
}
