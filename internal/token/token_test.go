package token

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinylsync/vinylsync/internal/apperr"
	"github.com/vinylsync/vinylsync/internal/cache"
	"github.com/vinylsync/vinylsync/internal/persistence/sqlite"

	_ "modernc.org/sqlite"
)

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

type fakeOAuthClient struct {
	mu          sync.Mutex
	refreshCalls int32
	refreshFunc func(ctx context.Context, refreshToken string) (RefreshResult, error)
	exchangeFunc func(ctx context.Context, code, verifier string) (RefreshResult, error)
}

func (f *fakeOAuthClient) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshFunc != nil {
		return f.refreshFunc(ctx, refreshToken)
	}
	return RefreshResult{}, errors.New("no refreshFunc configured")
}

func (f *fakeOAuthClient) Exchange(ctx context.Context, code, verifier string) (RefreshResult, error) {
	if f.exchangeFunc != nil {
		return f.exchangeFunc(ctx, code, verifier)
	}
	return RefreshResult{}, errors.New("no exchangeFunc configured")
}

func TestRepositoryUpsertAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	tok := Token{
		Service:      "slskd",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Scope:        "read write",
		UpdatedAt:    time.Now().Truncate(time.Second),
	}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.Get(ctx, "slskd")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a stored token")
	}
	if got.AccessToken != tok.AccessToken || got.RefreshToken != tok.RefreshToken || got.Scope != tok.Scope {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, tok)
	}
}

func TestRepositoryGetMissingReturnsNil(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	got, err := repo.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing service, got %+v", got)
	}
}

func TestRepositoryUpsertRejectsEmptyAccessToken(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	err := repo.Upsert(context.Background(), Token{Service: "slskd", ExpiresAt: time.Now()})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetTokenReturnsStoredWhenNotExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	tok := Token{
		Service: "spotify", AccessToken: "valid-at", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(time.Hour), UpdatedAt: time.Now(),
	}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	client := &fakeOAuthClient{}
	mgr := NewManager(DefaultManagerConfig(), repo, client, cache.NewMemoryCache(0))

	got, err := mgr.GetToken(ctx, "spotify")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.AccessToken != "valid-at" {
		t.Fatalf("access token = %q, want valid-at", got.AccessToken)
	}
	if atomic.LoadInt32(&client.refreshCalls) != 0 {
		t.Fatal("expected no refresh for a non-expired token")
	}
}

func TestGetTokenRefreshesWhenExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	tok := Token{
		Service: "spotify", AccessToken: "old-at", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now(),
	}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	client := &fakeOAuthClient{refreshFunc: func(ctx context.Context, refreshToken string) (RefreshResult, error) {
		if refreshToken != "rt" {
			t.Fatalf("refresh called with %q, want rt", refreshToken)
		}
		return RefreshResult{AccessToken: "new-at", RefreshToken: "rt2", ExpiresIn: time.Hour}, nil
	}}
	mgr := NewManager(DefaultManagerConfig(), repo, client, cache.NewMemoryCache(0))

	got, err := mgr.GetToken(ctx, "spotify")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.AccessToken != "new-at" {
		t.Fatalf("access token = %q, want new-at", got.AccessToken)
	}

	persisted, err := repo.Get(ctx, "spotify")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if persisted.AccessToken != "new-at" || persisted.RefreshToken != "rt2" {
		t.Fatalf("refresh was not persisted: %+v", persisted)
	}
}

func TestGetTokenNoRefreshTokenNeedsReauth(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	tok := Token{
		Service: "deezer", AccessToken: "old-at",
		ExpiresAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now(),
	}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	mgr := NewManager(DefaultManagerConfig(), repo, &fakeOAuthClient{}, cache.NewMemoryCache(0))

	_, err := mgr.GetToken(ctx, "deezer")
	if !apperr.Is(err, apperr.KindNeedsReauthentication) {
		t.Fatalf("expected needs_reauthentication, got %v", err)
	}
}

func TestGetTokenSurfacesNeedsReauthFromClient(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	tok := Token{
		Service: "spotify", AccessToken: "old-at", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now(),
	}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	client := &fakeOAuthClient{refreshFunc: func(ctx context.Context, refreshToken string) (RefreshResult, error) {
		return RefreshResult{}, apperr.NeedsReauth("oauth.refresh", errors.New("invalid_grant"))
	}}
	mgr := NewManager(DefaultManagerConfig(), repo, client, cache.NewMemoryCache(0))

	_, err := mgr.GetToken(ctx, "spotify")
	if !apperr.Is(err, apperr.KindNeedsReauthentication) {
		t.Fatalf("expected needs_reauthentication, got %v", err)
	}
}

func TestGetTokenMissingReturnsNotFound(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	mgr := NewManager(DefaultManagerConfig(), repo, &fakeOAuthClient{}, cache.NewMemoryCache(0))

	_, err := mgr.GetToken(context.Background(), "never-authorized")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestGetTokenConcurrentReadsShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	tok := Token{
		Service: "spotify", AccessToken: "old-at", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now(),
	}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	block := make(chan struct{})
	client := &fakeOAuthClient{refreshFunc: func(ctx context.Context, refreshToken string) (RefreshResult, error) {
		<-block
		return RefreshResult{AccessToken: "new-at", RefreshToken: "rt2", ExpiresIn: time.Hour}, nil
	}}
	mgr := NewManager(DefaultManagerConfig(), repo, client, cache.NewMemoryCache(0))

	const readers = 8
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			if _, err := mgr.GetToken(ctx, "spotify"); err != nil {
				t.Errorf("GetToken: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	if got := atomic.LoadInt32(&client.refreshCalls); got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}
}

func TestExchangePersistsAndCachesToken(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	client := &fakeOAuthClient{exchangeFunc: func(ctx context.Context, code, verifier string) (RefreshResult, error) {
		return RefreshResult{AccessToken: "at", RefreshToken: "rt", ExpiresIn: time.Hour, Scope: "read"}, nil
	}}
	mgr := NewManager(DefaultManagerConfig(), repo, client, cache.NewMemoryCache(0))

	tok, err := mgr.Exchange(ctx, "spotify", "code-123", "verifier-abc")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "at" {
		t.Fatalf("access token = %q, want at", tok.AccessToken)
	}

	persisted, err := repo.Get(ctx, "spotify")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if persisted == nil || persisted.AccessToken != "at" {
		t.Fatalf("exchange was not persisted: %+v", persisted)
	}
}
