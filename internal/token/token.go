// Package token implements the Token Manager and Session Store: a
// server-side OAuth token cache shared across every request to an
// external service, with synchronous-on-read refresh backed by
// singleflight so concurrent readers of an expired token share one
// network call, plus a short-lived in-memory session index used only
// to carry PKCE/OAuth-state across an authorization round trip.
package token

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vinylsync/vinylsync/internal/apperr"
	"github.com/vinylsync/vinylsync/internal/cache"
	"github.com/vinylsync/vinylsync/internal/log"
)

// defaultAccount is the account tag used when a service has exactly one
// credential, matching service_tokens' (service, account_id) primary key
// without forcing every caller to plumb an account identifier through.
const defaultAccount = "default"

// Token is a single server-side OAuth credential for an external service.
type Token struct {
	Service      string
	AccessToken  string
	RefreshToken string // empty if the service issues no refresh token
	ExpiresAt    time.Time
	Scope        string
	UpdatedAt    time.Time
}

// Expired reports whether the token is expired as of now.
func (t Token) Expired(now time.Time) bool { return !t.ExpiresAt.After(now) }

// RefreshResult is what an OAuthClient returns from Exchange or Refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // empty means "unchanged" for Refresh, "none issued" for Exchange
	ExpiresIn    time.Duration
	Scope        string
}

// OAuthClient is the abstract authorization endpoint the Manager drives.
// Errors are tagged with apperr kinds: KindTransient, KindRateLimited,
// KindNeedsReauthentication, KindFatal (misconfigured), or an unknown
// error wrapped as KindFatal by the caller.
type OAuthClient interface {
	Exchange(ctx context.Context, code, pkceVerifier string) (RefreshResult, error)
	Refresh(ctx context.Context, refreshToken string) (RefreshResult, error)
}

// Repository persists tokens, one row per (service, account).
type Repository struct {
	db *sql.DB
}

// NewRepository builds a sqlite-backed token repository.
func NewRepository(db *sql.DB) *Repository { return &Repository{db: db} }

// Get returns the stored token for service, or nil if none exists.
func (r *Repository) Get(ctx context.Context, service string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT service, access_token, refresh_token, expires_at, scope, updated_at
		FROM service_tokens WHERE service = ? AND account_id = ?`, service, defaultAccount)

	var t Token
	var refreshToken, scope sql.NullString
	var expiresAt, updatedAt string
	if err := row.Scan(&t.Service, &t.AccessToken, &refreshToken, &expiresAt, &scope, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.RefreshToken = refreshToken.String
	t.Scope = scope.String
	t.ExpiresAt = parseTime(expiresAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// Upsert persists t, replacing any existing token for the same service.
func (r *Repository) Upsert(ctx context.Context, t Token) error {
	if t.AccessToken == "" {
		return apperr.Validation("token.Upsert", fmt.Errorf("access_token must be non-empty"))
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_tokens (service, account_id, access_token, refresh_token, token_type, expires_at, scope, updated_at)
		VALUES (?, ?, ?, ?, 'Bearer', ?, ?, ?)
		ON CONFLICT (service, account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		t.Service, defaultAccount, t.AccessToken, nullableString(t.RefreshToken),
		formatTime(t.ExpiresAt), nullableString(t.Scope), formatTime(t.UpdatedAt))
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Manager maintains at most one active token per service, refreshing it
// synchronously on read when expired and proactively in the background
// before it expires.
type Manager struct {
	repo   *Repository
	client OAuthClient
	cache  cache.Cache
	group  singleflight.Group
	leeway time.Duration
	logger zerolog.Logger
}

// ManagerConfig parameterizes a Manager.
type ManagerConfig struct {
	// RefreshLeeway is how close to expiry a token must be for the
	// proactive refresh task to refresh it; it also governs how much slack
	// Get's synchronous refresh check tolerates. Default 60s.
	RefreshLeeway time.Duration
}

// DefaultManagerConfig returns the documented default leeway.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{RefreshLeeway: 60 * time.Second}
}

// NewManager builds a Token Manager backed by repo for persistence, client
// for refresh/exchange calls, and c for the shared read-mostly cache (a
// Redis-backed cache.Cache in multi-instance deployments, an in-memory one
// otherwise).
func NewManager(cfg ManagerConfig, repo *Repository, client OAuthClient, c cache.Cache) *Manager {
	if cfg.RefreshLeeway <= 0 {
		cfg.RefreshLeeway = DefaultManagerConfig().RefreshLeeway
	}
	return &Manager{
		repo:   repo,
		client: client,
		cache:  c,
		leeway: cfg.RefreshLeeway,
		logger: log.WithComponent("token"),
	}
}

func cacheKey(service string) string { return "token:" + service }

// GetToken returns a non-expired access token for service. If the cached
// or stored token is expired (or within RefreshLeeway of expiry) and a
// refresh token exists, it performs a synchronous refresh, persists the
// result, and returns the new token. Concurrent callers for the same
// service share one in-flight refresh.
func (m *Manager) GetToken(ctx context.Context, service string) (Token, error) {
	if cached, ok := m.cache.Get(cacheKey(service)); ok {
		if t, ok := cached.(Token); ok && !t.Expired(time.Now().Add(m.leeway)) {
			return t, nil
		}
	}

	t, err := m.repo.Get(ctx, service)
	if err != nil {
		return Token{}, apperr.Transient("token.GetToken", err)
	}
	if t == nil {
		return Token{}, apperr.NotFound("token.GetToken", fmt.Errorf("no token stored for service %q", service))
	}

	if !t.Expired(time.Now().Add(m.leeway)) {
		m.cacheToken(*t)
		return *t, nil
	}

	refreshed, err := m.refreshSingleFlight(ctx, service, *t)
	if err != nil {
		return Token{}, err
	}
	return refreshed, nil
}

// refreshSingleFlight ensures at most one in-flight network refresh per
// service: concurrent callers that observe expiry share the same result.
func (m *Manager) refreshSingleFlight(ctx context.Context, service string, current Token) (Token, error) {
	v, err, _ := m.group.Do(service, func() (any, error) {
		return m.doRefresh(ctx, service, current)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (m *Manager) doRefresh(ctx context.Context, service string, current Token) (Token, error) {
	if current.RefreshToken == "" {
		return Token{}, apperr.NeedsReauth("token.refresh", fmt.Errorf("service %q has no refresh token", service))
	}

	result, err := m.client.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if apperr.Is(err, apperr.KindNeedsReauthentication) {
			m.logger.Warn().Str("service", service).Msg("token refresh needs reauthentication")
			return Token{}, err
		}
		return Token{}, err
	}

	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken // provider didn't rotate it
	}

	next := Token{
		Service:      service,
		AccessToken:  result.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(result.ExpiresIn),
		Scope:        result.Scope,
		UpdatedAt:    time.Now(),
	}

	// Persistence failures are retried once before surfacing, per the
	// failure model: a refreshed token that can't be saved must not be
	// silently discarded on the first transient write error.
	if err := m.repo.Upsert(ctx, next); err != nil {
		if err := m.repo.Upsert(ctx, next); err != nil {
			return Token{}, apperr.Transient("token.refresh", err)
		}
	}

	m.cacheToken(next)
	return next, nil
}

func (m *Manager) cacheToken(t Token) {
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return
	}
	m.cache.Set(cacheKey(t.Service), t, ttl)
}

// Exchange completes an authorization code grant and stores the resulting
// token for service.
func (m *Manager) Exchange(ctx context.Context, service, code, pkceVerifier string) (Token, error) {
	result, err := m.client.Exchange(ctx, code, pkceVerifier)
	if err != nil {
		return Token{}, err
	}

	t := Token{
		Service:      service,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(result.ExpiresIn),
		Scope:        result.Scope,
		UpdatedAt:    time.Now(),
	}
	if err := m.repo.Upsert(ctx, t); err != nil {
		return Token{}, apperr.Transient("token.Exchange", err)
	}
	m.cacheToken(t)
	return t, nil
}

// RunProactiveRefresh runs until ctx is cancelled, waking every
// pollInterval and refreshing each listed service's token that is within
// RefreshLeeway of expiry (or already expired). It does not schedule a
// wake-up at each token's own expiry: a token is refreshed at the first
// tick after it enters the leeway window, so with a pollInterval longer
// than RefreshLeeway a reader can still hit a synchronous refresh.
// cmd/vinylsyncd registers it as a background task with the orchestrator.
func (m *Manager) RunProactiveRefresh(ctx context.Context, services []string, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, service := range services {
				m.maybeProactivelyRefresh(ctx, service)
			}
		}
	}
}

func (m *Manager) maybeProactivelyRefresh(ctx context.Context, service string) {
	t, err := m.repo.Get(ctx, service)
	if err != nil || t == nil {
		return
	}
	if !t.Expired(time.Now().Add(m.leeway)) {
		return
	}
	if _, err := m.refreshSingleFlight(ctx, service, *t); err != nil {
		if apperr.Is(err, apperr.KindNeedsReauthentication) {
			// Background workers must not crash-loop on a reauth signal;
			// skip quietly and let the next read surface it to the UI.
			return
		}
		m.logger.Error().Err(err).Str("service", service).Msg("proactive token refresh failed")
	}
}
