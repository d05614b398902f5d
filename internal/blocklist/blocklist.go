// Package blocklist implements the permanently-bad-source list: sources
// that have failed repeatedly are recorded here so the dispatch path can
// skip them instead of retrying forever.
package blocklist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vinylsync/vinylsync/internal/taxonomy"
)

// Scope identifies what a BlocklistEntry blocks.
type Scope string

const (
	ScopeUsername Scope = "username"
	ScopeFilepath Scope = "filepath"
	ScopeSpecific Scope = "specific"
)

// Entry is a record of a bad source to avoid.
type Entry struct {
	ID            string
	Username      string // empty means unset
	Filepath      string // empty means unset
	Scope         Scope
	Reason        taxonomy.Code
	FailureCount  int
	BlockedAt     time.Time
	ExpiresAt     *time.Time // nil means permanent
	IsManual      bool
}

// IsActive reports whether the entry is currently in effect.
func (e Entry) IsActive(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// EscalationPolicy decides the scope and expiry for a new entry given the
// error code that triggered escalation.
type EscalationPolicy struct {
	FailureThreshold int           // failures within Window before escalation (default 3)
	Window           time.Duration // trailing window considered (default 24h)
	DefaultTTL       time.Duration // expiry for non-permanent blocks (default 7 days)
}

// DefaultEscalationPolicy returns the standard thresholds.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		FailureThreshold: 3,
		Window:           24 * time.Hour,
		DefaultTTL:       7 * 24 * time.Hour,
	}
}

// ScopeFor chooses the blocklist scope a failure reason escalates to.
func ScopeFor(reason taxonomy.Code) Scope {
	switch reason {
	case taxonomy.UserBlocked:
		return ScopeUsername
	case taxonomy.FileNotFound:
		return ScopeFilepath
	default:
		return ScopeSpecific
	}
}

// ExpiryFor returns the expiry for a newly escalated entry, or nil for a
// permanent block. user_blocked sources are blocked permanently: a peer
// that explicitly blocked this account is not expected to unblock it on a
// schedule.
func ExpiryFor(policy EscalationPolicy, reason taxonomy.Code, now time.Time) *time.Time {
	if reason == taxonomy.UserBlocked {
		return nil
	}
	expires := now.Add(policy.DefaultTTL)
	return &expires
}

// NewEntry builds the Entry that escalation produces for a (username,
// filepath) source that crossed the failure threshold.
func NewEntry(id, username, filepath string, reason taxonomy.Code, failureCount int, now time.Time, policy EscalationPolicy) Entry {
	return Entry{
		ID:           id,
		Username:     username,
		Filepath:     filepath,
		Scope:        ScopeFor(reason),
		Reason:       reason,
		FailureCount: failureCount,
		BlockedAt:    now,
		ExpiresAt:    ExpiryFor(policy, reason, now),
	}
}

// Repository persists blocklist entries and the failure history used to
// decide when a source crosses the escalation threshold.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an already-opened, already-migrated database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordFailure appends one failure observation for (username, filepath).
// Either may be empty but not both.
func (r *Repository) RecordFailure(ctx context.Context, username, filepath string, code taxonomy.Code, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blocklist_failures (username, filepath, error_code, occurred_at) VALUES (?, ?, ?, ?)`,
		nullableString(username), nullableString(filepath), string(code), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("blocklist: record failure: %w", err)
	}
	return nil
}

// FailureCount returns how many failures (username, filepath) produced
// since windowStart.
func (r *Repository) FailureCount(ctx context.Context, username, filepath string, windowStart time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocklist_failures
		 WHERE username IS ? AND filepath IS ? AND occurred_at >= ?`,
		nullableString(username), nullableString(filepath), windowStart.UTC().Format(time.RFC3339Nano),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("blocklist: count failures: %w", err)
	}
	return n, nil
}

// Upsert inserts or replaces the blocklist entry for (username, filepath).
func (r *Repository) Upsert(ctx context.Context, e Entry) error {
	var expiresAt interface{}
	if e.ExpiresAt != nil {
		expiresAt = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocklist (id, username, filepath, scope, reason, failure_count, blocked_at, expires_at, is_manual)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username, filepath) DO UPDATE SET
			scope = excluded.scope,
			reason = excluded.reason,
			failure_count = excluded.failure_count,
			blocked_at = excluded.blocked_at,
			expires_at = excluded.expires_at,
			is_manual = excluded.is_manual
	`,
		e.ID, nullableString(e.Username), nullableString(e.Filepath), string(e.Scope), string(e.Reason),
		e.FailureCount, e.BlockedAt.UTC().Format(time.RFC3339Nano), expiresAt, e.IsManual,
	)
	if err != nil {
		return fmt.Errorf("blocklist: upsert: %w", err)
	}
	return nil
}

// IsBlocked reports whether (username, filepath) is covered by any active
// entry — an exact (username, filepath) match, a username-scope block, or a
// filepath-scope block.
func (r *Repository) IsBlocked(ctx context.Context, username, filepath string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocklist
		WHERE (expires_at IS NULL OR expires_at > ?)
		AND (
			(username = ? AND filepath = ?) OR
			(scope = 'username' AND username = ?) OR
			(scope = 'filepath' AND filepath = ?)
		)
	`, nowStr, username, filepath, username, filepath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("blocklist: is blocked: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired deletes entries whose expires_at has passed, returning the
// number of rows removed. Called by the cleanup task.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM blocklist WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("blocklist: purge expired: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
