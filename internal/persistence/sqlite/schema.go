package sqlite

import (
	"database/sql"
	"fmt"
)

// schemaStatements creates every table the core depends on. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) so it
// can run on every process start without a separate migration runner.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS background_jobs (
		id            TEXT PRIMARY KEY,
		job_type      TEXT NOT NULL,
		status        TEXT NOT NULL,
		priority      INTEGER NOT NULL DEFAULT 0,
		payload       TEXT NOT NULL,
		result        TEXT,
		error         TEXT,
		retries       INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL DEFAULT 3,
		created_at    TEXT NOT NULL,
		started_at    TEXT,
		completed_at  TEXT,
		locked_by     TEXT,
		locked_at     TEXT,
		next_run_at   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_pending ON background_jobs (status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_locked ON background_jobs (locked_by, locked_at)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_scheduled ON background_jobs (next_run_at, status)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_type ON background_jobs (job_type)`,

	`CREATE TABLE IF NOT EXISTS downloads (
		id               TEXT PRIMARY KEY,
		track_id         TEXT NOT NULL,
		external_id      TEXT,
		source_username  TEXT,
		source_filename  TEXT,
		status           TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		progress_percent REAL NOT NULL DEFAULT 0,
		error_message    TEXT,
		last_error_code  TEXT,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 3,
		next_retry_at    TEXT,
		created_at       TEXT NOT NULL,
		started_at       TEXT,
		completed_at     TEXT,
		job_id           TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_downloads_dispatch ON downloads (status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_downloads_retry_scheduling ON downloads (status, retry_count, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS ix_downloads_error_code ON downloads (last_error_code)`,
	`CREATE INDEX IF NOT EXISTS ix_downloads_source ON downloads (source_username, source_filename)`,

	`CREATE TABLE IF NOT EXISTS blocklist (
		id            TEXT PRIMARY KEY,
		username      TEXT,
		filepath      TEXT,
		scope         TEXT NOT NULL DEFAULT 'specific',
		reason        TEXT,
		failure_count INTEGER NOT NULL DEFAULT 3,
		blocked_at    TEXT NOT NULL,
		expires_at    TEXT,
		is_manual     INTEGER NOT NULL DEFAULT 0,
		CHECK (username IS NOT NULL OR filepath IS NOT NULL)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_blocklist_source ON blocklist (username, filepath)`,
	`CREATE INDEX IF NOT EXISTS ix_blocklist_lookup ON blocklist (username, filepath, expires_at)`,

	`CREATE TABLE IF NOT EXISTS blocklist_failures (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		username     TEXT,
		filepath     TEXT,
		error_code   TEXT NOT NULL,
		occurred_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_blocklist_failures_window ON blocklist_failures (username, filepath, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS service_tokens (
		service        TEXT NOT NULL,
		account_id     TEXT NOT NULL,
		access_token   TEXT NOT NULL,
		refresh_token  TEXT,
		token_type     TEXT NOT NULL DEFAULT 'Bearer',
		expires_at     TEXT NOT NULL,
		scope          TEXT,
		updated_at     TEXT NOT NULL,
		PRIMARY KEY (service, account_id)
	)`,

	`CREATE TABLE IF NOT EXISTS task_runs (
		task_type     TEXT PRIMARY KEY,
		last_run_at   TEXT,
		last_outcome  TEXT,
		last_error    TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS artists (
		id               TEXT PRIMARY KEY,
		provider_id      TEXT NOT NULL,
		name             TEXT NOT NULL,
		ownership_state  TEXT NOT NULL DEFAULT 'not_owned',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_artists_provider ON artists (provider_id)`,

	`CREATE TABLE IF NOT EXISTS albums (
		id           TEXT PRIMARY KEY,
		artist_id    TEXT NOT NULL,
		provider_id  TEXT NOT NULL,
		title        TEXT NOT NULL,
		release_date TEXT,
		artwork_url  TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_albums_provider ON albums (artist_id, provider_id)`,
	`CREATE INDEX IF NOT EXISTS ix_albums_artist ON albums (artist_id)`,

	`CREATE TABLE IF NOT EXISTS tracks (
		id               TEXT PRIMARY KEY,
		album_id         TEXT NOT NULL,
		provider_id      TEXT NOT NULL,
		isrc             TEXT,
		title            TEXT NOT NULL,
		track_number     INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		ownership_state  TEXT NOT NULL DEFAULT 'not_owned',
		download_state   TEXT NOT NULL DEFAULT 'not_needed',
		file_path        TEXT,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracks_provider ON tracks (album_id, provider_id)`,
	`CREATE INDEX IF NOT EXISTS ix_tracks_album ON tracks (album_id)`,
	`CREATE INDEX IF NOT EXISTS ix_tracks_download_state ON tracks (download_state)`,

	`CREATE TABLE IF NOT EXISTS playlists (
		id           TEXT PRIMARY KEY,
		provider_id  TEXT NOT NULL,
		name         TEXT NOT NULL,
		is_blacklisted INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_playlists_provider ON playlists (provider_id)`,

	`CREATE TABLE IF NOT EXISTS quality_profiles (
		track_id        TEXT PRIMARY KEY,
		target_bitrate  INTEGER NOT NULL,
		current_bitrate INTEGER NOT NULL DEFAULT 0,
		watchlisted_at  TEXT NOT NULL
	)`,
}

// EnsureSchema creates every table and index the core depends on if they do
// not already exist. It is safe to call on every process start.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: apply schema statement: %w", err)
		}
	}
	return nil
}
