// Package config loads, validates, and hot-reloads the fabric's runtime
// settings: the coordinator's task switches, the queue and status workers'
// poll intervals, circuit breaker defaults, and the token manager's refresh
// leeway.
package config

import "time"

// LibrarySettings controls the Coordinator's task behaviour.
type LibrarySettings struct {
	// UseUnifiedManager is the master switch; when false every other
	// Library setting is inert and the Coordinator registers no tasks.
	UseUnifiedManager   bool `yaml:"use_unified_manager"`
	AutoQueueDownloads  bool `yaml:"auto_queue_downloads"`
	DownloadCleanupDays int  `yaml:"download_cleanup_days"`
	SyncCooldownMinutes int  `yaml:"sync_cooldown_minutes"`
	EnrichmentBatchSize int  `yaml:"enrichment_batch_size"`
}

// QueueSettings controls the Download Queue Worker.
type QueueSettings struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// StatusSettings controls the Download Status Worker.
type StatusSettings struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	StaleThresholdHours  int `yaml:"stale_threshold_hours"`
}

// CircuitBreakerSettings gives default thresholds for named breakers that
// don't configure their own.
type CircuitBreakerSettings struct {
	FailureThreshold int `yaml:"failure_threshold"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
}

// TokenSettings controls the token manager's proactive refresh.
type TokenSettings struct {
	RefreshLeewaySeconds int `yaml:"refresh_leeway_seconds"`
}

// Settings is the full, validated configuration tree the core reads. It is
// never parsed from the command line directly — a Loader assembles it from
// a YAML file with environment-variable overrides.
type Settings struct {
	Library        LibrarySettings        `yaml:"library"`
	Queue          QueueSettings          `yaml:"queue"`
	Status         StatusSettings         `yaml:"status"`
	CircuitBreaker CircuitBreakerSettings `yaml:"circuit_breaker"`
	Token          TokenSettings          `yaml:"token"`
}

// Default returns the documented defaults for every setting.
func Default() Settings {
	return Settings{
		Library: LibrarySettings{
			UseUnifiedManager:   false,
			AutoQueueDownloads:  false,
			DownloadCleanupDays: 30,
			SyncCooldownMinutes: 5,
			EnrichmentBatchSize: 20,
		},
		Queue: QueueSettings{
			CheckIntervalSeconds: 5,
		},
		Status: StatusSettings{
			CheckIntervalSeconds: 3,
			StaleThresholdHours:  12,
		},
		CircuitBreaker: CircuitBreakerSettings{
			FailureThreshold: 5,
			TimeoutSeconds:   60,
		},
		Token: TokenSettings{
			RefreshLeewaySeconds: 60,
		},
	}
}

// SyncCooldown returns the configured scheduler cooldown as a Duration.
func (s Settings) SyncCooldown() time.Duration {
	return time.Duration(s.Library.SyncCooldownMinutes) * time.Minute
}

// QueueCheckInterval returns the Download Queue Worker's poll interval.
func (s Settings) QueueCheckInterval() time.Duration {
	return time.Duration(s.Queue.CheckIntervalSeconds) * time.Second
}

// StatusCheckInterval returns the Download Status Worker's poll interval.
func (s Settings) StatusCheckInterval() time.Duration {
	return time.Duration(s.Status.CheckIntervalSeconds) * time.Second
}

// StaleThreshold returns the stale-transfer kill threshold.
func (s Settings) StaleThreshold() time.Duration {
	return time.Duration(s.Status.StaleThresholdHours) * time.Hour
}

// CircuitBreakerTimeout returns the default breaker reset timeout.
func (s Settings) CircuitBreakerTimeout() time.Duration {
	return time.Duration(s.CircuitBreaker.TimeoutSeconds) * time.Second
}

// TokenRefreshLeeway returns the proactive refresh window.
func (s Settings) TokenRefreshLeeway() time.Duration {
	return time.Duration(s.Token.RefreshLeewaySeconds) * time.Second
}

// Validate rejects settings that would leave a worker misconfigured.
func Validate(s Settings) error {
	switch {
	case s.Library.DownloadCleanupDays < 0:
		return errInvalid("library.download_cleanup_days must be >= 0")
	case s.Library.SyncCooldownMinutes < 0:
		return errInvalid("library.sync_cooldown_minutes must be >= 0")
	case s.Library.EnrichmentBatchSize <= 0:
		return errInvalid("library.enrichment_batch_size must be > 0")
	case s.Queue.CheckIntervalSeconds <= 0:
		return errInvalid("queue.check_interval_seconds must be > 0")
	case s.Status.CheckIntervalSeconds <= 0:
		return errInvalid("status.check_interval_seconds must be > 0")
	case s.Status.StaleThresholdHours <= 0:
		return errInvalid("status.stale_threshold_hours must be > 0")
	case s.CircuitBreaker.FailureThreshold <= 0:
		return errInvalid("circuit_breaker.failure_threshold must be > 0")
	case s.CircuitBreaker.TimeoutSeconds <= 0:
		return errInvalid("circuit_breaker.timeout_seconds must be > 0")
	case s.Token.RefreshLeewaySeconds < 0:
		return errInvalid("token.refresh_leeway_seconds must be >= 0")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }
