package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/vinylsync/vinylsync/internal/log"
)

// Loader assembles Settings from a YAML file overlaid with environment
// variables, falling back to Default() for anything neither source sets.
type Loader struct {
	path string
}

// NewLoader returns a Loader reading from path. An empty path means the
// settings come from the environment and built-in defaults only.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads the configured YAML file (if any), applies environment
// overrides, and validates the result.
func (l *Loader) Load() (Settings, error) {
	s := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return Settings{}, fmt.Errorf("parse config file %s: %w", l.path, err)
			}
		case os.IsNotExist(err):
			log.WithComponent("config").Debug().Str("path", l.path).Msg("config file not found, using defaults")
		default:
			return Settings{}, fmt.Errorf("read config file %s: %w", l.path, err)
		}
	}

	applyEnvOverrides(&s)

	if err := Validate(s); err != nil {
		return Settings{}, fmt.Errorf("validate config: %w", err)
	}
	return s, nil
}

// envBool, envInt read an environment variable, logging its source the way
// the rest of this fabric logs configuration provenance.
func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithComponent("config").Warn().Str("key", key).Str("value", v).Msg("ignoring unparsable boolean override")
		return
	}
	*dst = b
	log.WithComponent("config").Debug().Str("key", key).Bool("value", b).Str("source", "environment").Msg("config override")
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.WithComponent("config").Warn().Str("key", key).Str("value", v).Msg("ignoring unparsable integer override")
		return
	}
	*dst = i
	log.WithComponent("config").Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("config override")
}

// applyEnvOverrides lets every setting in the documented table be set or
// overridden via a VINYLSYNC_-prefixed environment variable, taking
// precedence over the file and the built-in defaults.
func applyEnvOverrides(s *Settings) {
	envBool("VINYLSYNC_LIBRARY_USE_UNIFIED_MANAGER", &s.Library.UseUnifiedManager)
	envBool("VINYLSYNC_LIBRARY_AUTO_QUEUE_DOWNLOADS", &s.Library.AutoQueueDownloads)
	envInt("VINYLSYNC_LIBRARY_DOWNLOAD_CLEANUP_DAYS", &s.Library.DownloadCleanupDays)
	envInt("VINYLSYNC_LIBRARY_SYNC_COOLDOWN_MINUTES", &s.Library.SyncCooldownMinutes)
	envInt("VINYLSYNC_LIBRARY_ENRICHMENT_BATCH_SIZE", &s.Library.EnrichmentBatchSize)

	envInt("VINYLSYNC_QUEUE_CHECK_INTERVAL_SECONDS", &s.Queue.CheckIntervalSeconds)

	envInt("VINYLSYNC_STATUS_CHECK_INTERVAL_SECONDS", &s.Status.CheckIntervalSeconds)
	envInt("VINYLSYNC_STATUS_STALE_THRESHOLD_HOURS", &s.Status.StaleThresholdHours)

	envInt("VINYLSYNC_CIRCUIT_BREAKER_FAILURE_THRESHOLD", &s.CircuitBreaker.FailureThreshold)
	envInt("VINYLSYNC_CIRCUIT_BREAKER_TIMEOUT_SECONDS", &s.CircuitBreaker.TimeoutSeconds)

	envInt("VINYLSYNC_TOKEN_REFRESH_LEEWAY_SECONDS", &s.Token.RefreshLeewaySeconds)
}
