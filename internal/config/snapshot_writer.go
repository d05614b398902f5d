package config

import (
	"fmt"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/vinylsync/vinylsync/internal/log"
)

// WriteSnapshot persists the effective, resolved Settings to path with full
// durability: fsync before an atomic rename, so a crash mid-write never
// leaves a half-written file for the next Loader.Load to trip over.
func WriteSnapshot(path string, s Settings) error {
	logger := log.WithComponent("config")

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings snapshot: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending settings file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending settings file")
		}
	}()

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("write settings snapshot: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace settings file: %w", err)
	}
	return nil
}
