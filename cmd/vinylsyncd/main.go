// Package main is the vinylsyncd process entrypoint: it loads configuration,
// wires the repositories and workers together, and runs the background work
// fabric until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/vinylsync/vinylsync/internal/adminhttp"
	"github.com/vinylsync/vinylsync/internal/blocklist"
	"github.com/vinylsync/vinylsync/internal/cache"
	"github.com/vinylsync/vinylsync/internal/config"
	"github.com/vinylsync/vinylsync/internal/coordinator"
	"github.com/vinylsync/vinylsync/internal/httpclient"
	vlog "github.com/vinylsync/vinylsync/internal/log"
	"github.com/vinylsync/vinylsync/internal/orchestrator"
	"github.com/vinylsync/vinylsync/internal/persistence/sqlite"
	"github.com/vinylsync/vinylsync/internal/queue"
	"github.com/vinylsync/vinylsync/internal/token"
	"github.com/vinylsync/vinylsync/internal/workers/jobrunner"
	"github.com/vinylsync/vinylsync/internal/workers/queueworker"
	"github.com/vinylsync/vinylsync/internal/workers/statusworker"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	listenAddr := flag.String("listen", ":8090", "admin HTTP listen address")
	dataDir := flag.String("data-dir", "./data", "directory holding the sqlite database")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vinylsyncd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	vlog.Configure(vlog.Config{Level: "info", Service: "vinylsyncd", Version: version})
	logger := vlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		autoPath := filepath.Join(*dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectiveConfigPath = autoPath
		}
	}

	loader := config.NewLoader(effectiveConfigPath)
	holder, err := config.NewHolder(loader, effectiveConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config hot reload disabled")
	}
	cfg := holder.Get()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", *dataDir).Msg("failed to create data directory")
	}
	dbPath := filepath.Join(*dataDir, "vinylsync.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("path", dbPath).Msg("failed to open database")
	}
	defer db.Close()
	if err := sqlite.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure database schema")
	}

	artists := sqlite.NewArtistRepository(db)
	albums := sqlite.NewAlbumRepository(db)
	tracks := sqlite.NewTrackRepository(db)
	playlists := sqlite.NewPlaylistRepository(db)
	quality := sqlite.NewQualityProfileRepository(db)
	downloads := sqlite.NewDownloadRepository(db)
	blocklistRepo := blocklist.NewRepository(db)

	q := queue.New(db)
	if n, err := q.CleanupStale(ctx, 0); err != nil {
		logger.Warn().Err(err).Msg("stale work-item sweep failed")
	} else if n > 0 {
		logger.Info().Int64("reclaimed", n).Msg("returned stale work items to pending")
	}

	sharedHTTPClient := httpclient.New(httpclient.DefaultConfig())

	tokenRepo := token.NewRepository(db)
	tokenCfg := token.DefaultManagerConfig()
	tokenCfg.RefreshLeeway = cfg.TokenRefreshLeeway()
	tokenManager := token.NewManager(tokenCfg, tokenRepo, disabledOAuthClient{http: sharedHTTPClient}, cache.NewMemoryCache(10*time.Minute))

	externalClient := disabledDownloadClient{http: sharedHTTPClient}

	qwCfg := queueworker.DefaultConfig()
	qw := queueworker.New(qwCfg, downloads, blocklistRepo, externalClient, q)

	swCfg := statusworker.DefaultConfig()
	swCfg.CheckInterval = cfg.StatusCheckInterval()
	swCfg.StaleThreshold = cfg.StaleThreshold()
	sw := statusworker.New(swCfg, externalClient, downloads, tracks, q)

	orc := orchestrator.New(orchestrator.DefaultConfig())
	orc.Register("download_queue_worker", qw)
	orc.Register("download_status_worker", sw)
	orc.Register("job_runner", jobrunner.New(jobrunner.DefaultConfig(), q))
	orc.Register("token_refresh", orchestrator.FuncWorker{
		StartFunc: func(ctx context.Context) error {
			return tokenManager.RunProactiveRefresh(ctx, []string{"download-source"}, time.Minute)
		},
	})

	if cfg.Library.UseUnifiedManager {
		handlers := coordinator.NewHandlers(coordinator.Deps{
			Artists:             artists,
			Albums:              albums,
			Tracks:              tracks,
			Playlists:           playlists,
			Quality:             quality,
			Downloads:           downloads,
			Blocklist:           blocklistRepo,
			AutoQueueDownloads:  cfg.Library.AutoQueueDownloads,
			EnrichmentBatchSize: cfg.Library.EnrichmentBatchSize,
			DownloadCleanupDays: cfg.Library.DownloadCleanupDays,
		})

		coordCfg := coordinator.DefaultConfig()
		coordCfg.AutoQueueDownloads = cfg.Library.AutoQueueDownloads
		coordCfg.EnrichmentBatchSize = cfg.Library.EnrichmentBatchSize
		coordCfg.DownloadCleanupDays = cfg.Library.DownloadCleanupDays
		coord := coordinator.New(coordCfg, q)

		registrations := []struct {
			taskType coordinator.TaskType
			cooldown time.Duration
			priority coordinator.TaskPriority
			handler  coordinator.Handler
		}{
			{coordinator.TaskArtistSync, time.Hour, coordinator.PriorityNormal, handlers.ArtistSync},
			{coordinator.TaskAlbumSync, time.Hour, coordinator.PriorityNormal, handlers.AlbumSync},
			{coordinator.TaskTrackSync, time.Hour, coordinator.PriorityNormal, handlers.TrackSync},
			{coordinator.TaskPlaylistSync, time.Hour, coordinator.PriorityLow, handlers.PlaylistSync},
			{coordinator.TaskEnrichment, 30 * time.Minute, coordinator.PriorityLow, handlers.Enrichment},
			{coordinator.TaskCleanup, 24 * time.Hour, coordinator.PriorityLow, handlers.Cleanup},
			{coordinator.TaskDownloadRequest, 0, coordinator.PriorityHigh, handlers.DownloadRequest},
			{coordinator.TaskQualityUpgrade, time.Hour, coordinator.PriorityNormal, handlers.QualityUpgrade},
		}
		for _, reg := range registrations {
			if err := coord.RegisterTask(reg.taskType, reg.cooldown, reg.priority, reg.handler); err != nil {
				logger.Fatal().Err(err).Str("task_type", string(reg.taskType)).Msg("failed to register coordinator task")
			}
		}
		orc.Register("coordinator", coord)
	}

	router := adminhttp.NewRouter(adminhttp.DefaultConfig(), orc)
	server := &http.Server{
		Addr:         *listenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *listenAddr).Msg("admin HTTP surface listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	orchErr := make(chan error, 1)
	go func() {
		if err := orc.StartAll(ctx); err != nil {
			orchErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Error().Err(err).Msg("admin server failed")
	case err := <-orchErr:
		logger.Error().Err(err).Msg("a worker failed to start")
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	orc.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin server shutdown error")
	}
	logger.Info().Msg("vinylsyncd stopped")
}
