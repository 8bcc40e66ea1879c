// probed serves the probe's settings and SD card pages.
//
// Features:
// - Wi-Fi scan and saved credentials (sealed at rest)
// - Streaming firmware upload with update history
// - SD card browser backed by a local mount, SMB share or S3 bucket
// - Optional admin login and rate limiting on writes
// - Prometheus metrics, structured logging (zap) and SSE device events
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/api"
	"github.com/smartprobe/probed/internal/auth"
	"github.com/smartprobe/probed/internal/config"
	"github.com/smartprobe/probed/internal/database"
	"github.com/smartprobe/probed/internal/events"
	"github.com/smartprobe/probed/internal/firmware"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/internal/ratelimit"
	"github.com/smartprobe/probed/internal/sdcard"
	"github.com/smartprobe/probed/internal/storage"
	"github.com/smartprobe/probed/internal/wifi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("probed starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("sd_backend", cfg.SDBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(cfg.DatabaseDriver, cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database open failed", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	broadcaster := events.NewBroadcaster()

	// Wi-Fi
	key, err := wifi.LoadKey(cfg.CredentialKey, cfg.DataDir)
	if err != nil {
		logging.Fatal("credential key unavailable", zap.Error(err))
	}
	sealer, err := wifi.NewSealer(key)
	if err != nil {
		logging.Fatal("credential sealer init failed", zap.Error(err))
	}
	var scanner wifi.Scanner = wifi.NewNmcliScanner(cfg.WifiInterface)
	if cfg.WifiScanner == "static" {
		scanner = &wifi.StaticScanner{}
	}
	var applier wifi.Applier
	if cfg.WifiConnectCmd != "" {
		applier = &wifi.CommandApplier{Command: cfg.WifiConnectCmd}
	}
	wifiManager := wifi.NewManager(scanner, wifi.NewStore(db, sealer, cfg.WifiMaxSaved), applier, broadcaster)
	wifiManager.RefreshMetrics(ctx)

	// SD card
	cardBackend, err := storage.NewCardBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("card backend init failed", zap.Error(err))
	}
	defer cardBackend.Close()
	browser := sdcard.NewBrowser(cardBackend, sdcard.Config{
		ImageExts:    cfg.ImageExts,
		ThumbMaxSize: cfg.ThumbMaxSize,
	}, broadcaster)

	// Firmware
	staging, err := storage.NewStagingBackend(cfg)
	if err != nil {
		logging.Fatal("firmware staging init failed", zap.Error(err))
	}
	archive, err := storage.NewArchiveBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("firmware archive init failed", zap.Error(err))
	}
	updater := firmware.NewUpdater(firmware.Config{
		StagingRoot: cfg.StagingDir(),
		MaxSize:     cfg.MaxFirmwareSize,
		CheckMagic:  cfg.FirmwareCheckMagic,
		ApplyCmd:    cfg.FirmwareApplyCmd,
		RebootCmd:   cfg.RebootCmd,
	}, staging, archive, firmware.NewStore(db), broadcaster)

	authHandler, err := auth.New(cfg.AdminPassword, cfg.JWTSecret)
	if err != nil {
		logging.Fatal("auth init failed", zap.Error(err))
	}
	if !authHandler.Enabled() {
		logging.Warn("ADMIN_PASSWORD not set; settings and deletes are open to anyone on the network")
	}
	limiter := ratelimit.New(cfg.RequestsPerMin)

	srv := api.NewServer(api.Deps{
		Wifi:            wifiManager,
		Card:            browser,
		CardBackend:     cardBackend,
		Updater:         updater,
		Auth:            authHandler,
		Limiter:         limiter,
		Broadcaster:     broadcaster,
		DB:              db,
		MaxFirmwareSize: cfg.MaxFirmwareSize,
		WebappDir:       cfg.WebappDir,
	})

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown; in-flight uploads get a grace period.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forced shutdown", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-stopped
	wifiManager.Wait()
}
