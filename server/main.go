// LabelBerry Server - Central dispatch hub for SBC label printer devices.
// Accepts print jobs over REST, routes them to devices over the persistent
// bus, and correlates device lifecycle events back to synchronous callers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Baanaaana/labelberry/common/logger"
	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/common/ws"
	"github.com/Baanaaana/labelberry/server/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	serverLogger *logger.Logger
	serverStore  storage.Store
)

func main() {
	configPath := flag.String("config", "", "Config file path (default: search chain)")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	dbURL := flag.String("db", "", "Database URL (overrides config and DATABASE_URL)")
	logLevel := flag.String("log-level", "", "Log level (error, warn, info, debug, trace)")
	createKey := flag.String("create-api-key", "", "Create an API key with the given name and exit")
	flag.Parse()

	log.Printf("LabelBerry Server %s (protocol v%d)", Version, protocol.ProtocolVersion)
	log.Printf("Build: %s, Commit: %s", BuildTime, GitCommit)
	log.Printf("Go: %s, OS: %s, Arch: %s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = "logs"
	}
	serverLogger = logger.New(logger.LevelFromString(cfg.Logging.Level), logDir, "labelberry-server", 1000)
	defer serverLogger.Close()
	logInfo("Server starting", "version", Version)

	serverStore, err = storage.Open(cfg.Database.URL)
	if err != nil {
		logFatal("Failed to open database", "error", err)
	}
	defer serverStore.Close()
	logInfo("Database ready", "url", cfg.Database.URL)

	if *createKey != "" {
		if err := createAPIKey(serverStore, *createKey); err != nil {
			logFatal("Failed to create API key", "error", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	defer hub.Stop()
	hub.OnDrop(func(id string) {
		serverLogger.WarnRateLimited("hub-drop-"+id, time.Minute,
			"Dropped bus message for slow subscriber", "subscriber", id)
	})

	registry := NewRegistry(cfg.HeartbeatCadence())
	waiters := NewWaitEngine(cfg.Dispatch.MaxWaiters, cfg.ProcessingExtension())
	offline := NewOfflineQueue(serverStore, registry, cfg.Dispatch.OfflineQueueMax,
		time.Duration(cfg.Retention.JobExpiryHours)*time.Hour)
	dispatcher := NewDispatcher(serverStore, registry, waiters, offline, hub,
		cfg.DefaultDeadline(), cfg.MaxDeadline())
	bus := NewBus(serverStore, registry, hub, cfg.PingInterval())
	retention := NewRetention(serverStore, waiters, offline, cfg.Retention)
	api := NewAPI(cfg, serverStore, registry, dispatcher, waiters)

	go waiters.RunWatchdog(ctx)
	go dispatcher.RunLifecycleConsumer(ctx)
	go registry.RunStalenessSweeper(ctx)
	go retention.Run(ctx)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.HandleFunc("GET /ws/pi", bus.HandleConnect)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: log.New(logBridgeWriter{level: logger.WARN}, "", 0),
	}

	go func() {
		logInfo("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("HTTP server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logInfo("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logWarn("HTTP shutdown incomplete", "error", err)
	}
	logInfo("Server stopped")
}
