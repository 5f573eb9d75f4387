package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	"github.com/Baanaaana/labelberry/agent/printer"
	"github.com/Baanaaana/labelberry/agent/queue"
	"github.com/Baanaaana/labelberry/common/config"
	"github.com/Baanaaana/labelberry/common/logger"
	"github.com/Baanaaana/labelberry/common/protocol"
)

// buildVersion is stamped at build time via -ldflags.
var buildVersion = "dev"

var agentLogger *logger.Logger

var (
	flagConfig   = flag.String("config", "", "path to client.conf (default: search /etc/labelberry)")
	flagService  = flag.String("service", "", "service control: install, uninstall, start, stop, run")
	flagLogLevel = flag.String("log-level", "", "override configured log level")
	flagVersion  = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("labelberry-agent %s\n", buildVersion)
		return
	}

	if *flagService != "" && *flagService != "run" {
		if err := controlService(*flagService); err != nil {
			logFatal("Service control failed", "action", *flagService, "error", err)
		}
		return
	}

	if *flagService == "run" {
		svc, err := service.New(&program{}, getServiceConfig())
		if err != nil {
			logFatal("Service init failed", "error", err)
		}
		if err := svc.Run(); err != nil {
			logFatal("Service run failed", "error", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runAgent(ctx)
}

func controlService(action string) error {
	svc, err := service.New(&program{}, getServiceConfig())
	if err != nil {
		return err
	}
	if action == "install" {
		if err := setupServiceDirectories(); err != nil {
			return err
		}
	}
	return service.Control(svc, action)
}

// runAgent wires and runs every agent component until ctx is cancelled.
func runAgent(ctx context.Context) {
	cfg, path, err := LoadConfig(*flagConfig)
	if err != nil {
		logFatal("Configuration load failed", "error", err)
	}
	logInfo("Configuration loaded", "path", path, "device_id", cfg.DeviceID)

	level := cfg.LogLevel
	if *flagLogLevel != "" {
		level = *flagLogLevel
	}
	logDir, err := config.LogDirectory("client", *flagService == "run")
	if err != nil {
		logWarn("Log directory unavailable, logging to buffer only", "error", err)
		logDir = ""
	}
	agentLogger = logger.New(logger.LevelFromString(level), logDir, "labelberry-agent", 1000)
	defer agentLogger.Close()

	vendor, product := cfg.USBIDs()
	driver := printer.NewAuto(cfg.PrinterDevice, vendor, product)
	defer driver.Close()
	logInfo("Printer driver ready", "paths", driver.Describe())

	q := queue.New(cfg.QueueCapacity)
	journal := queue.NewJournal(cfg.JournalPath)
	if restored, err := journal.Restore(q); err != nil {
		logWarn("Queue journal restore failed, starting empty", "error", err)
	} else if restored > 0 {
		logInfo("Restored queued jobs from journal", "count", restored)
	}

	worker := queue.NewWorker(q, journal, driver, cfg.RetryPolicy(), agentLogger)
	client := NewBusClient(cfg, q, worker)
	localAPI := NewLocalAPI(cfg, q, worker, driver)

	// locally-submitted jobs resolve locally; everything else goes upstream
	worker.Emit = func(ev protocol.Lifecycle) {
		if !localAPI.Observe(ev) {
			client.PublishLifecycle(ev)
		}
	}

	client.OnReconfigure = func(newCfg *Config) {
		agentLogger.SetLevel(logger.LevelFromString(newCfg.LogLevel))
		logInfo("Applied reconfigure", "log_level", newCfg.LogLevel)
	}

	go worker.Run(ctx)
	go client.Run(ctx)
	go runHeartbeat(ctx, client, cfg.HeartbeatInterval())

	if cfg.LocalAPIPort > 0 {
		if err := localAPI.Serve(ctx); err != nil {
			logError("Local API failed", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	logInfo("Agent shut down")
}
