package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("LabelBerry agent service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	runAgent(p.ctx)
	if p.svcLogger != nil {
		p.svcLogger.Info("LabelBerry agent service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}

	timeout := time.After(30 * time.Second)
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("LabelBerry agent service stopped gracefully")
		}
	case <-timeout:
		if p.svcLogger != nil {
			p.svcLogger.Warning("LabelBerry agent service stopped with timeout")
		}
	}
	return nil
}

// getServiceConfig returns the service configuration for the current platform.
func getServiceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "LabelBerry")
	case "darwin":
		workingDir = "/Library/Application Support/LabelBerry"
	default:
		workingDir = "/var/lib/labelberry"
	}

	return &service.Config{
		Name:             "LabelBerryAgent",
		DisplayName:      "LabelBerry Agent",
		Description:      "LabelBerry label printer agent. Maintains the connection to the central server, queues print jobs locally, and drives the attached USB label printer.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

// setupServiceDirectories creates the directories service mode needs.
func setupServiceDirectories() error {
	var dirs []string

	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "LabelBerry")
		dirs = []string{baseDir, filepath.Join(baseDir, "logs")}
	case "darwin":
		dirs = []string{
			"/Library/Application Support/LabelBerry",
			"/var/log/labelberry",
		}
	default: // Linux
		dirs = []string{
			"/var/lib/labelberry",
			"/var/log/labelberry",
			"/etc/labelberry",
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
