// Package config provides shared configuration utilities for LabelBerry
// components: file discovery across the platform search chain plus the TOML
// (server) and YAML (device) codecs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FindConfigFile searches the platform-appropriate locations for a config
// file. component is "server" or "client".
func FindConfigFile(filename string, component string) (string, []byte, error) {
	for _, path := range SearchPaths(filename, component) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// SearchPaths returns the ordered list of paths checked for a config file.
// The device agent's canonical config lives at /etc/labelberry/client.conf.
func SearchPaths(filename string, component string) []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		paths = append(paths, filepath.Join(os.Getenv("ProgramData"), "LabelBerry", component, filename))
	case "darwin":
		paths = append(paths, filepath.Join("/Library/Application Support/LabelBerry", component, filename))
	default:
		// The flat /etc/labelberry/<file> location is what the installer
		// writes; the component subdirectory is accepted for side-by-side
		// server+agent hosts.
		paths = append(paths,
			filepath.Join("/etc/labelberry", filename),
			filepath.Join("/etc/labelberry", component, filename))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			paths = append(paths, filepath.Join(homeDir, "AppData", "Local", "LabelBerry", component, filename))
		case "darwin":
			paths = append(paths, filepath.Join(homeDir, "Library", "Application Support", "LabelBerry", component, filename))
		default:
			paths = append(paths, filepath.Join(homeDir, ".config", "labelberry", component, filename))
		}
	}

	if exePath, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exePath), filename))
	}
	paths = append(paths, filepath.Join(".", filename))

	return paths
}

// DataDirectory returns the directory for durable component state (the device
// queue journal, the server's default SQLite file). Service mode uses
// /var/lib/labelberry; interactive mode keeps state under the user's home.
func DataDirectory(component string, isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "LabelBerry", component)
		default:
			dataDir = filepath.Join("/var/lib/labelberry", component)
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "LabelBerry", component)
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "LabelBerry", component)
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "labelberry", component)
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// LogDirectory returns the directory for component logs.
func LogDirectory(component string, isService bool) (string, error) {
	var logDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "LabelBerry", component, "logs")
		default:
			logDir = filepath.Join("/var/log/labelberry", component)
		}
	} else {
		logDir = "logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return logDir, nil
}

// LoadTOML loads a TOML config file into cfg. Used by the server.
func LoadTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// WriteDefaultTOML writes a default TOML config file for cfg.
func WriteDefaultTOML(configPath string, cfg interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadYAML loads a YAML config file into cfg. Used by the device agent
// (/etc/labelberry/client.conf).
func LoadYAML(configPath string, cfg interface{}) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// WriteYAML writes cfg as YAML, creating parent directories as needed.
func WriteYAML(configPath string, cfg interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
