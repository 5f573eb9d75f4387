package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Baanaaana/labelberry/agent/queue"
	"github.com/Baanaaana/labelberry/common/config"
)

// Config is the device agent configuration, loaded from YAML at
// /etc/labelberry/client.conf (or the per-user search paths).
type Config struct {
	// DeviceID is the identity announced to the server. Required.
	DeviceID string `yaml:"device_id"`
	// DeviceSecret authenticates the bus connection. Required.
	DeviceSecret string `yaml:"device_secret"`
	// ServerURL is the central server base, e.g. wss://labels.example.com.
	ServerURL string `yaml:"server_url"`

	// PrinterDevice is the usblp node to write, e.g. /dev/usb/lp0. Empty
	// probes the standard locations.
	PrinterDevice string `yaml:"printer_device,omitempty"`
	// USBVendor/USBProduct pin the raw-USB fallback to one printer when
	// several are attached. Hex strings, e.g. "0a5f".
	USBVendor  string `yaml:"usb_vendor,omitempty"`
	USBProduct string `yaml:"usb_product,omitempty"`

	// QueueCapacity bounds the local print queue.
	QueueCapacity int `yaml:"queue_capacity,omitempty"`
	// JournalPath overrides the queue journal location.
	JournalPath string `yaml:"journal_path,omitempty"`

	// RetryWindowHours bounds how long a job keeps retrying after enqueue.
	RetryWindowHours int `yaml:"retry_window_hours,omitempty"`
	// HeartbeatSeconds is the status publish cadence.
	HeartbeatSeconds int `yaml:"heartbeat_seconds,omitempty"`

	// LocalAPIPort serves the device-local HTTP API. 0 disables it.
	LocalAPIPort int `yaml:"local_api_port,omitempty"`
	// Zeroconf advertises the local API as _labelberry._tcp via mDNS.
	Zeroconf bool `yaml:"zeroconf,omitempty"`

	// PrinterModel and LabelSize are reported in the capability hello.
	PrinterModel string `yaml:"printer_model,omitempty"`
	LabelSize    string `yaml:"label_size,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueCapacity:    queue.DefaultCapacity,
		JournalPath:      queue.DefaultJournalPath,
		RetryWindowHours: 24,
		HeartbeatSeconds: 60,
		LocalAPIPort:     8100,
		Zeroconf:         true,
		LogLevel:         "info",
	}
}

// LoadConfig reads client.conf from the search chain, applies environment
// overrides, and validates required fields.
func LoadConfig(explicitPath string) (*Config, string, error) {
	cfg := DefaultConfig()

	path := explicitPath
	if path == "" {
		found, _, err := config.FindConfigFile("client.conf", "client")
		if err != nil {
			return nil, "", fmt.Errorf("no client.conf found: %w", err)
		}
		path = found
	}
	if err := config.LoadYAML(path, cfg); err != nil {
		return nil, "", err
	}

	applyEnvOverrides(cfg)

	if cfg.DeviceID == "" {
		return nil, "", fmt.Errorf("device_id is required")
	}
	if cfg.DeviceSecret == "" {
		return nil, "", fmt.Errorf("device_secret is required")
	}
	if cfg.ServerURL == "" {
		return nil, "", fmt.Errorf("server_url is required")
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = queue.DefaultCapacity
	}
	return cfg, path, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LABELBERRY_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("LABELBERRY_DEVICE_SECRET"); v != "" {
		cfg.DeviceSecret = v
	}
	if v := os.Getenv("LABELBERRY_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("LABELBERRY_PRINTER_DEVICE"); v != "" {
		cfg.PrinterDevice = v
	}
	if v := os.Getenv("LABELBERRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LABELBERRY_LOCAL_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.LocalAPIPort = port
		}
	}
}

// HeartbeatInterval returns the status publish cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// RetryPolicy builds the worker policy from the config.
func (c *Config) RetryPolicy() queue.RetryPolicy {
	policy := queue.DefaultRetryPolicy()
	if c.RetryWindowHours > 0 {
		policy.RetryWindow = time.Duration(c.RetryWindowHours) * time.Hour
	}
	return policy
}

// USBIDs parses the optional vendor/product pins. Unset or malformed values
// come back as zero, which matches any printer-class device.
func (c *Config) USBIDs() (vendor, product uint16) {
	if v, err := strconv.ParseUint(c.USBVendor, 16, 16); err == nil {
		vendor = uint16(v)
	}
	if p, err := strconv.ParseUint(c.USBProduct, 16, 16); err == nil {
		product = uint16(p)
	}
	return vendor, product
}
