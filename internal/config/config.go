// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CaptureConfig contains capture-side settings
type CaptureConfig struct {
	// Devices to read from: device node path, reported name, or unique id.
	Devices []string `mapstructure:"devices"`
	// Targets to stream to, host:port. Empty means discover one peer.
	Targets []string `mapstructure:"targets"`
	// Magic combo key names toggling between passthrough and grabbed.
	Magic []string `mapstructure:"magic"`
	// GrabOnStart grabs immediately instead of waiting for the combo.
	GrabOnStart bool `mapstructure:"grab_on_start"`
	// Reconnect backoff bounds, in milliseconds.
	ReconnectInitialMs int `mapstructure:"reconnect_initial_ms"`
	ReconnectMaxMs     int `mapstructure:"reconnect_max_ms"`
}

// ReplayConfig contains replay-side settings
type ReplayConfig struct {
	Listen string `mapstructure:"listen"`

	// Virtual device identity.
	DeviceName     string `mapstructure:"device_name"`
	BusType        uint16 `mapstructure:"bus_type"`
	VendorID       uint16 `mapstructure:"vendor_id"`
	ProductID      uint16 `mapstructure:"product_id"`
	ProductVersion uint16 `mapstructure:"product_version"`
	HighResScroll  bool   `mapstructure:"high_res_scroll"`
}

// DiscoveryConfig contains LAN peer discovery settings
type DiscoveryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Multicast       string `mapstructure:"multicast"`
	RequestPeriodMs int    `mapstructure:"request_period_ms"`
	TimeoutMs       int    `mapstructure:"timeout_ms"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Capture: CaptureConfig{
			Magic:              []string{"KEY_LEFTCTRL", "KEY_LEFTSHIFT", "KEY_F12"},
			GrabOnStart:        false,
			ReconnectInitialMs: 500,
			ReconnectMaxMs:     30000,
		},
		Replay: ReplayConfig{
			Listen:         "[::]:27056",
			DeviceName:     "hoip virtual input",
			BusType:        0x03,
			VendorID:       1,
			ProductID:      1,
			ProductVersion: 1,
			HighResScroll:  true,
		},
		Discovery: DiscoveryConfig{
			Enabled:         true,
			Multicast:       "224.0.0.83:27056",
			RequestPeriodMs: 300,
			TimeoutMs:       3000,
		},
		Logging: LoggingConfig{
			LogLevel: "",
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("hoip")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		// Add config paths in order of precedence
		viper.AddConfigPath("/etc/hoip")

		// Both sides usually run as root (for /dev/input and uinput
		// access); under sudo, look at the invoking user's config too.
		if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
			viper.AddConfigPath(filepath.Join("/home", sudoUser, ".config", "hoip"))
		} else if home := os.Getenv("HOME"); home != "" && home != "/root" {
			viper.AddConfigPath(filepath.Join(home, ".config", "hoip"))
		}

		viper.AddConfigPath(".")
	}

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("capture.devices", DefaultConfig.Capture.Devices)
	viper.SetDefault("capture.targets", DefaultConfig.Capture.Targets)
	viper.SetDefault("capture.magic", DefaultConfig.Capture.Magic)
	viper.SetDefault("capture.grab_on_start", DefaultConfig.Capture.GrabOnStart)
	viper.SetDefault("capture.reconnect_initial_ms", DefaultConfig.Capture.ReconnectInitialMs)
	viper.SetDefault("capture.reconnect_max_ms", DefaultConfig.Capture.ReconnectMaxMs)

	viper.SetDefault("replay.listen", DefaultConfig.Replay.Listen)
	viper.SetDefault("replay.device_name", DefaultConfig.Replay.DeviceName)
	viper.SetDefault("replay.bus_type", DefaultConfig.Replay.BusType)
	viper.SetDefault("replay.vendor_id", DefaultConfig.Replay.VendorID)
	viper.SetDefault("replay.product_id", DefaultConfig.Replay.ProductID)
	viper.SetDefault("replay.product_version", DefaultConfig.Replay.ProductVersion)
	viper.SetDefault("replay.high_res_scroll", DefaultConfig.Replay.HighResScroll)

	viper.SetDefault("discovery.enabled", DefaultConfig.Discovery.Enabled)
	viper.SetDefault("discovery.multicast", DefaultConfig.Discovery.Multicast)
	viper.SetDefault("discovery.request_period_ms", DefaultConfig.Discovery.RequestPeriodMs)
	viper.SetDefault("discovery.timeout_ms", DefaultConfig.Discovery.TimeoutMs)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// ReconnectBackoff returns the configured backoff bounds as durations.
func (c *CaptureConfig) ReconnectBackoff() (initial, max time.Duration) {
	return time.Duration(c.ReconnectInitialMs) * time.Millisecond,
		time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

// RequestPeriod returns the discovery probe period.
func (c *DiscoveryConfig) RequestPeriod() time.Duration {
	return time.Duration(c.RequestPeriodMs) * time.Millisecond
}

// Timeout returns the discovery probe window.
func (c *DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
