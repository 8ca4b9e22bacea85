// Package config loads and validates the daemon configuration files. A
// missing file yields the defaults; a present but invalid one is an error.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/transport"
)

// Default configuration values
const (
	DefaultLogLevel          = "info"
	DefaultStatusPort        = 8080
	DefaultMetricsPort       = 9090
	DefaultDeviceMetricsPort = 9091
	DefaultStatePath         = "/var/lib/fixrelayd/state.json"
)

// DeviceConfig configures the device daemon
type DeviceConfig struct {
	DeviceID  string           `json:"device_id"`
	LogLevel  string           `json:"log_level"`
	Mode      fix.TrackingMode `json:"mode"`
	StatePath string           `json:"state_path"`

	// MetricsPort 0 disables the device metrics listener
	MetricsPort int `json:"metrics_port"`

	// Optional durable store used as the emergency side channel
	RecoveryDBPath string `json:"recovery_db_path"`

	MQTT transport.Config `json:"mqtt"`

	// Starting position for the simulated capture source
	SimLatitude  float64 `json:"sim_latitude"`
	SimLongitude float64 `json:"sim_longitude"`
}

// HubConfig configures the hub daemon
type HubConfig struct {
	DeviceID    string           `json:"device_id"`
	LogLevel    string           `json:"log_level"`
	Mode        fix.TrackingMode `json:"mode"`
	StatusPort  int              `json:"status_port"`
	MetricsPort int              `json:"metrics_port"`

	HistoryCapacity int `json:"history_capacity"`

	// Optional durable store seeded from and forwarded to while direct
	// delivery is down
	RecoveryDBPath string `json:"recovery_db_path"`

	MQTT transport.Config `json:"mqtt"`

	Zones []ZoneConfig `json:"zones"`
}

// ZoneConfig is one circular geofence zone
type ZoneConfig struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusM   float64 `json:"radius_m"`
}

// LoadDevice loads the device daemon configuration
func LoadDevice(path string) (*DeviceConfig, error) {
	cfg := &DeviceConfig{}
	cfg.setDefaults()

	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadHub loads the hub daemon configuration
func LoadHub(path string) (*HubConfig, error) {
	cfg := &HubConfig{}
	cfg.setDefaults()

	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadJSON overlays the file onto the pre-defaulted config; a missing file
// leaves the defaults untouched
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *DeviceConfig) setDefaults() {
	c.DeviceID = "device"
	c.LogLevel = DefaultLogLevel
	c.Mode = fix.ModeAuto
	c.StatePath = DefaultStatePath
	c.MetricsPort = DefaultDeviceMetricsPort
	c.MQTT = transport.DefaultConfig()
	c.SimLatitude = 59.3293
	c.SimLongitude = 18.0686
}

func (c *DeviceConfig) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id must not be empty")
	}
	if _, err := fix.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if err := validateMQTT(c.MQTT); err != nil {
		return err
	}
	if c.StatePath == "" {
		return fmt.Errorf("state_path must not be empty")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port %d out of range", c.MetricsPort)
	}
	return nil
}

func (c *HubConfig) setDefaults() {
	c.DeviceID = "device"
	c.LogLevel = DefaultLogLevel
	c.Mode = fix.ModeAuto
	c.StatusPort = DefaultStatusPort
	c.MetricsPort = DefaultMetricsPort
	c.MQTT = transport.DefaultConfig()
}

func (c *HubConfig) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id must not be empty")
	}
	if _, err := fix.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if err := validateMQTT(c.MQTT); err != nil {
		return err
	}
	if c.StatusPort <= 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status_port %d out of range", c.StatusPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port %d out of range", c.MetricsPort)
	}
	if c.StatusPort == c.MetricsPort {
		return fmt.Errorf("status_port and metrics_port must differ")
	}
	for _, z := range c.Zones {
		if z.Name == "" {
			return fmt.Errorf("zone with empty name")
		}
		if z.RadiusM <= 0 {
			return fmt.Errorf("zone %q has non-positive radius", z.Name)
		}
	}
	return nil
}

func validateMQTT(c transport.Config) error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("mqtt port %d out of range", c.Port)
	}
	if c.TopicPrefix == "" {
		return fmt.Errorf("mqtt topic_prefix must not be empty")
	}
	return nil
}
