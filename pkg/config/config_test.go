package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

func TestLoadDeviceMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadDevice(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadDevice failed: %v", err)
	}
	if cfg.DeviceID != "device" {
		t.Errorf("default device_id = %q", cfg.DeviceID)
	}
	if cfg.Mode != fix.ModeAuto {
		t.Errorf("default mode = %v", cfg.Mode)
	}
	if cfg.MQTT.Broker == "" {
		t.Error("default MQTT broker should be set")
	}
}

func TestLoadDeviceOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	content := `{
		"device_id": "watch-7",
		"log_level": "debug",
		"mode": "emergency",
		"mqtt": {"broker": "mqtt.example.net", "port": 8883, "topic_prefix": "fleet/watch-7"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDevice(path)
	if err != nil {
		t.Fatalf("LoadDevice failed: %v", err)
	}
	if cfg.DeviceID != "watch-7" {
		t.Errorf("device_id = %q", cfg.DeviceID)
	}
	if cfg.Mode != fix.ModeEmergency {
		t.Errorf("mode = %v", cfg.Mode)
	}
	if cfg.MQTT.Broker != "mqtt.example.net" || cfg.MQTT.Port != 8883 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	// Fields absent from the file keep their defaults
	if cfg.StatePath != DefaultStatePath {
		t.Errorf("state_path = %q, want default", cfg.StatePath)
	}
}

func TestLoadDeviceRejectsBadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	if err := os.WriteFile(path, []byte(`{"mode": "turbo"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDevice(path); err == nil {
		t.Error("unknown mode should fail validation")
	}
}

func TestLoadDeviceRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDevice(path); err == nil {
		t.Error("malformed config should fail to load")
	}
}

func TestLoadHubValidatesPortsAndZones(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		t.Helper()
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	if _, err := LoadHub(write("a.json", `{"status_port": 9090, "metrics_port": 9090}`)); err == nil {
		t.Error("identical ports should fail validation")
	}
	if _, err := LoadHub(write("b.json", `{"zones": [{"name": "home", "radius_m": 0}]}`)); err == nil {
		t.Error("zero-radius zone should fail validation")
	}

	cfg, err := LoadHub(write("c.json", `{
		"device_id": "watch-7",
		"zones": [{"name": "home", "latitude": 59.3, "longitude": 18.1, "radius_m": 150}]
	}`))
	if err != nil {
		t.Fatalf("LoadHub failed: %v", err)
	}
	if len(cfg.Zones) != 1 || cfg.Zones[0].Name != "home" {
		t.Errorf("zones = %+v", cfg.Zones)
	}
	if cfg.StatusPort != DefaultStatusPort || cfg.MetricsPort != DefaultMetricsPort {
		t.Errorf("default ports = %d/%d", cfg.StatusPort, cfg.MetricsPort)
	}
}
