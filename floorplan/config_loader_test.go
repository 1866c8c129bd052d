package floorplan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: floortrack
  clientId: floortrack-test
solver:
  maxIterations: 50
tracking:
  maxReadingAge: 45s
floors:
  ground:
    name: Ground floor
    height: 0
  first:
    name: First floor
    height: 3
rooms:
  kitchen:
    name: Kitchen
    floor: ground
    boundaries: [[0, 0], [5, 0], [5, 4], [0, 4]]
  office:
    name: Office
    floor: first
    boundaries: [[0, 0], [4, 0], [4, 4], [0, 4]]
staticEntities:
  front_door:
    coordinates: [2.5, 0, 0]
beacons:
  kitchen_sensor:
    name: Kitchen sensor
    coordinates: [0, 0, 1]
  "AA:BB:CC:DD:EE:FF":
    coordinates: [5, 0, 1]
  hall-sensor:
    coordinates: [0, 4, 1]
devices:
  - id: phone
    topic: floortrack/phone
    color: "#00FF00"
  - id: watch
    topic: floortrack/watch
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q", cfg.MQTT.Broker)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}
	if len(cfg.Beacons) != 3 {
		t.Errorf("len(Beacons) = %d, want 3", len(cfg.Beacons))
	}
	if cfg.Solver.MaxIterations != 50 {
		t.Errorf("Solver.MaxIterations = %d, want 50", cfg.Solver.MaxIterations)
	}
	if cfg.Tracking.MaxReadingAge != 45*time.Second {
		t.Errorf("MaxReadingAge = %v, want 45s", cfg.Tracking.MaxReadingAge)
	}
	if cfg.Tracking.MinSolveInterval != DefaultMinSolveInterval {
		t.Errorf("MinSolveInterval = %v, want default", cfg.Tracking.MinSolveInterval)
	}
	if cfg.History.Retention != DefaultRetention {
		t.Errorf("Retention = %v, want default", cfg.History.Retention)
	}
	if got := cfg.Beacons["AA:BB:CC:DD:EE:FF"].Position().X; got != 5 {
		t.Errorf("MAC beacon X = %v, want 5", got)
	}
	if dc := cfg.GetDeviceByID("phone"); dc == nil || dc.Color != "#00FF00" {
		t.Errorf("GetDeviceByID(phone) = %+v", dc)
	}
	if cfg.GetDeviceByID("missing") != nil {
		t.Error("GetDeviceByID(missing) should be nil")
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	base := validConfigYAML()
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad yaml",
			body:    "mqtt: [",
			wantErr: "parsing config YAML",
		},
		{
			name:    "two coordinates",
			body:    strings.Replace(base, "coordinates: [0, 4, 1]", "coordinates: [0, 4]", 1),
			wantErr: "beacons[hall-sensor].coordinates must be [x, y, z]",
		},
		{
			name:    "bad beacon id",
			body:    strings.Replace(base, "hall-sensor:", "\"hall sensor!\":", 1),
			wantErr: "invalid beacon id",
		},
		{
			name:    "room on unknown floor",
			body:    strings.Replace(base, "floor: first", "floor: attic", 1),
			wantErr: "not a known floor",
		},
		{
			name:    "room with two points",
			body:    strings.Replace(base, "[[0, 0], [4, 0], [4, 4], [0, 4]]", "[[0, 0], [4, 0]]", 1),
			wantErr: "at least 3 points",
		},
		{
			name:    "device without topic",
			body:    strings.Replace(base, "    topic: floortrack/watch\n", "", 1),
			wantErr: "device[1].topic is required for watch",
		},
		{
			name:    "duplicate device",
			body:    strings.Replace(base, "id: watch", "id: phone", 1),
			wantErr: "defined twice",
		},
		{
			name:    "qos out of range",
			body:    strings.Replace(base, "  clientId: floortrack-test\n", "  clientId: floortrack-test\n  qos: 3\n", 1),
			wantErr: "mqtt.qos must be 0, 1 or 2",
		},
		{
			name:    "bad solver settings",
			body:    strings.Replace(base, "maxIterations: 50", "minBeacons: 2", 1),
			wantErr: "minBeacons must be at least 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	out := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(out, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	again, err := LoadConfig(out)
	if err != nil {
		t.Fatalf("LoadConfig(saved): %v", err)
	}
	if len(again.Rooms) != 2 || again.Rooms["kitchen"].Name != "Kitchen" {
		t.Errorf("rooms not preserved: %+v", again.Rooms)
	}
	if again.Tracking.MaxReadingAge != 45*time.Second {
		t.Errorf("MaxReadingAge = %v after round trip", again.Tracking.MaxReadingAge)
	}
}

func TestValidateBeaconID(t *testing.T) {
	for _, id := range []string{"kitchen", "hall-1", "under_score", "aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF"} {
		if err := ValidateBeaconID(id); err != nil {
			t.Errorf("ValidateBeaconID(%q) = %v", id, err)
		}
	}
	for _, id := range []string{"", "with space", "semi;colon", "aa:bb:cc"} {
		if err := ValidateBeaconID(id); err == nil {
			t.Errorf("ValidateBeaconID(%q) should fail", id)
		}
	}
}
