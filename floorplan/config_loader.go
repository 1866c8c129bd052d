package floorplan

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	macPattern      = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)
	beaconIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// LoadConfig loads the unified configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyDefaults fills in unset tracking and history settings and allocates
// the floorplan maps so callers can write to them
func (c *Config) ApplyDefaults() {
	if c.Tracking.MaxReadingAge == 0 {
		c.Tracking.MaxReadingAge = DefaultMaxReadingAge
	}
	if c.Tracking.MinSolveInterval == 0 {
		c.Tracking.MinSolveInterval = DefaultMinSolveInterval
	}
	if c.History.Retention == 0 {
		c.History.Retention = DefaultRetention
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.Floors == nil {
		c.Floors = make(map[string]Floor)
	}
	if c.Rooms == nil {
		c.Rooms = make(map[string]Room)
	}
	if c.StaticEntities == nil {
		c.StaticEntities = make(map[string]StaticEntity)
	}
	if c.Beacons == nil {
		c.Beacons = make(map[string]BeaconConfig)
	}
}

// Validate checks the floorplan and device definitions
func (c *Config) Validate() error {
	if err := c.Solver.Validate(); err != nil {
		return err
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	for _, id := range sortedIDs(c.Beacons) {
		if err := ValidateBeaconID(id); err != nil {
			return err
		}
		if len(c.Beacons[id].Coordinates) != 3 {
			return fmt.Errorf("beacons[%s].coordinates must be [x, y, z]", id)
		}
	}

	for _, id := range sortedIDs(c.StaticEntities) {
		if len(c.StaticEntities[id].Coordinates) != 3 {
			return fmt.Errorf("staticEntities[%s].coordinates must be [x, y, z]", id)
		}
	}

	for _, id := range sortedIDs(c.Rooms) {
		if err := validateRoom(id, c.Rooms[id], c.Floors); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, dc := range c.Devices {
		if dc.ID == "" {
			return fmt.Errorf("device[%d].id is required", i)
		}
		if dc.Topic == "" {
			return fmt.Errorf("device[%d].topic is required for %s", i, dc.ID)
		}
		if seen[dc.ID] {
			return fmt.Errorf("device[%d].id %s is defined twice", i, dc.ID)
		}
		seen[dc.ID] = true
	}

	return nil
}

// ValidateBeaconID accepts a MAC address or a plain identifier
func ValidateBeaconID(id string) error {
	if macPattern.MatchString(id) || beaconIDPattern.MatchString(id) {
		return nil
	}
	return fmt.Errorf("invalid beacon id %q: must be a MAC address or contain only letters, digits, '_' and '-'", id)
}

func validateRoom(id string, room Room, floors map[string]Floor) error {
	if room.Floor == "" {
		return fmt.Errorf("rooms[%s].floor is required", id)
	}
	if _, ok := floors[room.Floor]; !ok {
		return fmt.Errorf("rooms[%s].floor %s is not a known floor", id, room.Floor)
	}
	if len(room.Boundaries) < 3 {
		return fmt.Errorf("rooms[%s].boundaries needs at least 3 points, got %d", id, len(room.Boundaries))
	}
	for i, pt := range room.Boundaries {
		if len(pt) != 2 {
			return fmt.Errorf("rooms[%s].boundaries[%d] must be [x, y]", id, i)
		}
	}
	return nil
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
