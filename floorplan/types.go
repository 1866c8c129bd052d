package floorplan

import (
	"time"

	"github.com/kwv/floortrack/trilat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Config is the unified configuration loaded from config.yaml
type Config struct {
	MQTT           MQTTConfig              `yaml:"mqtt" json:"mqtt"`
	Solver         trilat.Config           `yaml:"solver,omitempty" json:"solver,omitempty"`
	Tracking       TrackingConfig          `yaml:"tracking,omitempty" json:"tracking,omitempty"`
	History        HistoryConfig           `yaml:"history,omitempty" json:"history,omitempty"`
	Floors         map[string]Floor        `yaml:"floors,omitempty" json:"floors,omitempty"`
	Rooms          map[string]Room         `yaml:"rooms,omitempty" json:"rooms,omitempty"`
	StaticEntities map[string]StaticEntity `yaml:"staticEntities,omitempty" json:"staticEntities,omitempty"`
	Beacons        map[string]BeaconConfig `yaml:"beacons" json:"beacons"`
	Devices        []DeviceConfig          `yaml:"devices" json:"devices"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
	QoS           byte   `yaml:"qos,omitempty" json:"qos,omitempty"`       // 0, 1 or 2 for published fixes
	Retain        *bool  `yaml:"retain,omitempty" json:"retain,omitempty"` // defaults to true
}

// TrackingConfig controls how readings are aged and how often devices are solved
type TrackingConfig struct {
	MaxReadingAge    time.Duration `yaml:"maxReadingAge,omitempty" json:"maxReadingAge,omitempty"`
	MinSolveInterval time.Duration `yaml:"minSolveInterval,omitempty" json:"minSolveInterval,omitempty"`
}

// HistoryConfig controls the sqlite fix history
type HistoryConfig struct {
	Path      string        `yaml:"path,omitempty" json:"path,omitempty"` // empty disables history
	Retention time.Duration `yaml:"retention,omitempty" json:"retention,omitempty"`
}

const (
	DefaultMaxReadingAge    = 30 * time.Second
	DefaultMinSolveInterval = time.Second
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultPublishPrefix    = "floortrack"
)

// Floor is one level of the building; Height is the z of its floor in meters
type Floor struct {
	Name   string  `yaml:"name" json:"name"`
	Height float64 `yaml:"height" json:"height"`
}

// Room is a polygon on a floor. Boundaries are [x, y] pairs in meters.
type Room struct {
	Name       string      `yaml:"name" json:"name"`
	Floor      string      `yaml:"floor" json:"floor"`
	Area       float64     `yaml:"area,omitempty" json:"area,omitempty"`
	Boundaries [][]float64 `yaml:"boundaries" json:"boundaries"`
}

// StaticEntity is a fixed point of interest on the plan (doors, furniture)
type StaticEntity struct {
	Coordinates []float64 `yaml:"coordinates" json:"coordinates"`
}

// BeaconConfig is a fixed beacon with known [x, y, z] coordinates in meters
type BeaconConfig struct {
	Name        string    `yaml:"name,omitempty" json:"name,omitempty"`
	Coordinates []float64 `yaml:"coordinates" json:"coordinates"`
}

// Position returns the beacon coordinates as a vector
func (b BeaconConfig) Position() r3.Vec {
	return vecOf(b.Coordinates)
}

// DeviceConfig is a tracked device and the topic its distance readings arrive on
type DeviceConfig struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Topic string `yaml:"topic" json:"topic"` // readings arrive on <topic>/<beaconID>
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// GetDeviceByID returns the device config for the given ID
func (c *Config) GetDeviceByID(id string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			return &c.Devices[i]
		}
	}
	return nil
}

// Fix is a located device: the solver estimate placed on the floorplan
type Fix struct {
	DeviceID    string             `json:"deviceId"`
	X           float64            `json:"x"`
	Y           float64            `json:"y"`
	Z           float64            `json:"z"`
	Confidence  float64            `json:"confidence"`
	RMSError    float64            `json:"rmsError"`
	Iterations  int                `json:"iterations"`
	Converged   bool               `json:"converged"`
	FloorID     string             `json:"floorId,omitempty"`
	RoomID      string             `json:"roomId,omitempty"`
	RoomName    string             `json:"roomName,omitempty"`
	BeaconsUsed []string           `json:"beaconsUsed"`
	Rejected    []trilat.Rejection `json:"rejected,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Position returns the fix coordinates as a vector
func (f Fix) Position() r3.Vec {
	return r3.Vec{X: f.X, Y: f.Y, Z: f.Z}
}

func vecOf(c []float64) r3.Vec {
	if len(c) != 3 {
		return r3.Vec{}
	}
	return r3.Vec{X: c[0], Y: c[1], Z: c[2]}
}
