package floorplan

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// Manager owns the floorplan part of the configuration and serialises edits
// to it. Beacon positions handed to the solver are always fresh copies.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	path   string // empty disables Save
}

// NewManager wraps config. path is where Save writes it back.
func NewManager(config *Config, path string) *Manager {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	return &Manager{config: config, path: path}
}

// Save persists the current configuration
func (m *Manager) Save() error {
	if m.path == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SaveConfig(m.path, m.config)
}

// ---------------------------------------------------------------------------
// Floors
// ---------------------------------------------------------------------------

// AddFloor creates or replaces a floor
func (m *Manager) AddFloor(id, name string, height float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Floors[id] = Floor{Name: name, Height: height}
}

// DeleteFloor removes a floor and every room on it
func (m *Manager) DeleteFloor(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.config.Floors[id]; !ok {
		return
	}
	delete(m.config.Floors, id)
	for roomID, room := range m.config.Rooms {
		if room.Floor == id {
			delete(m.config.Rooms, roomID)
		}
	}
}

// Floors returns a copy of all floors
func (m *Manager) Floors() map[string]Floor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Floor, len(m.config.Floors))
	for id, f := range m.config.Floors {
		out[id] = f
	}
	return out
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// AddRoom creates a room on an existing floor
func (m *Manager) AddRoom(id string, room Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validateRoom(id, room, m.config.Floors); err != nil {
		return err
	}
	m.config.Rooms[id] = copyRoom(room)
	return nil
}

// UpdateRoom replaces an existing room. Unknown ids are ignored.
func (m *Manager) UpdateRoom(id string, room Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.config.Rooms[id]; !ok {
		return nil
	}
	if err := validateRoom(id, room, m.config.Floors); err != nil {
		return err
	}
	m.config.Rooms[id] = copyRoom(room)
	return nil
}

// DeleteRoom removes a room
func (m *Manager) DeleteRoom(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.config.Rooms, id)
}

// Rooms returns a copy of all rooms
func (m *Manager) Rooms() map[string]Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Room, len(m.config.Rooms))
	for id, r := range m.config.Rooms {
		out[id] = copyRoom(r)
	}
	return out
}

// RoomsByFloor returns the rooms on a floor keyed by id
func (m *Manager) RoomsByFloor(floorID string) map[string]Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Room)
	for id, r := range m.config.Rooms {
		if r.Floor == floorID {
			out[id] = copyRoom(r)
		}
	}
	return out
}

func copyRoom(r Room) Room {
	b := make([][]float64, len(r.Boundaries))
	for i, pt := range r.Boundaries {
		b[i] = append([]float64(nil), pt...)
	}
	r.Boundaries = b
	return r
}

// ---------------------------------------------------------------------------
// Static entities
// ---------------------------------------------------------------------------

// AddStaticEntity creates or replaces a static entity
func (m *Manager) AddStaticEntity(id string, coords []float64) error {
	if len(coords) != 3 {
		return fmt.Errorf("staticEntities[%s].coordinates must be [x, y, z]", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.StaticEntities[id] = StaticEntity{Coordinates: append([]float64(nil), coords...)}
	return nil
}

// UpdateStaticEntity moves an existing static entity. Unknown ids are ignored.
func (m *Manager) UpdateStaticEntity(id string, coords []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.config.StaticEntities[id]; !ok {
		return nil
	}
	if len(coords) != 3 {
		return fmt.Errorf("staticEntities[%s].coordinates must be [x, y, z]", id)
	}
	m.config.StaticEntities[id] = StaticEntity{Coordinates: append([]float64(nil), coords...)}
	return nil
}

// DeleteStaticEntity removes a static entity
func (m *Manager) DeleteStaticEntity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.config.StaticEntities, id)
}

// EntityCoordinates returns the position of a static entity
func (m *Manager) EntityCoordinates(id string) (r3.Vec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.config.StaticEntities[id]
	if !ok {
		return r3.Vec{}, false
	}
	return vecOf(e.Coordinates), true
}

// StaticEntities returns all static entity positions
func (m *Manager) StaticEntities() map[string]r3.Vec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]r3.Vec, len(m.config.StaticEntities))
	for id, e := range m.config.StaticEntities {
		out[id] = vecOf(e.Coordinates)
	}
	return out
}

// ---------------------------------------------------------------------------
// Beacons
// ---------------------------------------------------------------------------

// AddBeacon creates or replaces a beacon
func (m *Manager) AddBeacon(id, name string, coords []float64) error {
	if err := ValidateBeaconID(id); err != nil {
		return err
	}
	if len(coords) != 3 {
		return fmt.Errorf("beacons[%s].coordinates must be [x, y, z]", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Beacons[id] = BeaconConfig{Name: name, Coordinates: append([]float64(nil), coords...)}
	debugf("beacon %s set to (%.2f, %.2f, %.2f)", id, coords[0], coords[1], coords[2])
	return nil
}

// UpdateBeacon moves an existing beacon. Unknown ids are ignored.
func (m *Manager) UpdateBeacon(id string, coords []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.config.Beacons[id]
	if !ok {
		return nil
	}
	if len(coords) != 3 {
		return fmt.Errorf("beacons[%s].coordinates must be [x, y, z]", id)
	}
	b.Coordinates = append([]float64(nil), coords...)
	m.config.Beacons[id] = b
	return nil
}

// DeleteBeacon removes a beacon
func (m *Manager) DeleteBeacon(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.config.Beacons, id)
}

// Beacons returns a copy of the beacon definitions
func (m *Manager) Beacons() map[string]BeaconConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]BeaconConfig, len(m.config.Beacons))
	for id, b := range m.config.Beacons {
		b.Coordinates = append([]float64(nil), b.Coordinates...)
		out[id] = b
	}
	return out
}

// BeaconPositions builds a fresh beacon table for one solve
func (m *Manager) BeaconPositions() map[string]r3.Vec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]r3.Vec, len(m.config.Beacons))
	for id, b := range m.config.Beacons {
		out[id] = b.Position()
	}
	return out
}
