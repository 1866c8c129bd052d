package floorplan

import (
	"sort"
	"sync"
	"time"

	"github.com/kwv/floortrack/trilat"
)

// Reading is the last distance a device reported to one beacon
type Reading struct {
	Distance float64   `json:"distance"`
	At       time.Time `json:"at"`
}

// Tracker keeps the latest readings and fix per device for the solver and
// HTTP endpoints
type Tracker struct {
	mu        sync.RWMutex
	maxAge    time.Duration
	readings  map[string]map[string]Reading // device -> beacon -> reading
	fixes     map[string]*Fix
	colors    map[string]string // device ID -> hex color
	lastSolve map[string]time.Time
	pending   map[string]bool // devices owed a solve when their window closes
}

// NewTracker creates a tracker that ignores readings older than maxAge.
// A zero maxAge keeps readings forever.
func NewTracker(maxAge time.Duration) *Tracker {
	return &Tracker{
		maxAge:    maxAge,
		readings:  make(map[string]map[string]Reading),
		fixes:     make(map[string]*Fix),
		colors:    make(map[string]string),
		lastSolve: make(map[string]time.Time),
		pending:   make(map[string]bool),
	}
}

// SetColor sets the color for a device
func (t *Tracker) SetColor(deviceID, hexColor string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.colors[deviceID] = hexColor
}

// Color returns the configured color for a device, red when unset
func (t *Tracker) Color(deviceID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c := t.colors[deviceID]; c != "" {
		return c
	}
	return "#FF0000"
}

// Update records a distance reading
func (t *Tracker) Update(deviceID, beaconID string, distance float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.readings[deviceID]
	if !ok {
		dev = make(map[string]Reading)
		t.readings[deviceID] = dev
	}
	dev[beaconID] = Reading{Distance: distance, At: at}
}

// Clear drops a reading, used when a sensor reports unknown or unavailable
func (t *Tracker) Clear(deviceID, beaconID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dev, ok := t.readings[deviceID]; ok {
		delete(dev, beaconID)
	}
}

// Readings returns a copy of the raw readings for a device
func (t *Tracker) Readings(deviceID string) map[string]Reading {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Reading, len(t.readings[deviceID]))
	for id, r := range t.readings[deviceID] {
		out[id] = r
	}
	return out
}

// Snapshot returns the device's current measurements, skipping stale ones
func (t *Tracker) Snapshot(deviceID string, now time.Time) trilat.Measurements {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := make(trilat.Measurements, len(t.readings[deviceID]))
	for id, r := range t.readings[deviceID] {
		if t.maxAge > 0 && now.Sub(r.At) > t.maxAge {
			continue
		}
		m[id] = r.Distance
	}
	return m
}

// Devices returns the ids of devices with at least one reading
func (t *Tracker) Devices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.readings))
	for id, dev := range t.readings {
		if len(dev) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetFix stores the latest fix for a device
func (t *Tracker) SetFix(fix *Fix) {
	if fix == nil {
		return
	}
	c := *fix
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fixes[fix.DeviceID] = &c
}

// Fix returns a copy of the latest fix for a device
func (t *Tracker) Fix(deviceID string) (*Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.fixes[deviceID]
	if !ok {
		return nil, false
	}
	c := *f
	return &c, true
}

// Fixes returns copies of all current fixes
func (t *Tracker) Fixes() map[string]*Fix {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make(map[string]*Fix, len(t.fixes))
	for k, v := range t.fixes {
		c := *v
		result[k] = &c
	}
	return result
}

// ShouldSolve reports whether at least interval has passed since the last
// solve for the device, and if so marks now as the last solve time. Inside
// the interval the first call returns the time left in the window so the
// caller can schedule one follow-up solve; further calls return zero until
// that follow-up is taken.
func (t *Tracker) ShouldSolve(deviceID string, now time.Time, interval time.Duration) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastSolve[deviceID]; ok {
		if since := now.Sub(last); since < interval {
			if t.pending[deviceID] {
				return false, 0
			}
			t.pending[deviceID] = true
			return false, interval - since
		}
	}
	t.lastSolve[deviceID] = now
	delete(t.pending, deviceID)
	return true, 0
}

// TakeFollowUp claims a pending follow-up solve and marks now as the last
// solve time. It returns false when no follow-up is pending, for example
// because a solve already ran after the window closed.
func (t *Tracker) TakeFollowUp(deviceID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pending[deviceID] {
		return false
	}
	delete(t.pending, deviceID)
	t.lastSolve[deviceID] = now
	return true
}

// ClearFix drops a device's latest fix. It reports whether there was one.
func (t *Tracker) ClearFix(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.fixes[deviceID]
	delete(t.fixes, deviceID)
	return ok
}
