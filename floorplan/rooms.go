package floorplan

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/r3"
)

// Placement is where a position falls on the floorplan. Empty ids mean no
// floor or room matched.
type Placement struct {
	FloorID  string `json:"floorId,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	RoomName string `json:"roomName,omitempty"`
}

// Locate finds the floor and room containing p. The floor is the highest one
// whose height is at or below p.Z, or the lowest floor when p is beneath all
// of them.
func (m *Manager) Locate(p r3.Vec) Placement {
	m.mu.RLock()
	defer m.mu.RUnlock()

	floorID := floorFor(m.config.Floors, p.Z)
	if floorID == "" {
		return Placement{}
	}

	pt := orb.Point{p.X, p.Y}
	for _, id := range sortedIDs(m.config.Rooms) {
		room := m.config.Rooms[id]
		if room.Floor != floorID {
			continue
		}
		if planar.PolygonContains(roomPolygon(room), pt) {
			return Placement{FloorID: floorID, RoomID: id, RoomName: room.Name}
		}
	}
	return Placement{FloorID: floorID}
}

func floorFor(floors map[string]Floor, z float64) string {
	best, lowest := "", ""
	bestH, lowH := math.Inf(-1), math.Inf(1)
	for _, id := range sortedIDs(floors) {
		h := floors[id].Height
		if h <= z && h > bestH {
			best, bestH = id, h
		}
		if h < lowH {
			lowest, lowH = id, h
		}
	}
	if best != "" {
		return best
	}
	return lowest
}

// roomPolygon closes the boundary ring as orb expects
func roomPolygon(room Room) orb.Polygon {
	ring := make(orb.Ring, 0, len(room.Boundaries)+1)
	for _, b := range room.Boundaries {
		if len(b) != 2 {
			continue
		}
		ring = append(ring, orb.Point{b[0], b[1]})
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}
