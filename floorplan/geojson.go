package floorplan

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Layer values set on the "layer" property of exported features
const (
	LayerRoom   = "room"
	LayerBeacon = "beacon"
	LayerEntity = "entity"
	LayerDevice = "device"
)

// FeatureCollection exports the floorplan and current fixes as GeoJSON in
// plan coordinates (meters). Features are emitted in id order.
func FeatureCollection(m *Manager, fixes map[string]*Fix) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	floors := m.Floors()
	rooms := m.Rooms()
	for _, id := range sortedIDs(rooms) {
		room := rooms[id]
		f := geojson.NewFeature(roomPolygon(room))
		f.ID = id
		f.Properties["layer"] = LayerRoom
		f.Properties["name"] = room.Name
		f.Properties["floor"] = room.Floor
		if fl, ok := floors[room.Floor]; ok {
			f.Properties["height"] = fl.Height
		}
		if room.Area > 0 {
			f.Properties["area"] = room.Area
		}
		fc.Append(f)
	}

	beacons := m.Beacons()
	for _, id := range sortedIDs(beacons) {
		b := beacons[id]
		p := b.Position()
		f := geojson.NewFeature(orb.Point{p.X, p.Y})
		f.ID = id
		f.Properties["layer"] = LayerBeacon
		f.Properties["z"] = p.Z
		if b.Name != "" {
			f.Properties["name"] = b.Name
		}
		fc.Append(f)
	}

	entities := m.StaticEntities()
	for _, id := range sortedIDs(entities) {
		p := entities[id]
		f := geojson.NewFeature(orb.Point{p.X, p.Y})
		f.ID = id
		f.Properties["layer"] = LayerEntity
		f.Properties["z"] = p.Z
		fc.Append(f)
	}

	ids := make([]string, 0, len(fixes))
	for id := range fixes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fix := fixes[id]
		f := geojson.NewFeature(orb.Point{fix.X, fix.Y})
		f.ID = id
		f.Properties["layer"] = LayerDevice
		f.Properties["z"] = fix.Z
		f.Properties["confidence"] = fix.Confidence
		f.Properties["rmsError"] = fix.RMSError
		if fix.RoomID != "" {
			f.Properties["room"] = fix.RoomID
		}
		if fix.FloorID != "" {
			f.Properties["floor"] = fix.FloorID
		}
		f.Properties["timestamp"] = fix.Timestamp.Unix()
		fc.Append(f)
	}

	return fc
}
