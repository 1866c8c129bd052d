package trilat

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// RejectReason says why a measurement was dropped before solving.
type RejectReason string

const (
	RejectOutlier       RejectReason = "outlier"
	RejectInvalid       RejectReason = "invalid_distance"
	RejectUnknownBeacon RejectReason = "unknown_beacon"
)

// Rejection records a dropped measurement and the threshold that dropped it.
// It exists for diagnostics only.
type Rejection struct {
	BeaconID  string       `json:"beaconId"`
	Distance  float64      `json:"distance"`
	Threshold float64      `json:"threshold"`
	Reason    RejectReason `json:"reason"`
}

// Shortfall distinguishes the two ways filtering can leave too few
// measurements.
type Shortfall int

const (
	ShortfallNone Shortfall = iota
	// ShortfallTooFewReporting: fewer than the minimum readings were usable
	// before outlier filtering even started.
	ShortfallTooFewReporting
	// ShortfallOutliers: enough sensors reported but outlier filtering
	// removed too many of them.
	ShortfallOutliers
)

func (s Shortfall) String() string {
	switch s {
	case ShortfallTooFewReporting:
		return "too_few_reporting"
	case ShortfallOutliers:
		return "filtered_as_outliers"
	}
	return "none"
}

// FilterResult is the outcome of outlier filtering.
type FilterResult struct {
	Kept          Measurements
	Rejected      []Rejection
	Reported      int
	MaxSeparation float64
	Threshold     float64
	Shortfall     Shortfall
}

// Filter drops measurements that are inconsistent with the beacon geometry.
// The threshold is derived from the beacons that actually have a reading, so
// it follows the active set on every call.
func Filter(beacons map[string]r3.Vec, measurements Measurements, cfg Config) FilterResult {
	cfg = cfg.withDefaults()

	res := FilterResult{Kept: make(Measurements, len(measurements))}

	active := make(map[string]float64, len(measurements))
	for _, id := range sortedKeys(measurements) {
		d := measurements[id]
		if _, ok := beacons[id]; !ok {
			res.Rejected = append(res.Rejected, Rejection{BeaconID: id, Distance: d, Reason: RejectUnknownBeacon})
			continue
		}
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			res.Rejected = append(res.Rejected, Rejection{BeaconID: id, Distance: d, Reason: RejectInvalid})
			continue
		}
		active[id] = d
	}
	res.Reported = len(active)

	ids := sortedKeys(active)
	res.MaxSeparation = maxSeparation(beacons, ids)
	res.Threshold = cfg.OutlierFactor * res.MaxSeparation

	for _, id := range ids {
		d := active[id]
		if d > res.Threshold {
			res.Rejected = append(res.Rejected, Rejection{
				BeaconID:  id,
				Distance:  d,
				Threshold: res.Threshold,
				Reason:    RejectOutlier,
			})
			continue
		}
		res.Kept[id] = d
	}

	switch {
	case res.Reported < cfg.MinBeacons:
		res.Shortfall = ShortfallTooFewReporting
	case len(res.Kept) < cfg.MinBeacons:
		res.Shortfall = ShortfallOutliers
	}

	return res
}

// TriangleViolation is a pair of readings whose distances cannot both be
// right given how far apart their beacons are.
type TriangleViolation struct {
	A, B       string
	Separation float64
	Min, Max   float64
}

// TriangleViolations checks |dA-dB| <= sep(A,B) <= dA+dB for every pair of
// kept readings. Used for debug logging only.
func TriangleViolations(beacons map[string]r3.Vec, kept Measurements) []TriangleViolation {
	ids := sortedKeys(kept)
	var out []TriangleViolation
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			sep := r3.Norm(r3.Sub(beacons[a], beacons[b]))
			lo := math.Abs(kept[a] - kept[b])
			hi := kept[a] + kept[b]
			if sep > hi || sep < lo {
				out = append(out, TriangleViolation{A: a, B: b, Separation: sep, Min: lo, Max: hi})
			}
		}
	}
	return out
}

func maxSeparation(beacons map[string]r3.Vec, ids []string) float64 {
	var best float64
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if d := r3.Norm(r3.Sub(beacons[ids[i]], beacons[ids[j]])); d > best {
				best = d
			}
		}
	}
	return best
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
