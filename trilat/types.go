package trilat

import "gonum.org/v1/gonum/spatial/r3"

// Beacon is a fixed reference point with known coordinates in meters.
type Beacon struct {
	ID       string `json:"id"`
	Position r3.Vec `json:"position"`
}

// Measurements maps beacon id to a measured distance in meters. Readings
// that are unknown or unavailable are left out.
type Measurements map[string]float64

// Estimate is a successful solve.
type Estimate struct {
	Position   r3.Vec      `json:"position"`
	Confidence float64     `json:"confidence"`
	Iterations int         `json:"iterations"`
	RMSError   float64     `json:"rmsError"`
	Converged  bool        `json:"converged"` // false when the iteration cap was hit first
	Used       []string    `json:"used"`
	Rejected   []Rejection `json:"rejected,omitempty"`
}

// TraceStep is one iteration of the solver, handed to a Tracer.
type TraceStep struct {
	Iteration int
	Position  r3.Vec
	Step      r3.Vec
	RMS       float64
}

// Tracer receives the convergence trace. It must not retain the solver.
type Tracer func(TraceStep)

// BeaconTable builds the position table the solver consumes.
func BeaconTable(beacons []Beacon) map[string]r3.Vec {
	table := make(map[string]r3.Vec, len(beacons))
	for _, b := range beacons {
		table[b.ID] = b.Position
	}
	return table
}
