package trilat

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Reason tags why a solve produced no position.
type Reason string

const (
	ReasonInsufficientBeacons Reason = "insufficient_beacons"
	ReasonIllConditioned      Reason = "ill_conditioned"
	ReasonDiverged            Reason = "diverged"
)

var (
	ErrInsufficientBeacons = errors.New("insufficient beacons")
	ErrIllConditioned      = errors.New("ill-conditioned geometry")
	ErrDiverged            = errors.New("solver diverged")
)

// SolveError describes a failed solve with enough context for a caller to
// explain it. RMS is NaN when no residual was computed.
type SolveError struct {
	Reason    Reason
	Shortfall Shortfall // only set for ReasonInsufficientBeacons
	Reported  int       // usable readings before outlier filtering
	Usable    int       // readings left after filtering
	Required  int
	Rejected  []Rejection
	Iteration int
	Position  r3.Vec
	RMS       float64
}

func (e *SolveError) Error() string {
	switch e.Reason {
	case ReasonInsufficientBeacons:
		if e.Shortfall == ShortfallOutliers {
			return fmt.Sprintf("insufficient beacons: %d reporting but only %d left after outlier filtering (%d required)",
				e.Reported, e.Usable, e.Required)
		}
		return fmt.Sprintf("insufficient beacons: %d reporting (%d required)", e.Reported, e.Required)
	case ReasonIllConditioned:
		return fmt.Sprintf("ill-conditioned geometry at iteration %d with %d beacons", e.Iteration, e.Usable)
	case ReasonDiverged:
		return fmt.Sprintf("solver diverged at iteration %d: position (%.2f, %.2f, %.2f) rms=%s",
			e.Iteration, e.Position.X, e.Position.Y, e.Position.Z, formatRMS(e.RMS))
	}
	return fmt.Sprintf("solve failed: %s", e.Reason)
}

// Unwrap maps the reason to its sentinel so errors.Is works.
func (e *SolveError) Unwrap() error {
	switch e.Reason {
	case ReasonInsufficientBeacons:
		return ErrInsufficientBeacons
	case ReasonIllConditioned:
		return ErrIllConditioned
	case ReasonDiverged:
		return ErrDiverged
	}
	return nil
}

// ReasonOf extracts the failure reason from err, or "" if err is not a
// solve failure.
func ReasonOf(err error) Reason {
	var se *SolveError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

func formatRMS(rms float64) string {
	if math.IsNaN(rms) {
		return "n/a"
	}
	return fmt.Sprintf("%.3fm", rms)
}
