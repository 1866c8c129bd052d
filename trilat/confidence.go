package trilat

import "math"

// Confidence maps a residual RMS in meters to [floor, 1]. It is 1 at zero
// error and decreases monotonically towards the floor.
func Confidence(rms float64, cfg Config) float64 {
	cfg = cfg.withDefaults()
	if math.IsNaN(rms) || rms < 0 {
		return *cfg.ConfidenceFloor
	}
	floor := *cfg.ConfidenceFloor
	return floor + (1-floor)*math.Exp(-rms/cfg.ConfidenceScale)
}
