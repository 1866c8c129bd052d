package trilat

import "fmt"

const (
	DefaultMinBeacons       = 3
	DefaultOutlierFactor    = 2.0
	DefaultMaxIterations    = 100
	DefaultTolerance        = 1e-6   // meters
	DefaultStepClamp        = 10.0   // meters per component per iteration
	DefaultDivergenceRadius = 1000.0 // meters from the origin
	DefaultDamping          = 1e-3
	DefaultConfidenceFloor  = 0.05
	DefaultConfidenceScale  = 1.0 // meters of RMS error per e-fold of confidence
)

// Config tunes the filter and solver. Zero fields fall back to defaults,
// so every setting except ConfidenceFloor must be positive when given.
// ConfidenceFloor is a pointer so that a floor of exactly 0 can be set.
type Config struct {
	MinBeacons       int      `yaml:"minBeacons,omitempty" json:"minBeacons,omitempty"`
	OutlierFactor    float64  `yaml:"outlierFactor,omitempty" json:"outlierFactor,omitempty"`
	MaxIterations    int      `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	Tolerance        float64  `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	StepClamp        float64  `yaml:"stepClamp,omitempty" json:"stepClamp,omitempty"`
	DivergenceRadius float64  `yaml:"divergenceRadius,omitempty" json:"divergenceRadius,omitempty"`
	Damping          float64  `yaml:"damping,omitempty" json:"damping,omitempty"`
	ConfidenceFloor  *float64 `yaml:"confidenceFloor,omitempty" json:"confidenceFloor,omitempty"`
	ConfidenceScale  float64  `yaml:"confidenceScale,omitempty" json:"confidenceScale,omitempty"`
}

// DefaultConfig returns the standard solver settings.
func DefaultConfig() Config {
	return Config{
		MinBeacons:       DefaultMinBeacons,
		OutlierFactor:    DefaultOutlierFactor,
		MaxIterations:    DefaultMaxIterations,
		Tolerance:        DefaultTolerance,
		StepClamp:        DefaultStepClamp,
		DivergenceRadius: DefaultDivergenceRadius,
		Damping:          DefaultDamping,
		ConfidenceFloor:  Float64(DefaultConfidenceFloor),
		ConfidenceScale:  DefaultConfidenceScale,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinBeacons == 0 {
		c.MinBeacons = d.MinBeacons
	}
	if c.OutlierFactor == 0 {
		c.OutlierFactor = d.OutlierFactor
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.Tolerance == 0 {
		c.Tolerance = d.Tolerance
	}
	if c.StepClamp == 0 {
		c.StepClamp = d.StepClamp
	}
	if c.DivergenceRadius == 0 {
		c.DivergenceRadius = d.DivergenceRadius
	}
	if c.Damping == 0 {
		c.Damping = d.Damping
	}
	if c.ConfidenceFloor == nil {
		c.ConfidenceFloor = d.ConfidenceFloor
	}
	if c.ConfidenceScale == 0 {
		c.ConfidenceScale = d.ConfidenceScale
	}
	return c
}

// Validate rejects settings the solver cannot honour.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.MinBeacons < 3 {
		return fmt.Errorf("solver.minBeacons must be at least 3, got %d", c.MinBeacons)
	}
	if c.OutlierFactor < 0 {
		return fmt.Errorf("solver.outlierFactor must be positive")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("solver.maxIterations must be at least 1")
	}
	if c.Tolerance < 0 || c.StepClamp < 0 || c.DivergenceRadius < 0 || c.Damping < 0 {
		return fmt.Errorf("solver tolerance, stepClamp, divergenceRadius and damping must be positive")
	}
	if f := *c.ConfidenceFloor; f < 0 || f >= 1 {
		return fmt.Errorf("solver.confidenceFloor must be in [0, 1), got %g", f)
	}
	if c.ConfidenceScale < 0 {
		return fmt.Errorf("solver.confidenceScale must be positive")
	}
	return nil
}

// Overlay returns c with every field that is set in o replaced by o's value.
func (c Config) Overlay(o Config) Config {
	if o.MinBeacons != 0 {
		c.MinBeacons = o.MinBeacons
	}
	if o.OutlierFactor != 0 {
		c.OutlierFactor = o.OutlierFactor
	}
	if o.MaxIterations != 0 {
		c.MaxIterations = o.MaxIterations
	}
	if o.Tolerance != 0 {
		c.Tolerance = o.Tolerance
	}
	if o.StepClamp != 0 {
		c.StepClamp = o.StepClamp
	}
	if o.DivergenceRadius != 0 {
		c.DivergenceRadius = o.DivergenceRadius
	}
	if o.Damping != 0 {
		c.Damping = o.Damping
	}
	if o.ConfidenceFloor != nil {
		c.ConfidenceFloor = o.ConfidenceFloor
	}
	if o.ConfidenceScale != 0 {
		c.ConfidenceScale = o.ConfidenceScale
	}
	return c
}

// Float64 returns a pointer to v, for optional settings such as
// ConfidenceFloor.
func Float64(v float64) *float64 { return &v }
