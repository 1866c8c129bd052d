// Package trilat estimates a 3D position from distances to fixed beacons.
package trilat

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// minRange is the distance below which a Jacobian row has no direction.
	minRange = 1e-9
	// rankTolerance is the relative eigenvalue below which JᵀJ is treated as
	// having lost a direction.
	rankTolerance = 1e-10
)

// Solver runs the filter and the damped Gauss-Newton iteration. The zero
// value uses DefaultConfig.
type Solver struct {
	Config Config
	Tracer Tracer
}

// Option customises a package-level Solve call.
type Option func(*Solver)

// WithConfig replaces the solver settings.
func WithConfig(cfg Config) Option {
	return func(s *Solver) { s.Config = cfg }
}

// WithTracer installs a per-iteration callback.
func WithTracer(t Tracer) Option {
	return func(s *Solver) { s.Tracer = t }
}

// NewSolver returns a solver with cfg applied over the defaults.
func NewSolver(cfg Config) Solver {
	return Solver{Config: cfg.withDefaults()}
}

// Solve estimates a position with the default settings unless overridden.
func Solve(beacons map[string]r3.Vec, measurements Measurements, opts ...Option) (*Estimate, error) {
	s := Solver{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	return s.Solve(beacons, measurements)
}

// Solve filters the measurements and runs the iteration on what is left.
func (s Solver) Solve(beacons map[string]r3.Vec, measurements Measurements) (*Estimate, error) {
	cfg := s.Config.withDefaults()
	fr := Filter(beacons, measurements, cfg)
	if fr.Shortfall != ShortfallNone {
		return nil, &SolveError{
			Reason:    ReasonInsufficientBeacons,
			Shortfall: fr.Shortfall,
			Reported:  fr.Reported,
			Usable:    len(fr.Kept),
			Required:  cfg.MinBeacons,
			Rejected:  fr.Rejected,
			RMS:       math.NaN(),
		}
	}
	est, err := s.SolveFiltered(beacons, fr.Kept)
	if err != nil {
		if se, ok := err.(*SolveError); ok {
			se.Reported = fr.Reported
			se.Rejected = fr.Rejected
		}
		return nil, err
	}
	est.Rejected = fr.Rejected
	return est, nil
}

// SolveFiltered runs the iteration on measurements that have already been
// filtered. It still refuses to run on fewer than MinBeacons readings.
func (s Solver) SolveFiltered(beacons map[string]r3.Vec, kept Measurements) (*Estimate, error) {
	cfg := s.Config.withDefaults()

	ids := make([]string, 0, len(kept))
	for _, id := range sortedKeys(kept) {
		if _, ok := beacons[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) < cfg.MinBeacons {
		return nil, &SolveError{
			Reason:    ReasonInsufficientBeacons,
			Shortfall: ShortfallTooFewReporting,
			Reported:  len(ids),
			Usable:    len(ids),
			Required:  cfg.MinBeacons,
			RMS:       math.NaN(),
		}
	}

	pts := make([]r3.Vec, len(ids))
	dists := make([]float64, len(ids))
	for i, id := range ids {
		pts[i] = beacons[id]
		dists[i] = kept[id]
	}

	p := centroid(pts)
	jtj := mat.NewSymDense(3, nil)
	damped := mat.NewSymDense(3, nil)
	rhs := mat.NewVecDense(3, nil)
	var delta mat.VecDense
	var eig mat.EigenSym
	var chol mat.Cholesky

	converged := false
	iter := 0
	for iter < cfg.MaxIterations {
		iter++

		fail := func(reason Reason) (*Estimate, error) {
			return nil, &SolveError{
				Reason:    reason,
				Usable:    len(ids),
				Required:  cfg.MinBeacons,
				Iteration: iter,
				Position:  p,
				RMS:       rms(p, pts, dists),
			}
		}

		var g r3.Vec // Jᵀr
		var a [3][3]float64
		var sq float64
		for i, b := range pts {
			diff := r3.Sub(p, b)
			rng := r3.Norm(diff)
			if rng < minRange {
				return fail(ReasonIllConditioned)
			}
			row := r3.Scale(1/rng, diff)
			res := rng - dists[i]
			sq += res * res
			g = r3.Add(g, r3.Scale(res, row))
			v := [3]float64{row.X, row.Y, row.Z}
			for r := 0; r < 3; r++ {
				for c := r; c < 3; c++ {
					a[r][c] += v[r] * v[c]
				}
			}
		}
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				jtj.SetSym(r, c, a[r][c])
				d := a[r][c]
				if r == c {
					d += cfg.Damping
				}
				damped.SetSym(r, c, d)
			}
		}

		if !eig.Factorize(jtj, false) {
			return fail(ReasonIllConditioned)
		}
		vals := eig.Values(nil) // ascending
		if vals[2] <= 0 || vals[1] <= rankTolerance*vals[2] {
			return fail(ReasonIllConditioned)
		}

		if !chol.Factorize(damped) {
			return fail(ReasonIllConditioned)
		}
		rhs.SetVec(0, -g.X)
		rhs.SetVec(1, -g.Y)
		rhs.SetVec(2, -g.Z)
		if err := chol.SolveVecTo(&delta, rhs); err != nil {
			return fail(ReasonIllConditioned)
		}

		step := r3.Vec{
			X: clamp(delta.AtVec(0), cfg.StepClamp),
			Y: clamp(delta.AtVec(1), cfg.StepClamp),
			Z: clamp(delta.AtVec(2), cfg.StepClamp),
		}
		p = r3.Add(p, step)

		if s.Tracer != nil {
			s.Tracer(TraceStep{
				Iteration: iter,
				Position:  p,
				Step:      step,
				RMS:       math.Sqrt(sq / float64(len(pts))),
			})
		}

		if !finite(p) || r3.Norm(p) > cfg.DivergenceRadius {
			return fail(ReasonDiverged)
		}
		if r3.Norm(step) < cfg.Tolerance {
			converged = true
			break
		}
	}

	e := rms(p, pts, dists)
	return &Estimate{
		Position:   p,
		Confidence: Confidence(e, cfg),
		Iterations: iter,
		RMSError:   e,
		Converged:  converged,
		Used:       ids,
	}, nil
}

func centroid(pts []r3.Vec) r3.Vec {
	var sum r3.Vec
	for _, p := range pts {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(pts)), sum)
}

func rms(p r3.Vec, pts []r3.Vec, dists []float64) float64 {
	var sq float64
	for i, b := range pts {
		r := r3.Norm(r3.Sub(p, b)) - dists[i]
		sq += r * r
	}
	return math.Sqrt(sq / float64(len(pts)))
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

func finite(p r3.Vec) bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
