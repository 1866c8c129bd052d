package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/kwv/floortrack/trilat"
	"gonum.org/v1/gonum/spatial/r3"
)

// solveRequest is the JSON accepted by --solve and POST /solve. A null
// distance marks a beacon that is not reporting.
type solveRequest struct {
	Beacons   map[string][]float64 `json:"beacons"`
	Distances map[string]*float64  `json:"distances"`
	Solver    *trilat.Config       `json:"solver,omitempty"`
}

type solveResponse struct {
	OK       bool             `json:"ok"`
	Estimate *trilat.Estimate `json:"estimate,omitempty"`
	Failure  *solveFailure    `json:"failure,omitempty"`
}

type solveFailure struct {
	Reason    string             `json:"reason"`
	Message   string             `json:"message"`
	Shortfall string             `json:"shortfall,omitempty"`
	Iteration int                `json:"iteration,omitempty"`
	Rejected  []trilat.Rejection `json:"rejected,omitempty"`
}

func decodeSolveRequest(r io.Reader) (*solveRequest, error) {
	var req solveRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding solve request: %w", err)
	}
	ids := make([]string, 0, len(req.Beacons))
	for id := range req.Beacons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(req.Beacons[id]) != 3 {
			return nil, fmt.Errorf("beacons[%s] must be [x, y, z]", id)
		}
	}
	if req.Solver != nil {
		if err := req.Solver.Validate(); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

// solve runs one request. Solver settings in the request are laid over
// defaults. The returned error is the solver's, and the response already
// describes it.
func solve(req *solveRequest, defaults trilat.Config) (solveResponse, error) {
	list := make([]trilat.Beacon, 0, len(req.Beacons))
	for id, c := range req.Beacons {
		list = append(list, trilat.Beacon{ID: id, Position: r3.Vec{X: c[0], Y: c[1], Z: c[2]}})
	}
	beacons := trilat.BeaconTable(list)
	m := make(trilat.Measurements, len(req.Distances))
	for id, d := range req.Distances {
		if d != nil {
			m[id] = *d
		}
	}

	cfg := defaults
	if req.Solver != nil {
		cfg = cfg.Overlay(*req.Solver)
	}

	est, err := trilat.NewSolver(cfg).Solve(beacons, m)
	if err != nil {
		return solveResponse{Failure: describeFailure(err)}, err
	}
	return solveResponse{OK: true, Estimate: est}, nil
}

func describeFailure(err error) *solveFailure {
	f := &solveFailure{Reason: "error", Message: err.Error()}
	var se *trilat.SolveError
	if errors.As(err, &se) {
		f.Reason = string(se.Reason)
		f.Iteration = se.Iteration
		f.Rejected = se.Rejected
		if se.Shortfall != trilat.ShortfallNone {
			f.Shortfall = se.Shortfall.String()
		}
	}
	return f
}
