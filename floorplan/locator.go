package floorplan

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/kwv/floortrack/trilat"
)

var debugEnabled atomic.Bool

// SetDebug turns [DEBUG] logging on or off for the package
func SetDebug(on bool) { debugEnabled.Store(on) }

func debugf(format string, args ...any) {
	if debugEnabled.Load() {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Locator turns a device's current readings into a placed fix
type Locator struct {
	Manager  *Manager
	Tracker  *Tracker
	Solver   trilat.Solver
	Metrics  *Metrics
	Interval time.Duration // minimum time between solves per device
}

// NewLocator wires a locator from the loaded configuration
func NewLocator(cfg *Config, manager *Manager, tracker *Tracker, metrics *Metrics) *Locator {
	l := &Locator{
		Manager: manager,
		Tracker: tracker,
		Solver:  trilat.NewSolver(cfg.Solver),
		Metrics: metrics,
	}
	l.Interval = cfg.Tracking.MinSolveInterval
	l.Solver.Tracer = func(s trilat.TraceStep) {
		debugf("solver iter=%d pos=(%.3f, %.3f, %.3f) step=(%.3g, %.3g, %.3g) rms=%.4f",
			s.Iteration, s.Position.X, s.Position.Y, s.Position.Z, s.Step.X, s.Step.Y, s.Step.Z, s.RMS)
	}
	return l
}

// ShouldSolve debounces solves for a device. A non-zero wait asks the
// caller to run TakeFollowUp once it has elapsed.
func (l *Locator) ShouldSolve(deviceID string, now time.Time) (bool, time.Duration) {
	return l.Tracker.ShouldSolve(deviceID, now, l.Interval)
}

// TakeFollowUp claims the follow-up solve a ShouldSolve wait asked for
func (l *Locator) TakeFollowUp(deviceID string, now time.Time) bool {
	return l.Tracker.TakeFollowUp(deviceID, now)
}

// Ready reports whether the device has fresh readings from enough
// configured beacons to attempt a solve
func (l *Locator) Ready(deviceID string, now time.Time) bool {
	minBeacons := l.Solver.Config.MinBeacons
	if minBeacons == 0 {
		minBeacons = trilat.DefaultMinBeacons
	}
	beacons := l.Manager.BeaconPositions()
	n := 0
	for id := range l.Tracker.Snapshot(deviceID, now) {
		if _, ok := beacons[id]; ok {
			n++
		}
	}
	return n >= minBeacons
}

// Withdraw drops a device's fix once it can no longer be located. It
// reports whether there was a fix to drop.
func (l *Locator) Withdraw(deviceID string) bool {
	if !l.Tracker.ClearFix(deviceID) {
		return false
	}
	debugf("%s: fix withdrawn", deviceID)
	l.Metrics.SetTrackedDevices(len(l.Tracker.Fixes()))
	return true
}

// Locate solves the device's position from its current readings, places it
// on the floorplan and stores it as the device's latest fix
func (l *Locator) Locate(deviceID string, now time.Time) (*Fix, error) {
	beacons := l.Manager.BeaconPositions()
	measurements := l.Tracker.Snapshot(deviceID, now)

	if debugEnabled.Load() {
		for _, v := range trilat.TriangleViolations(beacons, measurements) {
			debugf("%s: readings %s/%s violate triangle inequality: separation %.2fm outside [%.2f, %.2f]",
				deviceID, v.A, v.B, v.Separation, v.Min, v.Max)
		}
	}

	est, err := l.Solver.Solve(beacons, measurements)
	if err != nil {
		l.logFailure(deviceID, err)
		return nil, err
	}

	placement := l.Manager.Locate(est.Position)
	fix := &Fix{
		DeviceID:    deviceID,
		X:           est.Position.X,
		Y:           est.Position.Y,
		Z:           est.Position.Z,
		Confidence:  est.Confidence,
		RMSError:    est.RMSError,
		Iterations:  est.Iterations,
		Converged:   est.Converged,
		FloorID:     placement.FloorID,
		RoomID:      placement.RoomID,
		RoomName:    placement.RoomName,
		BeaconsUsed: est.Used,
		Rejected:    est.Rejected,
		Timestamp:   now,
	}
	if !est.Converged {
		debugf("%s: iteration cap reached after %d iterations, rms=%.3fm", deviceID, est.Iterations, est.RMSError)
	}

	l.Tracker.SetFix(fix)
	l.Metrics.ObserveFix(fix)
	l.Metrics.SetTrackedDevices(len(l.Tracker.Fixes()))
	return fix, nil
}

func (l *Locator) logFailure(deviceID string, err error) {
	var se *trilat.SolveError
	if !errors.As(err, &se) {
		log.Printf("[LOCATE] %s: %v", deviceID, err)
		return
	}

	l.Metrics.ObserveFailure(deviceID, string(se.Reason))
	counts := make(map[trilat.RejectReason]int)
	for _, r := range se.Rejected {
		counts[r.Reason]++
	}
	for reason, n := range counts {
		l.Metrics.ObserveRejected(string(reason), n)
	}

	switch se.Reason {
	case trilat.ReasonDiverged:
		log.Printf("[LOCATE] warning: %s: %v", deviceID, err)
	default:
		debugf("%s: %v (%s)", deviceID, err, se.Shortfall)
	}
}
