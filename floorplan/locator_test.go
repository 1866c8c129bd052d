package floorplan

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/floortrack/trilat"
)

func tetraConfig() *Config {
	return &Config{
		Floors: map[string]Floor{"ground": {Name: "Ground", Height: 0}},
		Rooms: map[string]Room{
			"living": {Name: "Living room", Floor: "ground", Boundaries: [][]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}},
		},
		Beacons: map[string]BeaconConfig{
			"A": {Coordinates: []float64{0, 0, 0}},
			"B": {Coordinates: []float64{10, 0, 0}},
			"C": {Coordinates: []float64{0, 10, 0}},
			"D": {Coordinates: []float64{0, 0, 10}},
		},
		Devices: []DeviceConfig{{ID: "phone", Topic: "ble/phone"}},
	}
}

func newTestLocator(t *testing.T) (*Locator, *Metrics) {
	t.Helper()
	cfg := tetraConfig()
	m := NewManager(cfg, "")
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return NewLocator(cfg, m, NewTracker(time.Minute), metrics), metrics
}

func feed(l *Locator, device string, target r3.Vec, at time.Time) {
	for id, b := range l.Manager.BeaconPositions() {
		l.Tracker.Update(device, id, r3.Norm(r3.Sub(target, b)), at)
	}
}

func TestLocator_Locate(t *testing.T) {
	l, metrics := newTestLocator(t)
	now := time.Now()
	feed(l, "phone", r3.Vec{X: 3, Y: 3, Z: 3}, now)

	fix, err := l.Locate("phone", now)
	require.NoError(t, err)

	assert.InDelta(t, 3, fix.X, 1e-4)
	assert.InDelta(t, 3, fix.Y, 1e-4)
	assert.InDelta(t, 3, fix.Z, 1e-4)
	assert.Equal(t, "ground", fix.FloorID)
	assert.Equal(t, "living", fix.RoomID)
	assert.Equal(t, "Living room", fix.RoomName)
	assert.Equal(t, []string{"A", "B", "C", "D"}, fix.BeaconsUsed)
	assert.True(t, fix.Converged)
	assert.Equal(t, now, fix.Timestamp)

	stored, ok := l.Tracker.Fix("phone")
	require.True(t, ok)
	assert.Equal(t, fix.X, stored.X)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Solves.WithLabelValues("phone", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Devices))
}

func TestLocator_RejectsOutlier(t *testing.T) {
	l, metrics := newTestLocator(t)
	now := time.Now()
	feed(l, "phone", r3.Vec{X: 3, Y: 3, Z: 3}, now)
	l.Tracker.Update("phone", "D", 100, now)

	fix, err := l.Locate("phone", now)
	require.NoError(t, err)
	require.Len(t, fix.Rejected, 1)
	assert.Equal(t, "D", fix.Rejected[0].BeaconID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejected.WithLabelValues(string(trilat.RejectOutlier))))
}

func TestLocator_InsufficientBeacons(t *testing.T) {
	l, metrics := newTestLocator(t)
	now := time.Now()
	l.Tracker.Update("phone", "A", 5, now)
	l.Tracker.Update("phone", "B", 5, now)

	fix, err := l.Locate("phone", now)
	assert.Nil(t, fix)
	require.Error(t, err)
	assert.True(t, errors.Is(err, trilat.ErrInsufficientBeacons))

	_, ok := l.Tracker.Fix("phone")
	assert.False(t, ok, "failed solves must not replace the fix")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Solves.WithLabelValues("phone", string(trilat.ReasonInsufficientBeacons))))
}

func TestLocator_StaleReadingsIgnored(t *testing.T) {
	l, _ := newTestLocator(t)
	now := time.Now()
	feed(l, "phone", r3.Vec{X: 3, Y: 3, Z: 3}, now.Add(-2*time.Minute))

	_, err := l.Locate("phone", now)
	assert.Equal(t, trilat.ReasonInsufficientBeacons, trilat.ReasonOf(err))
}

func TestLocator_UnknownBeaconRejected(t *testing.T) {
	l, metrics := newTestLocator(t)
	now := time.Now()
	l.Tracker.Update("phone", "A", 5, now)
	l.Tracker.Update("phone", "B", 5, now)
	l.Tracker.Update("phone", "ghost", 5, now)

	_, err := l.Locate("phone", now)
	var se *trilat.SolveError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejected.WithLabelValues(string(trilat.RejectUnknownBeacon))))
}

func TestLocator_ShouldSolve(t *testing.T) {
	l, _ := newTestLocator(t)
	now := time.Now()

	ok, _ := l.ShouldSolve("phone", now)
	assert.True(t, ok)
	ok, wait := l.ShouldSolve("phone", now.Add(10*time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, DefaultMinSolveInterval-10*time.Millisecond, wait)
	assert.True(t, l.TakeFollowUp("phone", now.Add(DefaultMinSolveInterval)))

	ok, _ = l.ShouldSolve("phone", now.Add(2*DefaultMinSolveInterval))
	assert.True(t, ok)
}

func TestLocator_Ready(t *testing.T) {
	l, _ := newTestLocator(t)
	now := time.Now()

	assert.False(t, l.Ready("phone", now))
	l.Tracker.Update("phone", "A", 5, now)
	l.Tracker.Update("phone", "B", 5, now)
	l.Tracker.Update("phone", "ghost", 5, now)
	assert.False(t, l.Ready("phone", now), "unknown beacons do not count")

	l.Tracker.Update("phone", "C", 5, now)
	assert.True(t, l.Ready("phone", now))
	assert.False(t, l.Ready("phone", now.Add(time.Hour)), "stale readings do not count")
}

func TestLocator_Withdraw(t *testing.T) {
	l, metrics := newTestLocator(t)
	now := time.Now()
	feed(l, "phone", r3.Vec{X: 3, Y: 3, Z: 3}, now)
	_, err := l.Locate("phone", now)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Devices))

	assert.True(t, l.Withdraw("phone"))
	_, ok := l.Tracker.Fix("phone")
	assert.False(t, ok)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Devices))
	assert.False(t, l.Withdraw("phone"))
}

func TestLocator_NilMetrics(t *testing.T) {
	cfg := tetraConfig()
	l := NewLocator(cfg, NewManager(cfg, ""), NewTracker(0), nil)
	now := time.Now()
	feed(l, "phone", r3.Vec{X: 3, Y: 3, Z: 3}, now)

	_, err := l.Locate("phone", now)
	assert.NoError(t, err)

	l.Tracker.Clear("phone", "A")
	l.Tracker.Clear("phone", "B")
	_, err = l.Locate("phone", now)
	assert.Error(t, err)
}
