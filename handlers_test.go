package main

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb/geojson"

	"github.com/kwv/floortrack/floorplan"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// locatedApp returns a service app with one located device
func locatedApp(t *testing.T) *App {
	t.Helper()
	app, _ := serviceApp(t, testConfigYAML)
	now := time.Now()
	feedTetra(app, "phone", now)
	if _, err := app.Locator.Locate("phone", now); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	return app
}

func doRequest(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPServer(locatedApp(t))
	rec := doRequest(h, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status struct {
		Status  string `json:"status"`
		Devices int    `json:"devices"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ok" || status.Devices != 1 {
		t.Errorf("health = %+v", status)
	}
}

func TestPositionsEndpoints(t *testing.T) {
	h := newHTTPServer(locatedApp(t))

	rec := doRequest(h, http.MethodGet, "/positions", "")
	var all map[string]floorplan.Fix
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := all["phone"]; !ok || len(all) != 1 {
		t.Errorf("positions = %+v", all)
	}

	rec = doRequest(h, http.MethodGet, "/positions/phone", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var fix floorplan.Fix
	if err := json.NewDecoder(rec.Body).Decode(&fix); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fix.DeviceID != "phone" || fix.RoomName != "Living room" {
		t.Errorf("fix = %+v", fix)
	}

	rec = doRequest(h, http.MethodGet, "/positions/tablet", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", rec.Code)
	}
}

func TestSolveEndpoint(t *testing.T) {
	h := newHTTPServer(locatedApp(t))

	tests := []struct {
		name   string
		body   string
		status int
		ok     bool
	}{
		{"tetrahedron", tetraSolveJSON, http.StatusOK, true},
		{"too few", `{"beacons": {"A": [0, 0, 0]}, "distances": {"A": 1}}`, http.StatusUnprocessableEntity, false},
		{"bad json", `{"beacons":`, http.StatusBadRequest, false},
		{"bad beacon", `{"beacons": {"A": [1]}, "distances": {}}`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/solve", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusBadRequest {
				return
			}
			var resp solveResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.OK != tt.ok {
				t.Errorf("ok = %v, want %v", resp.OK, tt.ok)
			}
		})
	}

	rec := doRequest(h, http.MethodGet, "/solve", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /solve status = %d, want 405", rec.Code)
	}
}

func TestBeaconsEndpoint(t *testing.T) {
	h := newHTTPServer(locatedApp(t))
	rec := doRequest(h, http.MethodGet, "/beacons", "")

	var beacons map[string]floorplan.BeaconConfig
	if err := json.NewDecoder(rec.Body).Decode(&beacons); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(beacons) != 4 || beacons["B"].Coordinates[0] != 10 {
		t.Errorf("beacons = %+v", beacons)
	}
}

func TestFloorplanGeoJSONEndpoint(t *testing.T) {
	h := newHTTPServer(locatedApp(t))
	rec := doRequest(h, http.MethodGet, "/floorplan.geojson", "")

	if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("content type = %s", ct)
	}
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// 1 room, 4 beacons, 1 device
	if len(fc.Features) != 6 {
		t.Errorf("features = %d, want 6", len(fc.Features))
	}
}

func TestFloorplanImageEndpoints(t *testing.T) {
	h := newHTTPServer(locatedApp(t))

	rec := doRequest(h, http.MethodGet, "/floorplan.svg", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/svg+xml" {
		t.Errorf("svg status = %d type = %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "<svg") {
		t.Error("svg body missing <svg")
	}

	rec = doRequest(h, http.MethodGet, "/floorplan.png?floor=ground", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("png status = %d type = %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Errorf("png decode: %v", err)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	app := locatedApp(t)
	h := newHTTPServer(app)

	rec := doRequest(h, http.MethodGet, "/history/phone", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled history status = %d, want 503", rec.Code)
	}

	history, err := floorplan.OpenHistory(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer history.Close()
	app.History = history
	for i := 0; i < 3; i++ {
		fix, _ := app.Tracker.Fix("phone")
		fix.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		if _, err := history.Record(fix); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rec = doRequest(h, http.MethodGet, "/history/phone?limit=2", "")
	var fixes []floorplan.Fix
	if err := json.NewDecoder(rec.Body).Decode(&fixes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fixes) != 2 {
		t.Errorf("history = %d fixes, want 2", len(fixes))
	}

	rec = doRequest(h, http.MethodGet, "/history/tablet", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty history body = %q, want []", rec.Body.String())
	}

	rec = doRequest(h, http.MethodGet, "/history/phone?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHTTPServer(locatedApp(t))
	rec := doRequest(h, http.MethodGet, "/metrics", "")

	body := rec.Body.String()
	if !strings.Contains(body, `floortrack_solves_total{device="phone",outcome="ok"} 1`) {
		t.Errorf("metrics missing solve counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics missing runtime collectors")
	}
}

func TestWebsocketEndpoint(t *testing.T) {
	app := locatedApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.Hub.Run(ctx)

	srv := httptest.NewServer(newHTTPServer(app))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for app.Hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	now := time.Now()
	feedTetra(app, "phone", now)
	app.locate("phone", now)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var fix floorplan.Fix
	if err := json.Unmarshal(data, &fix); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fix.DeviceID != "phone" {
		t.Errorf("streamed fix = %+v", fix)
	}
}
