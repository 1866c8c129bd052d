package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/floortrack/trilat"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

const testConfigYAML = `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: floortrack-test
floors:
  ground:
    name: Ground
    height: 0
rooms:
  living:
    name: Living room
    floor: ground
    boundaries: [[0, 0], [10, 0], [10, 10], [0, 10]]
beacons:
  A:
    coordinates: [0, 0, 0]
  B:
    coordinates: [10, 0, 0]
  C:
    coordinates: [0, 10, 0]
  D:
    coordinates: [0, 0, 10]
devices:
  - id: phone
    topic: ble/phone
    color: "#00FF00"
`

// Distances from the tetrahedron beacons to (3, 3, 3)
const tetraSolveJSON = `{
  "beacons": {"A": [0, 0, 0], "B": [10, 0, 0], "C": [0, 10, 0], "D": [0, 0, 10], "E": [10, 10, 10]},
  "distances": {"A": 5.196152422706632, "B": 8.18535277187245, "C": 8.18535277187245, "D": 8.18535277187245, "E": null}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testApp(t *testing.T, configPath string) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{ConfigFile: configPath})
	return app, &out
}

// ---------------------------------------------------------------------------
// RunSolve
// ---------------------------------------------------------------------------

func TestApp_RunSolve(t *testing.T) {
	app, out := testApp(t, filepath.Join(t.TempDir(), "missing.yaml"))

	if err := app.RunSolve(writeFile(t, "req.json", tetraSolveJSON)); err != nil {
		t.Fatalf("RunSolve: %v", err)
	}

	var resp solveResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if !resp.OK || resp.Estimate == nil {
		t.Fatalf("resp = %+v", resp)
	}
	p := resp.Estimate.Position
	for _, c := range []float64{p.X, p.Y, p.Z} {
		if c < 3-1e-4 || c > 3+1e-4 {
			t.Errorf("position = %+v, want (3, 3, 3)", p)
			break
		}
	}
	if strings.Join(resp.Estimate.Used, ",") != "A,B,C,D" {
		t.Errorf("used = %v, null distance should leave E out", resp.Estimate.Used)
	}
}

func TestApp_RunSolve_Failure(t *testing.T) {
	app, out := testApp(t, "")

	req := `{"beacons": {"A": [0, 0, 0], "B": [10, 0, 0], "C": [0, 10, 0]}, "distances": {"A": 5, "B": 5}}`
	err := app.RunSolve(writeFile(t, "req.json", req))
	if err == nil {
		t.Fatal("expected solve failure")
	}
	if trilat.ReasonOf(err) != trilat.ReasonInsufficientBeacons {
		t.Errorf("reason = %q", trilat.ReasonOf(err))
	}

	var resp solveResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if resp.OK || resp.Failure == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Failure.Reason != "insufficient_beacons" || resp.Failure.Shortfall != "too_few_reporting" {
		t.Errorf("failure = %+v", resp.Failure)
	}
}

func TestApp_RunSolve_SolverOverride(t *testing.T) {
	app, out := testApp(t, "")

	req := `{"beacons": {"A": [0, 0, 0], "B": [10, 0, 0], "C": [0, 10, 0], "D": [0, 0, 10]},
	         "distances": {"A": 5.196152422706632, "B": 8.18535277187245, "C": 8.18535277187245, "D": 8.18535277187245},
	         "solver": {"maxIterations": 1}}`
	if err := app.RunSolve(writeFile(t, "req.json", req)); err != nil {
		t.Fatalf("RunSolve: %v", err)
	}
	var resp solveResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if resp.Estimate == nil || resp.Estimate.Iterations != 1 || resp.Estimate.Converged {
		t.Errorf("estimate = %+v, want one unconverged iteration", resp.Estimate)
	}
}

func TestApp_RunSolve_RequestOverlaysConfig(t *testing.T) {
	yaml := testConfigYAML + "solver:\n  maxIterations: 1\n"
	app, out := testApp(t, writeFile(t, "config.yaml", yaml))

	req := `{"beacons": {"A": [0, 0, 0], "B": [10, 0, 0], "C": [0, 10, 0], "D": [0, 0, 10]},
	         "distances": {"A": 5.196152422706632, "B": 8.18535277187245, "C": 8.18535277187245, "D": 8.18535277187245},
	         "solver": {"tolerance": 0.001}}`
	if err := app.RunSolve(writeFile(t, "req.json", req)); err != nil {
		t.Fatalf("RunSolve: %v", err)
	}
	var resp solveResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	// maxIterations from the config file survives the request's solver block
	if resp.Estimate == nil || resp.Estimate.Iterations != 1 {
		t.Errorf("estimate = %+v, want the config's one iteration", resp.Estimate)
	}
}

func TestApp_RunSolve_BadInput(t *testing.T) {
	app, _ := testApp(t, "")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", "{", "decoding solve request"},
		{"two coordinates", `{"beacons": {"A": [0, 0]}, "distances": {}}`, "beacons[A] must be [x, y, z]"},
		{"bad solver", `{"beacons": {}, "distances": {}, "solver": {"minBeacons": 2}}`, "minBeacons"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := app.RunSolve(writeFile(t, "req.json", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	if err := app.RunSolve(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing request file")
	}
}

// ---------------------------------------------------------------------------
// RunCheckConfig
// ---------------------------------------------------------------------------

func TestApp_RunCheckConfig(t *testing.T) {
	app, out := testApp(t, writeFile(t, "config.yaml", testConfigYAML))
	if err := app.RunCheckConfig(); err != nil {
		t.Fatalf("RunCheckConfig: %v", err)
	}
	if !strings.Contains(out.String(), "Config OK") || !strings.Contains(out.String(), "beacons:  4") {
		t.Errorf("output = %s", out.String())
	}
}

func TestApp_RunCheckConfig_Invalid(t *testing.T) {
	bad := strings.Replace(testConfigYAML, "floor: ground", "floor: attic", 1)
	app, _ := testApp(t, writeFile(t, "config.yaml", bad))
	err := app.RunCheckConfig()
	if err == nil || !strings.Contains(err.Error(), "not a known floor") {
		t.Errorf("err = %v", err)
	}
}

func TestApp_RunCheckConfig_FewBeaconsWarns(t *testing.T) {
	few := strings.Replace(testConfigYAML, "  D:\n    coordinates: [0, 0, 10]\n", "", 1)
	few = strings.Replace(few, "  C:\n    coordinates: [0, 10, 0]\n", "", 1)
	app, out := testApp(t, writeFile(t, "config.yaml", few))
	if err := app.RunCheckConfig(); err != nil {
		t.Fatalf("RunCheckConfig: %v", err)
	}
	if !strings.Contains(out.String(), "Warning: 2 beacons configured") {
		t.Errorf("output = %s", out.String())
	}
}

// ---------------------------------------------------------------------------
// RunRender
// ---------------------------------------------------------------------------

func TestApp_RunRender(t *testing.T) {
	app, _ := testApp(t, writeFile(t, "config.yaml", testConfigYAML))
	dir := t.TempDir()

	svgPath := filepath.Join(dir, "plan.svg")
	if err := app.RunRender(svgPath); err != nil {
		t.Fatalf("RunRender svg: %v", err)
	}
	data, err := os.ReadFile(svgPath)
	if err != nil || !bytes.Contains(data, []byte("<svg")) {
		t.Errorf("svg output invalid: %v", err)
	}

	pngPath := filepath.Join(dir, "plan.PNG")
	if err := app.RunRender(pngPath); err != nil {
		t.Fatalf("RunRender png: %v", err)
	}
	f, err := os.Open(pngPath)
	if err != nil {
		t.Fatalf("open png: %v", err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("png output invalid: %v", err)
	}

	if err := app.RunRender(filepath.Join(dir, "plan.jpg")); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
