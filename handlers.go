package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/floortrack/floorplan"
	"github.com/kwv/floortrack/trilat"
)

const maxSolveBody = 1 << 20

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			Devices       int       `json:"devices"`
			MQTTConnected bool      `json:"mqttConnected"`
			StreamClients int       `json:"streamClients"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Devices:   len(a.Tracker.Fixes()),
		}
		if a.MQTTClient != nil {
			status.MQTTConnected = a.MQTTClient.IsConnected()
		}
		if a.Hub != nil {
			status.StreamClients = a.Hub.ClientCount()
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Tracker.Fixes())
	})

	mux.HandleFunc("GET /positions/{device}", func(w http.ResponseWriter, r *http.Request) {
		device := r.PathValue("device")
		fix, ok := a.Tracker.Fix(device)
		if !ok {
			http.Error(w, fmt.Sprintf("No position for device %s", device), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, fix)
	})

	// One-off solve, same body as --solve
	mux.HandleFunc("POST /solve", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeSolveRequest(http.MaxBytesReader(w, r.Body, maxSolveBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defaults := trilat.DefaultConfig()
		if a.Config != nil {
			defaults = a.Config.Solver
		}
		resp, solveErr := solve(req, defaults)
		code := http.StatusOK
		if solveErr != nil {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, resp)
	})

	mux.HandleFunc("GET /beacons", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Manager.Beacons())
	})

	mux.HandleFunc("GET /floorplan.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := floorplan.FeatureCollection(a.Manager, a.Tracker.Fixes())
		data, err := json.Marshal(fc)
		if err != nil {
			log.Printf("[HTTP] Error encoding GeoJSON: %v", err)
			http.Error(w, "Failed to encode GeoJSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("GET /floorplan.svg", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := a.renderer(r).RenderSVG(&buf); err != nil {
			log.Printf("[HTTP] Error rendering SVG: %v", err)
			http.Error(w, "Failed to render floorplan", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	})

	mux.HandleFunc("GET /floorplan.png", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := a.renderer(r).RenderPNG(&buf); err != nil {
			log.Printf("[HTTP] Error rendering PNG: %v", err)
			http.Error(w, "Failed to render floorplan", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	})

	mux.HandleFunc("GET /history/{device}", func(w http.ResponseWriter, r *http.Request) {
		if a.History == nil {
			http.Error(w, "History disabled (set history.path in config.yaml)", http.StatusServiceUnavailable)
			return
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		fixes, err := a.History.Recent(r.PathValue("device"), limit)
		if err != nil {
			log.Printf("[HTTP] %v", err)
			http.Error(w, "Failed to read history", http.StatusInternalServerError)
			return
		}
		if fixes == nil {
			fixes = []floorplan.Fix{}
		}
		writeJSON(w, http.StatusOK, fixes)
	})

	mux.Handle("GET /metrics", a.Metrics.Handler())

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		if a.Hub == nil {
			http.Error(w, "Live stream unavailable", http.StatusServiceUnavailable)
			return
		}
		a.Hub.ServeHTTP(w, r)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// renderer builds a renderer over the live fixes. ?floor= limits the rooms drawn.
func (a *App) renderer(r *http.Request) *floorplan.Renderer {
	renderer := floorplan.NewRenderer(a.Manager, a.Tracker.Fixes())
	renderer.Floor = r.URL.Query().Get("floor")
	if a.Config != nil {
		renderer.SetDeviceColors(a.Config.Devices)
	}
	return renderer
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}
