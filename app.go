package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kwv/floortrack/floorplan"
	"github.com/kwv/floortrack/trilat"
)

// App encapsulates the application state and dependencies
type App struct {
	Out io.Writer

	Config     *floorplan.Config
	Manager    *floorplan.Manager
	Tracker    *floorplan.Tracker
	Locator    *floorplan.Locator
	Metrics    *floorplan.Metrics
	Registry   *prometheus.Registry
	History    *floorplan.History
	Hub        *floorplan.Hub
	MQTTClient *floorplan.MQTTClient
	Publisher  *floorplan.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	RenderFloor string
	HttpPort    int
	MqttMode    bool
	HttpMode    bool
	Debug       bool
}

// NewApp creates a new App instance writing user-facing output to out
func NewApp(out io.Writer) *App {
	if out == nil {
		out = io.Discard
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{Out: out, Registry: reg}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.RenderFloor = opts.RenderFloor
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.Debug = opts.Debug
	floorplan.SetDebug(opts.Debug)
}

// RunSolve solves one request read from path and prints the result as JSON.
// Solver settings come from the config file when it loads.
func (a *App) RunSolve(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening solve request: %w", err)
	}
	defer f.Close()

	req, err := decodeSolveRequest(f)
	if err != nil {
		return err
	}

	defaults := trilat.DefaultConfig()
	if a.ConfigFile != "" {
		if cfg, err := floorplan.LoadConfig(a.ConfigFile); err == nil {
			defaults = cfg.Solver
		} else if a.Debug {
			log.Printf("[DEBUG] solving with default settings: %v", err)
		}
	}

	resp, solveErr := solve(req, defaults)

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("encoding solve result: %w", err)
	}
	if solveErr != nil {
		return fmt.Errorf("solve failed: %w", solveErr)
	}
	return nil
}

// RunCheckConfig loads and validates the config file
func (a *App) RunCheckConfig() error {
	cfg, err := floorplan.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", a.ConfigFile, err)
	}
	fmt.Fprintf(a.Out, "Config OK: %s\n", a.ConfigFile)
	fmt.Fprintf(a.Out, "  floors:   %d\n", len(cfg.Floors))
	fmt.Fprintf(a.Out, "  rooms:    %d\n", len(cfg.Rooms))
	fmt.Fprintf(a.Out, "  beacons:  %d\n", len(cfg.Beacons))
	fmt.Fprintf(a.Out, "  devices:  %d\n", len(cfg.Devices))
	if len(cfg.Beacons) < trilat.DefaultMinBeacons {
		fmt.Fprintf(a.Out, "Warning: %d beacons configured, at least %d are needed to locate a device\n",
			len(cfg.Beacons), trilat.DefaultMinBeacons)
	}
	return nil
}

// RunRender draws the configured floorplan to out. The extension picks the
// format.
func (a *App) RunRender(out string) error {
	cfg, err := floorplan.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(out))
	if ext != ".svg" && ext != ".png" {
		return fmt.Errorf("unsupported render format %q (want .svg or .png)", ext)
	}

	renderer := floorplan.NewRenderer(floorplan.NewManager(cfg, a.ConfigFile), nil)
	renderer.Floor = a.RenderFloor
	renderer.SetDeviceColors(cfg.Devices)

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer f.Close()

	if ext == ".svg" {
		err = renderer.RenderSVG(f)
	} else {
		err = renderer.RenderPNG(f)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", out, err)
	}

	fmt.Fprintf(a.Out, "Floorplan written to %s\n", out)
	return nil
}

// setup builds the tracking pipeline from the loaded config. MQTT and HTTP
// are started separately by RunService.
func (a *App) setup(config *floorplan.Config) error {
	a.Config = config
	a.Manager = floorplan.NewManager(config, a.ConfigFile)
	a.Tracker = floorplan.NewTracker(config.Tracking.MaxReadingAge)
	for _, dc := range config.Devices {
		if dc.Color != "" {
			a.Tracker.SetColor(dc.ID, dc.Color)
		}
	}

	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	metrics, err := floorplan.NewMetrics(a.Registry)
	if err != nil {
		return err
	}
	a.Metrics = metrics
	a.Locator = floorplan.NewLocator(config, a.Manager, a.Tracker, metrics)
	a.Hub = floorplan.NewHub()

	if config.History.Path != "" {
		history, err := floorplan.OpenHistory(config.History.Path)
		if err != nil {
			return err
		}
		a.History = history
		log.Printf("[HISTORY] recording fixes to %s (retention %s)", config.History.Path, config.History.Retention)
	}
	return nil
}

// handleReading is the MQTT reading callback. Sensors report in bursts, so a
// reading inside the solve interval schedules one follow-up solve at the end
// of the window instead of being dropped.
func (a *App) handleReading(deviceID, beaconID string, distance float64, present bool) {
	now := time.Now()
	if present {
		a.Tracker.Update(deviceID, beaconID, distance, now)
	} else {
		a.Tracker.Clear(deviceID, beaconID)
	}

	// Too few beacons leaves the debounce window untouched
	if !a.Locator.Ready(deviceID, now) {
		a.withdraw(deviceID)
		return
	}

	solveNow, wait := a.Locator.ShouldSolve(deviceID, now)
	switch {
	case solveNow:
		a.locate(deviceID, now)
	case wait > 0:
		time.AfterFunc(wait, func() { a.followUp(deviceID) })
	}
}

// followUp runs the solve a debounced reading asked for
func (a *App) followUp(deviceID string) {
	now := time.Now()
	if !a.Locator.TakeFollowUp(deviceID, now) {
		return
	}
	if !a.Locator.Ready(deviceID, now) {
		a.withdraw(deviceID)
		return
	}
	a.locate(deviceID, now)
}

// locate solves a device and fans the result out to MQTT, history and the
// live stream
func (a *App) locate(deviceID string, now time.Time) {
	fix, err := a.Locator.Locate(deviceID, now)
	if err != nil {
		if a.Publisher != nil {
			if perr := a.Publisher.PublishFailure(deviceID, err); perr != nil {
				log.Printf("[MQTT] error publishing status for %s: %v", deviceID, perr)
			}
		}
		a.withdraw(deviceID)
		return
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishFix(fix); err != nil {
			log.Printf("[MQTT] %s: %v", deviceID, err)
		}
	}
	if a.History != nil {
		if _, err := a.History.Record(fix); err != nil {
			log.Printf("[HISTORY] %v", err)
		}
	}
	a.Hub.Broadcast(fix)
}

// withdraw drops a device's fix once it can no longer be located
func (a *App) withdraw(deviceID string) {
	a.Locator.Withdraw(deviceID)
	if a.Publisher != nil {
		if err := a.Publisher.WithdrawFix(deviceID); err != nil {
			log.Printf("[MQTT] error withdrawing fix for %s: %v", deviceID, err)
		}
	}
}

// expireStale withdraws fixes whose readings have gone stale without the
// sensors reporting unavailable
func (a *App) expireStale(now time.Time) {
	for deviceID := range a.Tracker.Fixes() {
		if !a.Locator.Ready(deviceID, now) {
			log.Printf("[LOCATE] %s: readings went stale, withdrawing fix", deviceID)
			a.withdraw(deviceID)
		}
	}
}

// newPublisher applies the mqtt.qos and mqtt.retain settings to a publisher
func (a *App) newPublisher(client mqtt.Client) *floorplan.Publisher {
	p := floorplan.NewPublisher(client, a.Config.MQTT.PublishPrefix)
	p.SetQoS(a.Config.MQTT.QoS)
	if a.Config.MQTT.Retain != nil {
		p.SetRetain(*a.Config.MQTT.Retain)
	}
	return p
}

// pruneHistory drops fixes older than the retention window
func (a *App) pruneHistory(now time.Time) {
	if a.History == nil {
		return
	}
	if _, err := a.History.Prune(now.Add(-a.Config.History.Retention)); err != nil {
		log.Printf("[HISTORY] %v", err)
	}
}

// RunService runs MQTT ingest and/or the HTTP server until SIGINT or SIGTERM
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting floortrack service...")

	config, err := floorplan.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)

	if err := a.setup(config); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.Hub.Run(ctx)

	if age := a.Config.Tracking.MaxReadingAge; age > 0 {
		go func() {
			ticker := time.NewTicker(age)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					a.expireStale(now)
				}
			}
		}()
	}

	if a.History != nil {
		a.pruneHistory(time.Now())
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					a.pruneHistory(now)
				}
			}
		}()
	}

	if a.MqttMode {
		mqttClient, err := floorplan.InitMQTT(config, a.handleReading)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient
		a.Publisher = a.newPublisher(mqttClient.GetClient())
		fmt.Fprintln(a.Out, "MQTT fix publisher initialized")
	}

	var httpServer *http.Server
	if a.HttpMode {
		httpServer = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()

	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] shutdown: %v", err)
		}
		cancel()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			log.Printf("[HISTORY] close: %v", err)
		}
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "Beacons: %d, devices: %d\n", len(a.Config.Beacons), len(a.Config.Devices))

	if a.MqttMode {
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, dc := range a.Config.Devices {
			fmt.Fprintf(a.Out, "    - %s (%s)\n", floorplan.ReadingTopic(dc.Topic), dc.ID)
		}
		prefix := a.Publisher.Prefix()
		fmt.Fprintf(a.Out, "  Publishing to: %s/{deviceID}\n", prefix)
		fmt.Fprintf(a.Out, "  Combined positions: %s/positions\n", prefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET  /health              - Health check")
		fmt.Fprintln(a.Out, "  GET  /positions           - Latest fix per device")
		fmt.Fprintln(a.Out, "  GET  /positions/{device}  - Latest fix for one device")
		fmt.Fprintln(a.Out, "  POST /solve               - Solve beacons and distances sent as JSON")
		fmt.Fprintln(a.Out, "  GET  /beacons             - Configured beacons")
		fmt.Fprintln(a.Out, "  GET  /floorplan.geojson   - Rooms, beacons and devices as GeoJSON")
		fmt.Fprintln(a.Out, "  GET  /floorplan.svg       - Floorplan with live positions (SVG)")
		fmt.Fprintln(a.Out, "  GET  /floorplan.png       - Floorplan with live positions (PNG)")
		fmt.Fprintln(a.Out, "  GET  /history/{device}    - Recorded fixes, newest first")
		fmt.Fprintln(a.Out, "  GET  /metrics             - Prometheus metrics")
		fmt.Fprintln(a.Out, "  GET  /ws                  - Live fix stream (websocket)")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
