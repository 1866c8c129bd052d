package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line flags
type AppOptions struct {
	ConfigFile  string
	SolveFile   string
	CheckConfig bool
	RenderOut   string
	RenderFloor string
	MqttMode    bool
	HttpMode    bool
	HttpPort    int
	Debug       bool
}

// Runner is what run dispatches to. *App implements it; tests use a mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSolve(path string) error
	RunCheckConfig() error
	RunRender(out string) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("floortrack", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.SolveFile, "solve", "", "Solve one position from a JSON file of beacons and distances and exit")
	fs.BoolVar(&opts.CheckConfig, "check-config", false, "Validate the configuration file and exit")
	fs.StringVar(&opts.RenderOut, "render", "", "Render the floorplan to an .svg or .png file and exit")
	fs.StringVar(&opts.RenderFloor, "floor", "", "Only render rooms on this floor (with --render)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for real-time device tracking")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for positions, floorplan and metrics")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.Debug, "debug", false, "Log solver iterations and dropped readings")

	if err := fs.Parse(args); err != nil {
		return err
	}

	app.ApplyOptions(opts)

	// --solve prints JSON only so it can be piped
	if opts.SolveFile != "" {
		return app.RunSolve(opts.SolveFile)
	}

	fmt.Fprintf(out, "floortrack version: %s\n", Version)

	switch {
	case opts.CheckConfig:
		return app.RunCheckConfig()
	case opts.RenderOut != "":
		return app.RunRender(opts.RenderOut)
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "floortrack service starting...")
	fmt.Fprintln(out, "Use --solve=FILE to solve one position from a JSON file")
	fmt.Fprintln(out, "Use --check-config to validate config.yaml")
	fmt.Fprintln(out, "Use --render=FILE.svg or FILE.png to draw the floorplan")
	fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
	fmt.Fprintln(out, "Use --http to run HTTP server mode")
	fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - MQTT settings, solver tuning, floors, rooms, beacons and devices")
	return nil
}
