package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries parsed CLI flags into the App
type AppOptions struct {
	ConfigFile   string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
	ServeBackend bool
	ReplayFile   string
	Activity     string
	UserID       string
	OutputFile   string
}

// Runner is the set of modes main can dispatch to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunReplay(path string)
	RunService()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		os.Exit(2)
	}
}

// run parses args, configures app and dispatches to the selected mode
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("loopcapture", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for live loop capture")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for territory GeoJSON")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.ServeBackend, "serve-backend", false, "Serve the in-process territory backend under /api/territories")
	fs.StringVar(&opts.ReplayFile, "replay", "", "Replay a recorded GeoJSON LineString route through the loop detector and exit")
	fs.StringVar(&opts.Activity, "activity", "running", "Activity type for --replay")
	fs.StringVar(&opts.UserID, "user", "replay", "User ID for --replay")
	fs.StringVar(&opts.OutputFile, "output", "territories.geojson", "Output file for --replay")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "loopcapture version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.ReplayFile != "" {
		app.RunReplay(opts.ReplayFile)
		return nil
	}

	if opts.MqttMode || opts.HttpMode {
		app.RunService()
		return nil
	}

	fmt.Fprintln(out, "Use --replay=route.geojson to detect loops in a recorded route")
	fmt.Fprintln(out, "Use --mqtt to capture territories from live MQTT fixes")
	fmt.Fprintln(out, "Use --http to serve territory GeoJSON (add --serve-backend for the reference API)")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - MQTT, backend and capture threshold settings")
	return nil
}
