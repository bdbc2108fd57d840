package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/loopcapture/territory"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *territory.Config
	Service    territory.Service
	Backend    *territory.MemoryService // set when the backend runs in-process
	Tracker    *territory.Tracker
	MQTTClient *territory.MQTTClient
	Publisher  *territory.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
	ServeBackend bool
	Activity     string
	UserID       string
	OutputFile   string
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.ServeBackend = opts.ServeBackend
	a.Activity = opts.Activity
	a.UserID = opts.UserID
	a.OutputFile = opts.OutputFile
}

// setup loads the config and builds the territory backend and tracker.
// A missing config file falls back to defaults (in-process backend).
func (a *App) setup() error {
	if a.Config == nil {
		config, err := territory.LoadConfig(a.ConfigFile)
		if err != nil {
			if _, statErr := os.Stat(a.ConfigFile); statErr == nil {
				return fmt.Errorf("load config %s: %w", a.ConfigFile, err)
			}
			log.Printf("No config at %s, using defaults", a.ConfigFile)
			config = &territory.Config{}
		} else {
			log.Printf("Loaded config from %s", a.ConfigFile)
		}
		a.Config = config
	}

	if a.Service == nil {
		svc, err := territory.NewServiceFromConfig(a.Config)
		if err != nil {
			return fmt.Errorf("create territory service: %w", err)
		}
		a.Service = svc
		if mem, ok := svc.(*territory.MemoryService); ok {
			a.Backend = mem
			log.Println("Using in-process territory backend")
		} else {
			log.Printf("Using territory backend at %s", a.Config.Service.BaseURL)
		}
	}

	if a.Tracker == nil {
		a.Tracker = territory.NewTracker(a.Service, a.Config.StoreOptions()...)
		a.Tracker.AddListener(logClaimFailures)
	}
	return nil
}

// logClaimFailures surfaces retracted captures on the console
func logClaimFailures(ev territory.Event) {
	if ev.Kind == territory.EventRetracted {
		log.Printf("Capture for %s was not saved: %v", ev.UserID, ev.Err)
	}
}

// RunReplay feeds a recorded route through the loop detector and writes the
// captured territories as GeoJSON
func (a *App) RunReplay(path string) {
	result, err := a.replay(path)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	fmt.Printf("Replayed %d fixes: %d live captures, fallback capture: %v\n",
		result.Fixes, result.LiveCaptures, result.FallbackCapture)
	fmt.Printf("Confirmed territories: %d (written to %s)\n", len(result.Territories), a.OutputFile)
	for _, t := range result.Territories {
		fmt.Printf("  - %s: %d points, %.0f m²\n", t.ID, len(t.Polygons[0]), t.Area)
	}
}

// replayResult summarises one replay run
type replayResult struct {
	Fixes           int
	LiveCaptures    int
	FallbackCapture bool
	Territories     []territory.Territory
}

func (a *App) replay(path string) (*replayResult, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}

	fixes, err := territory.LoadRoute(path, time.Now())
	if err != nil {
		return nil, err
	}

	activity := territory.ParseActivity(a.Activity)
	if !activity.Eligible() {
		log.Printf("Activity %q is not eligible for territory capture", a.Activity)
	}

	user := a.UserID
	a.Tracker.Start(user, activity)

	result := &replayResult{Fixes: len(fixes)}
	for _, fix := range fixes {
		captured, err := a.Tracker.AddFix(user, fix)
		if err != nil {
			log.Printf("Skipping fix: %v", err)
			continue
		}
		if captured {
			result.LiveCaptures++
		}
	}

	result.FallbackCapture, err = a.Tracker.Finish(user)
	if err != nil {
		return nil, err
	}
	a.Tracker.Wait()

	result.Territories = a.Tracker.SessionTerritories(user)
	if a.OutputFile != "" {
		if err := territory.WriteFeatureCollection(a.OutputFile, result.Territories); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RunService runs the live capture service (MQTT ingest and/or HTTP)
func (a *App) RunService() {
	fmt.Println("Starting loopcapture service...")

	if err := a.setup(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if a.MqttMode {
		mqttClient, err := territory.InitMQTT(a.Config, a.Tracker)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient

		a.Publisher = territory.NewPublisher(mqttClient.GetClient(), a.Config.GetPublishPrefix(), a.Tracker.SessionTerritories)
		a.Tracker.AddListener(a.Publisher.HandleEvent)
		fmt.Println("MQTT event publisher initialized")
	}

	port := a.HttpPort
	if a.Config.HTTP.Port != 0 && port == 8080 {
		port = a.Config.HTTP.Port
	}
	serveBackend := a.ServeBackend || a.Config.HTTP.ServeBackend

	if a.HttpMode {
		var backend *territory.MemoryService
		if serveBackend {
			if a.Backend == nil {
				log.Fatal("--serve-backend requires the in-process backend (leave service.baseUrl empty)")
			}
			backend = a.Backend
		}
		httpServer := newHTTPServer(a.Tracker, backend)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", port)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for _, topic := range a.MQTTClient.Topics() {
			fmt.Printf("    - %s\n", topic)
		}
		fmt.Printf("  Events: %s/{userID}/events\n", a.Config.GetPublishPrefix())
		fmt.Printf("  Session territories: %s/{userID}/territories\n", a.Config.GetPublishPrefix())
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", port)
		fmt.Println("  GET  /health                              - Health check")
		fmt.Println("  GET  /sessions                            - Session summaries")
		fmt.Println("  GET  /territories.geojson                 - All known territories")
		fmt.Println("  GET  /sessions/{user}/territories.geojson - Current session captures")
		fmt.Println("  POST /sessions/{user}/refresh             - Reload territories from the backend")
		if serveBackend {
			fmt.Println("  GET  /api/territories                     - Backend: list territories")
			fmt.Println("  POST /api/territories                     - Backend: claim a territory")
		}
	}

	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	a.Tracker.Close()
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}
