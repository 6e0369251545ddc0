package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ikolvi/Tracelet-sub001/internal/api"
	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/provider/nmea"
	"github.com/Ikolvi/Tracelet-sub001/internal/provider/replay"
	"github.com/Ikolvi/Tracelet-sub001/internal/store"
	"github.com/Ikolvi/Tracelet-sub001/internal/track"
	"github.com/Ikolvi/Tracelet-sub001/internal/uplink"
	"github.com/Ikolvi/Tracelet-sub001/internal/version"
)

var (
	configPath  = flag.String("config", "", "Bootstrap YAML config path")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	dbPath      = flag.String("db", "", "Database path (overrides config)")
	debugMode   = flag.Bool("debug", false, "Enable debug logging and the debug HTTP surface")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const dbFileName = "tracelet.db"

// engineSink forwards provider callbacks to the session. The provider is
// constructed before the session (the session needs it as a port), so the
// sink is bound after both exist and before Start.
type engineSink struct {
	session *track.Session
}

func (s *engineSink) OnLocation(sample track.LocationSample) { s.session.OnLocation(sample) }
func (s *engineSink) OnSourceError(source string, err error) { s.session.OnSourceError(source, err) }

// resolveDBPath picks the database location: explicit flag, then bootstrap
// db_path, then <data_dir>/tracelet.db.
func resolveDBPath(flagPath string, boot *config.BootstrapConfig) string {
	if flagPath != "" {
		return flagPath
	}
	if boot.DBPath != "" {
		return boot.DBPath
	}
	return filepath.Join(boot.DataDir, dbFileName)
}

// loadTracking reads the tracking config document, or returns the defaults
// when no path is configured. The bootstrap device id fills in when the
// document does not set one.
func loadTracking(boot *config.BootstrapConfig) (*config.TrackingConfig, error) {
	cfg := &config.TrackingConfig{}
	if boot.TrackingConfigPath != "" {
		loaded, err := config.LoadTrackingConfig(boot.TrackingConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg.Sync.DeviceID == nil && boot.DeviceID != "" {
		cfg.Sync.DeviceID = &boot.DeviceID
	}
	return cfg, nil
}

// buildProvider constructs the configured location source. The sink is bound
// to the session by the caller before tracking starts.
func buildProvider(pc config.ProviderConfig, sink *engineSink) (track.LocationProvider, error) {
	switch pc.Kind {
	case "nmea":
		return nmea.New(nmea.Options{Port: pc.Port, Baud: pc.Baud, Sink: sink})
	case "replay":
		return replay.New(replay.Options{Fixture: pc.Fixture, Loop: pc.Loop, Sink: sink})
	case "none", "":
		return track.NullProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("traceletd %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	boot, err := config.LoadBootstrap(*configPath)
	if err != nil {
		log.Fatalf("failed to load bootstrap config: %v", err)
	}
	if *listen != "" {
		boot.Listen = *listen
	}
	if *debugMode {
		boot.Debug = true
	}
	monitoring.SetDebug(boot.Debug)

	path := resolveDBPath(*dbPath, boot)

	// migrate subcommand drives the schema explicitly and exits.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		store.RunMigrateCommand(args[1:], path)
		return
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create data directory: %v", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	st, err := store.Open(path, store.Options{Metrics: metrics})
	if err != nil {
		log.Fatalf("failed to open store %s: %v", path, err)
	}
	defer st.Close()

	tcfg, err := loadTracking(boot)
	if err != nil {
		log.Fatalf("failed to load tracking config: %v", err)
	}

	bus := track.NewBus()
	connectivity := track.StaticConnectivity{Transport: track.TransportWifi}

	pipeline, err := uplink.New(uplink.Options{
		Source:       st,
		Config:       tcfg.Sync,
		Bus:          bus,
		Connectivity: connectivity,
		Metrics:      metrics,
	})
	if err != nil {
		log.Fatalf("failed to build sync pipeline: %v", err)
	}
	defer pipeline.Close()

	sink := &engineSink{}
	provider, err := buildProvider(boot.Provider, sink)
	if err != nil {
		log.Fatalf("failed to build location provider: %v", err)
	}

	session, err := track.NewSession(track.SessionOptions{
		Bus:           bus,
		Recorder:      st,
		Syncer:        pipeline,
		Provider:      provider,
		Classifier:    track.NullClassifier{},
		Accelerometer: track.NullAccelerometer{},
		// 20 mirrors the region budget of the platform monitors this
		// engine usually fronts.
		Monitor:       track.StaticMonitor{Cap: 20},
		Connectivity:  connectivity,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatalf("failed to build session: %v", err)
	}
	sink.session = session

	if err := session.Reconfigure(tcfg); err != nil {
		log.Fatalf("invalid tracking config: %v", err)
	}
	if err := session.Start(); err != nil {
		log.Fatalf("failed to start tracking: %v", err)
	}
	defer session.Stop()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// subscribe to engine events and log them
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := bus.Subscribe()
		defer bus.Unsubscribe(id)
		for {
			select {
			case ev := <-c:
				logEvent(ev)
			case <-ctx.Done():
				log.Printf("event routine terminated")
				return
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Options{
			Session:  session,
			Store:    st,
			Sync:     pipeline,
			Registry: registry,
			Units:    boot.Units,
			Debug:    boot.Debug,
		}).ServeMux()

		if err := st.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    boot.Listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("traceletd %s listening on %s (db %s)", version.Version, boot.Listen, path)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}

// logEvent writes one line per engine event. High-rate location events only
// appear with debug logging on.
func logEvent(ev track.Event) {
	switch ev.Kind {
	case track.EventLocation:
		if ev.Location != nil {
			monitoring.Debugf("location %.6f,%.6f speed=%.1fm/s record=%d",
				ev.Location.Lat, ev.Location.Lon, ev.Location.Speed, ev.RecordID)
		}
	case track.EventMotionChange:
		if ev.IsMoving != nil {
			log.Printf("motion change: moving=%v", *ev.IsMoving)
		}
	case track.EventGeofence:
		if ev.Geofence != nil {
			log.Printf("geofence %s: %s", ev.Geofence.RegionID, ev.Geofence.Action)
		}
	case track.EventGeofencesChange:
		log.Printf("monitored geofences now %d", len(ev.MonitoredIDs))
	case track.EventHTTP:
		if ev.HTTP != nil {
			log.Printf("sync upload: status=%d success=%v", ev.HTTP.Status, ev.HTTP.Success)
		}
	case track.EventError:
		if ev.Err != nil {
			log.Printf("error [%s] %s: %v", ev.Err.Kind, ev.Err.Op, ev.Err.Err)
		}
	}
}
