package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meridian-neuro/retinomap/internal/acq"
	"github.com/meridian-neuro/retinomap/internal/api"
	"github.com/meridian-neuro/retinomap/internal/camera"
	"github.com/meridian-neuro/retinomap/internal/config"
	"github.com/meridian-neuro/retinomap/internal/controlbus"
	"github.com/meridian-neuro/retinomap/internal/framechan"
	"github.com/meridian-neuro/retinomap/internal/httputil"
	"github.com/meridian-neuro/retinomap/internal/recorder"
	"github.com/meridian-neuro/retinomap/internal/ring"
	"github.com/meridian-neuro/retinomap/internal/sessiondb"
	"github.com/meridian-neuro/retinomap/internal/stimulus"
	"github.com/meridian-neuro/retinomap/internal/timesync"
	"github.com/meridian-neuro/retinomap/internal/trigger"
	"github.com/meridian-neuro/retinomap/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Run in dev mode with a small synthetic camera")
	listen        = flag.String("listen", ":8080", "Listen address")
	configPath    = flag.String("config", "", "Path to a tuning config JSON file (defaults apply when empty)")
	dbFile        = flag.String("db", "sessions.db", "Path to the session catalog database")
	migrationsDir = flag.String("migrations", "migrations", "Path to the catalog migrations directory")
	triggerPort   = flag.String("trigger-port", "", "Serial device of the timing box (disabled when empty)")
	cameraMeta    = flag.String("camera-meta-addr", "127.0.0.1:9880", "UDP address for camera frame announcements")
	stimulusMeta  = flag.String("stimulus-meta-addr", "127.0.0.1:9881", "UDP address for stimulus frame announcements")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("retinomap %s", version.Current())

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}

	// Dev mode runs a small synthetic sensor so the whole pipeline works
	// on a laptop; otherwise geometry comes from the tuning config. The
	// synthetic camera stands in for the vendor binding in both cases.
	camWidth := uint32(tuning.GetCameraWidthPx())
	camHeight := uint32(tuning.GetCameraHeightPx())
	if *devMode {
		camWidth, camHeight = 512, 512
	}
	cam := camera.NewMockCamera(camera.MockCameraConfig{
		WidthPx:  camWidth,
		HeightPx: camHeight,
		FPS:      tuning.GetCameraFPS(),
	})
	if err := cam.Open(); err != nil {
		log.Fatalf("Failed to open camera: %v", err)
	}
	display := camera.NewMockDisplay()

	generator, err := stimulus.NewDriftingBar(stimulus.DriftingBarConfig{
		ScreenWidthPx:         uint32(tuning.GetScreenWidthPx()),
		ScreenHeightPx:        uint32(tuning.GetScreenHeightPx()),
		BarWidthPx:            uint32(tuning.GetBarWidthPx()),
		SweepDurationSeconds:  tuning.GetSweepDurationSeconds(),
		HorizontalSpanDegrees: tuning.GetHorizontalSpanDegrees(),
		VerticalSpanDegrees:   tuning.GetVerticalSpanDegrees(),
		BarLuminance:          tuning.GetBarLuminance(),
	})
	if err != nil {
		log.Fatalf("Failed to create stimulus generator: %v", err)
	}
	controller, err := stimulus.NewController(generator)
	if err != nil {
		log.Fatalf("Failed to create stimulus controller: %v", err)
	}

	maxFrame := int(camWidth) * int(camHeight)
	if screen := tuning.GetScreenWidthPx() * tuning.GetScreenHeightPx(); screen > maxFrame {
		maxFrame = screen
	}
	channel, err := framechan.Initialize(framechan.Config{
		StreamName:    tuning.GetStreamName(),
		BufferSizeMB:  tuning.GetBufferSizeMB(),
		MaxFrameBytes: maxFrame,
		SlotCount:     tuning.GetSlotCount(),
		MetadataAddrs: map[framechan.Substream]string{
			framechan.SubstreamCamera:   *cameraMeta,
			framechan.SubstreamStimulus: *stimulusMeta,
		},
		MetadataHistory: tuning.GetMetadataHistory(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize frame channel: %v", err)
	}
	defer func() {
		if err := channel.Cleanup(); err != nil {
			log.Printf("frame channel cleanup: %v", err)
		}
	}()

	bus, err := controlbus.New(controlbus.Config{
		HealthAddr:        tuning.GetHealthAddr(),
		SyncAddr:          tuning.GetSyncAddr(),
		HeartbeatInterval: tuning.GetHeartbeatInterval(),
	})
	if err != nil {
		log.Fatalf("Failed to create control bus: %v", err)
	}
	defer bus.Cleanup()

	catalog, err := sessiondb.New(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open session catalog: %v", err)
	}
	defer catalog.Close()
	if err := catalog.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("Failed to migrate session catalog: %v", err)
	}

	tracker := timesync.NewTracker(tuning.GetSyncMaxHistory())

	manager, err := acq.NewManager(acq.ManagerConfig{
		Coordinator: acq.NewCoordinator(),
		Controller:  controller,
		Channel:     channel,
		Tracker:     tracker,
		Bus:         bus,
		Camera:      cam,
		Display:     display,
		NewRecorder: func(name string) (*recorder.Recorder, error) {
			return recorder.NewRecorder(tuning.GetSessionBaseDir(), name)
		},
		Catalog:          catalog,
		CameraFPS:        tuning.GetCameraFPS(),
		SessionBaseDir:   tuning.GetSessionBaseDir(),
		BaselineWidthPx:  uint32(tuning.GetScreenWidthPx()),
		BaselineHeightPx: uint32(tuning.GetScreenHeightPx()),
	})
	if err != nil {
		log.Fatalf("Failed to create acquisition manager: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Heartbeats carry the acquisition phase and channel counters.
	err = bus.Start(ctx, func() controlbus.Heartbeat {
		st := manager.Status()
		return controlbus.Heartbeat{
			State:         string(st.Phase),
			Session:       st.Session,
			FramesWritten: st.Channel.FramesWritten,
			DroppedFrames: st.Channel.OversizedRejected,
		}
	})
	if err != nil {
		log.Fatalf("Failed to start control bus: %v", err)
	}

	// The timing box is optional hardware; when attached its TTL reports
	// are forwarded on the sync channel for offline drift checks. A ring
	// buffer sits between the serial reader and the UDP sender so a pulse
	// burst cannot stall the reader.
	if *triggerPort != "" {
		box, err := trigger.Open(*triggerPort)
		if err != nil {
			log.Fatalf("Failed to open timing box: %v", err)
		}
		defer box.Close()

		strategy, err := ring.ParseOverflowStrategy(tuning.GetOverflowStrategy())
		if err != nil {
			log.Fatalf("Bad overflow strategy: %v", err)
		}
		pulses, err := ring.New[trigger.Pulse](tuning.GetRingCapacity(), strategy)
		if err != nil {
			log.Fatalf("Failed to create pulse buffer: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := box.Monitor(ctx); err != nil {
				log.Printf("timing box monitor: %v", err)
			}
			log.Print("timing box routine terminated")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pulses.Close()
			box.Arm()
			for {
				select {
				case pulse, ok := <-box.Pulses():
					if !ok {
						return
					}
					pulses.Put(pulse, time.Second)
				case <-ctx.Done():
					return
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pulse, ok := pulses.Get(time.Second)
				if !ok {
					if pulses.Closed() && pulses.Size() == 0 {
						return
					}
					continue
				}
				payload, _ := json.Marshal(pulse)
				bus.SendSync(controlbus.SyncMessage{Type: "trigger_pulse", Payload: payload})
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// admin debugging routes over the session catalog
		if err := catalog.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}
		mux.HandleFunc("/debug/framechan", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSON(w, http.StatusOK, channel.Stats())
		})

		apiServer := api.NewServer(manager, catalog, tuning)
		mux.Handle("/api/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
