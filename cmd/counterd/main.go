package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/roadside-counter/internal/camera"
	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/internal/config"
	"github.com/dj-oyu/roadside-counter/internal/detect"
	"github.com/dj-oyu/roadside-counter/internal/evidence"
	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/internal/metrics"
	"github.com/dj-oyu/roadside-counter/internal/monitor"
	"github.com/dj-oyu/roadside-counter/internal/node"
	"github.com/dj-oyu/roadside-counter/internal/transport"
	"github.com/dj-oyu/roadside-counter/internal/upload"
)

var (
	// Command-line flags
	configPath  = flag.String("config", "", "YAML config file (defaults are used when empty)")
	httpAddr    = flag.String("http", "", "Status API address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	uploadURL   = flag.String("upload-url", "", "Collector URL (overrides config)")
	apiKey      = flag.String("api-key", "", "Collector API key (overrides config, or COUNTER_API_KEY)")
	fixturePath = flag.String("fixture", "", "Replay detections from a YAML fixture")
	detectorURL = flag.String("detector-url", "", "Inference sidecar URL")
	cameraURL   = flag.String("camera-url", "", "Camera snapshot URL (synthetic frames when empty)")
	saveImages  = flag.Bool("evidence", false, "Save an annotated JPEG for every counted vehicle")
	dryRun      = flag.Bool("dry-run", false, "Accept uploads locally instead of contacting the collector")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)

	logger.Init(cfg.Log.Level, os.Stderr, cfg.Log.Color)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	bootID := uuid.NewString()
	logger.Info("Main", "Counter node starting (boot %s)", bootID)
	logger.Info("Main", "Site: %s (%.4f, %.4f) %s", cfg.Site.Name, cfg.Site.Latitude, cfg.Site.Longitude, cfg.Site.Direction)
	logger.Info("Main", "Log level: %s", cfg.Log.Level)

	m := metrics.New()

	source, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("Failed to create detection source: %v", err)
	}

	var cam camera.Camera
	if cfg.Camera.SnapshotURL != "" {
		cam = camera.NewHTTPSnapshot(cfg.Camera.SnapshotURL, cfg.Camera.Timeout)
		logger.Info("Main", "Camera: %s", cfg.Camera.SnapshotURL)
	} else {
		cam = camera.NewSynthetic(cfg.Sampling.FrameWidth, cfg.Sampling.FrameHeight)
		logger.Info("Main", "Camera: synthetic %dx%d", cfg.Sampling.FrameWidth, cfg.Sampling.FrameHeight)
	}

	var tr upload.Transport
	if *dryRun {
		tr = transport.NewDryRun(func(request []byte) {
			logger.Debug("DryRun", "Request:\n%s", request)
		})
		logger.Info("Main", "Dry run: uploads are not sent")
	} else {
		endpoint, err := upload.ParseEndpoint(cfg.Upload.URL)
		if err != nil {
			log.Fatalf("Collector URL: %v", err)
		}
		tr = transport.NewTCP(endpoint.TLS, cfg.Upload.ConnectTimeout, nil)
	}

	var sink *evidence.Sink
	if cfg.Evidence.Enabled {
		sink, err = evidence.NewSink(cfg.Evidence.Dir, nil)
		if err != nil {
			log.Fatalf("Failed to create evidence sink: %v", err)
		}
		logger.Info("Main", "Evidence images: %s", sink.Dir())
	}

	n, err := node.New(node.Options{
		Config:    cfg,
		Clock:     clock.NewMonotonic(),
		Camera:    cam,
		Source:    source,
		Transport: tr,
		Evidence:  sink,
		Metrics:   m,
		BootID:    bootID,
	})
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	mon := monitor.NewServer(monitor.Config{
		Addr:           cfg.Monitor.Addr,
		StatusInterval: cfg.Monitor.StatusInterval,
	}, n, nil)
	statusServer := mon.HTTPServer()
	metricsServer := m.NewServer(cfg.Monitor.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := n.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return serve(gctx, "Status API", statusServer) })
	g.Go(func() error { return serve(gctx, "Metrics", metricsServer) })

	if err := g.Wait(); err != nil {
		logger.Error("Main", "Stopped with error: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		logger.Warn("Main", "Disconnect: %v", err)
	}

	st := n.Status()
	logger.Info("Main", "Shutdown complete (total=%d, hour=%d uncommitted)", st.TotalCount, st.HourCount)
}

// serve runs srv until ctx is done, then shuts it down gracefully
func serve(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Main", "%s listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func applyFlags(cfg *config.Config) {
	if *httpAddr != "" {
		cfg.Monitor.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.Monitor.MetricsAddr = *metricsAddr
	}
	if *uploadURL != "" {
		cfg.Upload.URL = *uploadURL
	}
	if *apiKey != "" {
		cfg.Upload.APIKey = *apiKey
	} else if key := os.Getenv("COUNTER_API_KEY"); key != "" && cfg.Upload.APIKey == "" {
		cfg.Upload.APIKey = key
	}
	if *fixturePath != "" {
		cfg.Detector.FixturePath = *fixturePath
	}
	if *detectorURL != "" {
		cfg.Detector.URL = *detectorURL
	}
	if *cameraURL != "" {
		cfg.Camera.SnapshotURL = *cameraURL
	}
	if *saveImages {
		cfg.Evidence.Enabled = true
	}
	if *logLevel != "" {
		level, err := logger.ParseLevel(*logLevel)
		if err != nil {
			log.Fatalf("Invalid log level: %v", err)
		}
		cfg.Log.Level = level
	}
	if !*logColor {
		cfg.Log.Color = false
	}
}

func buildSource(cfg config.Config) (detect.Source, error) {
	switch {
	case cfg.Detector.URL != "":
		logger.Info("Main", "Detector: %s", cfg.Detector.URL)
		return detect.NewHTTPSource(cfg.Detector.URL, cfg.Detector.Timeout, nil), nil
	case cfg.Detector.FixturePath != "":
		fx, err := detect.LoadFixture(cfg.Detector.FixturePath)
		if err != nil {
			return nil, err
		}
		logger.Info("Main", "Detector: fixture %s (%d frames)", cfg.Detector.FixturePath, fx.Len())
		return fx, nil
	default:
		logger.Warn("Main", "No detector configured, no vehicles will be counted")
		return detect.NewFixture(false), nil
	}
}
