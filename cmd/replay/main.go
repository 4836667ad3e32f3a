// Command replay runs the counting pipeline offline over a detection fixture
// and prints what the node would have counted and uploaded.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/dj-oyu/roadside-counter/internal/camera"
	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/internal/config"
	"github.com/dj-oyu/roadside-counter/internal/detect"
	"github.com/dj-oyu/roadside-counter/internal/evidence"
	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/internal/node"
	"github.com/dj-oyu/roadside-counter/internal/transport"
)

var (
	configPath  = flag.String("config", "configs/node.yaml", "YAML config file (empty for built-in defaults)")
	fixturePath = flag.String("fixture", "", "Detection fixture to replay (required)")
	extra       = flag.Int("tail", 3, "Empty cycles to run after the fixture so stale tracks expire")
	evidenceDir = flag.String("evidence", "", "Write evidence images to this directory")
	asJSON      = flag.Bool("json", false, "Print the summary as JSON")
	logLevel    = flag.String("log-level", "warn", "Log level (debug, info, warn, error, silent)")
)

func main() {
	flag.Parse()
	if *fixturePath == "" {
		log.Fatalf("-fixture is required")
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, false)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if band, radius, wide := node.BandExceedsRadius(cfg); wide {
		log.Fatalf("Line band %.0fpx is not narrower than the association radius %.0fpx: "+
			"no track can be followed across the line. Raise tracking.max_distance or lower line.margin (see configs/node.yaml)",
			band, radius)
	}

	fx, err := detect.LoadFixture(*fixturePath)
	if err != nil {
		log.Fatalf("Failed to load fixture: %v", err)
	}

	var sink *evidence.Sink
	if *evidenceDir != "" {
		if sink, err = evidence.NewSink(*evidenceDir, nil); err != nil {
			log.Fatalf("Failed to create evidence sink: %v", err)
		}
	}

	clk := clock.NewManual(1)
	n, err := node.New(node.Options{
		Config:    cfg,
		Clock:     clk,
		Camera:    camera.NewSynthetic(cfg.Sampling.FrameWidth, cfg.Sampling.FrameHeight),
		Source:    fx,
		Transport: transport.NewDryRun(nil),
		Evidence:  sink,
		BootID:    uuid.NewString(),
	})
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	sum := node.Replay(context.Background(), n, clk, fx.Len()+*extra)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			log.Fatalf("Encode summary: %v", err)
		}
		return
	}

	fmt.Printf("Site:        %s\n", sum.Final.Site.Name)
	fmt.Printf("Cycles:      %d\n", sum.Cycles)
	fmt.Printf("Detections:  %d (dropped %d)\n", sum.Detections, sum.Dropped)
	fmt.Printf("Counted:     %d\n", sum.Counted)
	fmt.Printf("Expired:     %d tracks\n", sum.Expired)
	fmt.Printf("Uploads:     %d attempted, %d delivered\n", sum.Uploads, sum.Delivered)
	fmt.Printf("Confidence:  mean %.3f, stddev %.3f\n", sum.ConfidenceMean, sum.ConfidenceStdDev)
	fmt.Printf("Hour count:  %d uncommitted\n", sum.Final.HourCount)
}
