package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/bootstrap"
	"github.com/arnvptl/BlueLock/internal/manifest"
	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/config"
	"github.com/arnvptl/BlueLock/pkg/pipeline"
	"github.com/arnvptl/BlueLock/pkg/raster"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	envFile := flag.String("env", ".env", "Optional .env file with BLUELOCK_* overrides")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	debugMode := flag.Bool("debug", false, "Enable debug mode with verbose logging")

	imagePath := flag.String("image", "", "Analyze a single image")
	inputDir := flag.String("dir", "", "Analyze every supported image in a directory as one batch")
	manifestPath := flag.String("manifest", "", "Analyze the images listed in a CSV manifest")
	outputPath := flag.String("output", "", "Write the JSON result to this file instead of stdout")
	numCores := flag.Int("workers", 0, "Number of images analyzed concurrently (default: config or all CPUs)")
	saveVisuals := flag.Bool("save-visualization", false, "Render a visualization panel for every image")
	submit := flag.Bool("submit", false, "Submit results to the ledger")
	publishResults := flag.Bool("publish", false, "Publish results to Kafka")

	flight := registerFlightFlags(flag.CommandLine)
	batchID := flag.String("batch-id", "", "Batch identifier (default: random)")
	flag.Parse()

	logger := bootstrap.InitLogger(*debugMode)

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			logger.WithError(err).Fatal("Failed to write default configuration")
		}
		logger.WithField("path", *configPath).Info("Default configuration written")
		return
	}

	modes := 0
	for _, v := range []string{*imagePath, *inputDir, *manifestPath} {
		if v != "" {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -image, -dir or -manifest is required")
		flag.Usage()
		os.Exit(1)
	}

	if err := config.LoadEnvFiles(*envFile); err != nil {
		logger.WithError(err).Fatal("Failed to load environment file")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if *numCores > 0 {
		cfg.Processing.NumWorkers = *numCores
	}
	if *saveVisuals {
		cfg.Output.SaveProcessedImages = true
	}
	if *submit {
		cfg.Ledger.Enabled = true
	}
	if *publishResults {
		cfg.Publish.Enabled = true
	}
	if cfg.Output.Verbose && !*debugMode {
		logger.SetLevel(logrus.DebugLevel)
	}

	logger.WithFields(logrus.Fields{
		"workers":    cfg.Processing.NumWorkers,
		"cpus":       runtime.NumCPU(),
		"classifier": cfg.Classifier.Enabled,
		"ledger":     cfg.Ledger.Enabled,
	}).Info("Starting vegetation analysis")

	analyzer, err := bootstrap.Analyzer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create analyzer")
	}
	ledgerClient := bootstrap.Ledger(cfg, logger)
	publisher, err := bootstrap.Publisher(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create publisher")
	}
	defer publisher.Close()

	ctx := context.Background()
	startTime := time.Now()

	var output any
	var results []*models.AnalysisResult

	switch {
	case *imagePath != "":
		meta, err := flight.metadata(setFlags(flag.CommandLine), time.Now().UTC())
		if err != nil {
			logger.WithError(err).Fatal("Invalid flight metadata")
		}

		res, err := analyzer.AnalyzeFile(*imagePath, meta)
		if err != nil {
			logger.WithError(err).Fatal("Analysis failed")
		}
		results = append(results, res)
		output = res

	default:
		req := pipeline.BatchRequest{BatchID: *batchID, DroneID: flight.droneID, ProjectID: flight.projectID}
		if *inputDir != "" {
			req.Items, err = directoryItems(*inputDir)
		} else {
			req.Items, err = manifest.NewReader(*manifestPath).ReadAll()
		}
		if err != nil {
			logger.WithError(err).Fatal("Failed to collect images")
		}

		batch, err := analyzer.AnalyzeBatch(req)
		if err != nil {
			logger.WithError(err).Fatal("Batch analysis failed")
		}
		results = batch.Results
		output = batch

		if ledgerClient != nil {
			if _, err := ledgerClient.SubmitBatch(ctx, batch); err != nil {
				logger.WithError(err).Warn("Batch upload to ledger failed")
			}
			ledgerClient = nil
		}
	}

	for _, res := range results {
		if ledgerClient != nil {
			if _, err := ledgerClient.SubmitMRV(ctx, res); err != nil {
				logger.WithField("analysis_id", res.ID).WithError(err).Warn("MRV upload failed")
			}
		}
		if err := publisher.Publish(res); err != nil {
			logger.WithField("analysis_id", res.ID).WithError(err).Warn("Failed to publish result")
		}
	}

	if err := writeJSON(*outputPath, output); err != nil {
		logger.WithError(err).Fatal("Failed to write result")
	}

	logger.WithFields(logrus.Fields{
		"images":   len(results),
		"duration": time.Since(startTime).Round(time.Millisecond).String(),
	}).Info("Analysis completed")
}

// flightFlags holds the flight metadata given on the command line.
type flightFlags struct {
	lat, lon, alt float64
	focal, sensor float64
	width, height int
	timestamp     string
	droneID       string
	camera        string
	projectID     string
}

func registerFlightFlags(fs *flag.FlagSet) *flightFlags {
	f := &flightFlags{}
	fs.Float64Var(&f.lat, "lat", 0, "Latitude of the flight")
	fs.Float64Var(&f.lon, "lon", 0, "Longitude of the flight")
	fs.Float64Var(&f.alt, "alt", 0, "Altitude above ground in meters")
	fs.StringVar(&f.timestamp, "timestamp", "", "Capture time, ISO 8601 (default: now)")
	fs.StringVar(&f.droneID, "drone", "", "Drone identifier")
	fs.StringVar(&f.camera, "camera", "", "Camera model")
	fs.IntVar(&f.width, "width", 0, "Image width reported by the camera")
	fs.IntVar(&f.height, "height", 0, "Image height reported by the camera")
	fs.Float64Var(&f.focal, "focal", 0, "Focal length in mm (default: config camera)")
	fs.Float64Var(&f.sensor, "sensor", 0, "Sensor width in mm (default: config camera)")
	fs.StringVar(&f.projectID, "project", "", "Project identifier")
	return f
}

// setFlags returns the names of the flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// metadata builds single image metadata. Coordinates and altitude stay nil
// unless their flag was given, so leaving one out fails validation instead
// of reading as zero.
func (f *flightFlags) metadata(set map[string]bool, now time.Time) (models.FlightMetadata, error) {
	meta := models.FlightMetadata{
		Timestamp:       now,
		DroneID:         f.droneID,
		CameraModel:     f.camera,
		ImageResolution: models.Resolution{Width: f.width, Height: f.height},
		ProjectID:       f.projectID,
	}
	if set["lat"] {
		meta.Latitude = models.Float(f.lat)
	}
	if set["lon"] {
		meta.Longitude = models.Float(f.lon)
	}
	if set["alt"] {
		meta.Altitude = models.Float(f.alt)
	}
	if f.focal > 0 {
		meta.FocalLength = models.Float(f.focal)
	}
	if f.sensor > 0 {
		meta.SensorWidth = models.Float(f.sensor)
	}
	if f.timestamp != "" {
		ts, err := models.ParseTimestamp(f.timestamp)
		if err != nil {
			return meta, fmt.Errorf("invalid -timestamp: %w", err)
		}
		meta.Timestamp = ts
	}
	return meta, nil
}

// directoryItems lists the supported images in dir in name order.
func directoryItems(dir string) ([]pipeline.BatchItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && raster.IsSupported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no supported images in %s", dir)
	}

	items := make([]pipeline.BatchItem, len(names))
	for i, name := range names {
		items[i] = pipeline.BatchItem{Source: filepath.Join(dir, name)}
	}
	return items, nil
}

func writeJSON(path string, v any) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
