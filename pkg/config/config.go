// Package config provides configuration loading and management for BlueLock.
// It handles loading configuration from YAML files, applies environment
// overrides and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arnvptl/BlueLock/pkg/estimation"
	"github.com/arnvptl/BlueLock/pkg/fusion"
	"github.com/arnvptl/BlueLock/pkg/segmentation"
)

// Biomass index sources
const (
	BiomassIndexSimple   = "simple"
	BiomassIndexEnhanced = "enhanced"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is the number of images analyzed concurrently in a batch
		NumWorkers int `yaml:"numWorkers"`

		// ResizeWidth and ResizeHeight bound the analysis size. Images are
		// scaled to fit while keeping their aspect ratio. 0 disables resizing.
		ResizeWidth  int `yaml:"resizeWidth"`
		ResizeHeight int `yaml:"resizeHeight"`
	} `yaml:"processing"`

	// Classical segmentation parameters
	Vegetation struct {
		// IndexThreshold is the index value a pixel must exceed to count as vegetation
		IndexThreshold float64 `yaml:"indexThreshold"`

		// MinAreaFraction is the smallest region kept, as a share of the image
		MinAreaFraction float64 `yaml:"minAreaFraction"`

		// KernelSize is the side of the square morphology kernel
		KernelSize int `yaml:"kernelSize"`
	} `yaml:"vegetation"`

	// Learned classifier parameters
	Classifier struct {
		// Enabled turns the classifier on. When off every result is classical only.
		Enabled bool `yaml:"enabled"`

		// ModelURL is the base URL of the model server
		ModelURL string `yaml:"modelURL"`

		// InputSize is the square input size of the model
		InputSize int `yaml:"inputSize"`

		TimeoutSeconds int `yaml:"timeoutSeconds"`

		// ConfidenceThreshold is the probability a pixel must exceed in the fused mask
		ConfidenceThreshold float64 `yaml:"confidenceThreshold"`

		// HighConfidence is the probability above which confidence is reported as high
		HighConfidence float64 `yaml:"highConfidence"`
	} `yaml:"classifier"`

	// Estimation coefficients
	Estimation struct {
		// CO2PerSqm is kg of CO2 per square meter of effective vegetation
		CO2PerSqm float64 `yaml:"co2PerSqm"`

		DensityMultiplier  float64 `yaml:"densityMultiplier"`
		BiomassCoefficient float64 `yaml:"biomassCoefficient"`
		BiomassExponent    float64 `yaml:"biomassExponent"`

		// BiomassIndex selects the index whose mean feeds the biomass model
		BiomassIndex string `yaml:"biomassIndex"`
	} `yaml:"estimation"`

	// Camera defaults used when flight metadata does not carry them
	Camera struct {
		// FocalLength in millimeters
		FocalLength float64 `yaml:"focalLength"`

		// SensorWidth in millimeters
		SensorWidth float64 `yaml:"sensorWidth"`
	} `yaml:"camera"`

	// BatchDefaults fills the flight metadata of every image in a batch
	BatchDefaults struct {
		Latitude    float64 `yaml:"latitude"`
		Longitude   float64 `yaml:"longitude"`
		Altitude    float64 `yaml:"altitude"`
		DroneID     string  `yaml:"droneID"`
		CameraModel string  `yaml:"cameraModel"`
		ImageWidth  int     `yaml:"imageWidth"`
		ImageHeight int     `yaml:"imageHeight"`
	} `yaml:"batchDefaults"`

	// Output parameters
	Output struct {
		// SaveProcessedImages renders a visualization panel for every analysis
		SaveProcessedImages bool `yaml:"saveProcessedImages"`

		// ProcessedDir is where visualization panels are written
		ProcessedDir string `yaml:"processedDir"`

		// UploadDir is where the server stores uploaded images
		UploadDir string `yaml:"uploadDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Ledger (MRV / carbon credit) service
	Ledger struct {
		Enabled           bool   `yaml:"enabled"`
		BaseURL           string `yaml:"baseURL"`
		APIKey            string `yaml:"apiKey"`
		MaxRetries        int    `yaml:"maxRetries"`
		RetryDelaySeconds int    `yaml:"retryDelaySeconds"`
		TimeoutSeconds    int    `yaml:"timeoutSeconds"`

		// OutboxSchedule is the cron spec for resubmitting failed uploads
		OutboxSchedule string `yaml:"outboxSchedule"`
	} `yaml:"ledger"`

	// Publish sends analysis results to Kafka
	Publish struct {
		Enabled          bool   `yaml:"enabled"`
		BootstrapServers string `yaml:"bootstrapServers"`
		Topic            string `yaml:"topic"`
		ClientID         string `yaml:"clientID"`
	} `yaml:"publish"`

	// HTTP server parameters
	Server struct {
		Address            string `yaml:"address"`
		MaxUploadMB        int    `yaml:"maxUploadMB"`
		RateLimitPerMinute int    `yaml:"rateLimitPerMinute"`
		RateBurst          int    `yaml:"rateBurst"`
	} `yaml:"server"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.ResizeWidth = 1024
	cfg.Processing.ResizeHeight = 1024

	seg := segmentation.DefaultParams()
	cfg.Vegetation.IndexThreshold = seg.Threshold
	cfg.Vegetation.MinAreaFraction = seg.MinAreaFraction
	cfg.Vegetation.KernelSize = seg.KernelSize

	fus := fusion.DefaultParams()
	cfg.Classifier.Enabled = false
	cfg.Classifier.ModelURL = "http://localhost:8501"
	cfg.Classifier.InputSize = 224
	cfg.Classifier.TimeoutSeconds = 30
	cfg.Classifier.ConfidenceThreshold = fus.ConfidenceThreshold
	cfg.Classifier.HighConfidence = fus.HighConfidence

	est := estimation.DefaultParams()
	cfg.Estimation.CO2PerSqm = est.CO2PerSqm
	cfg.Estimation.DensityMultiplier = est.DensityMultiplier
	cfg.Estimation.BiomassCoefficient = est.BiomassCoefficient
	cfg.Estimation.BiomassExponent = est.BiomassExponent
	cfg.Estimation.BiomassIndex = BiomassIndexSimple

	cfg.Camera.FocalLength = 35
	cfg.Camera.SensorWidth = 23.5

	cfg.BatchDefaults.Latitude = 0
	cfg.BatchDefaults.Longitude = 0
	cfg.BatchDefaults.Altitude = 100
	cfg.BatchDefaults.DroneID = "BATCH_DRONE"
	cfg.BatchDefaults.CameraModel = "batch_camera"
	cfg.BatchDefaults.ImageWidth = 1920
	cfg.BatchDefaults.ImageHeight = 1080

	cfg.Output.SaveProcessedImages = false
	cfg.Output.ProcessedDir = "processed_images"
	cfg.Output.UploadDir = "uploads"
	cfg.Output.Verbose = false

	cfg.Ledger.Enabled = false
	cfg.Ledger.BaseURL = "http://localhost:3000/api"
	cfg.Ledger.MaxRetries = 3
	cfg.Ledger.RetryDelaySeconds = 5
	cfg.Ledger.TimeoutSeconds = 30
	cfg.Ledger.OutboxSchedule = "*/5 * * * *"

	cfg.Publish.Enabled = false
	cfg.Publish.BootstrapServers = "localhost:9092"
	cfg.Publish.Topic = "drone-analysis-results"
	cfg.Publish.ClientID = "bluelock"

	cfg.Server.Address = ":5000"
	cfg.Server.MaxUploadMB = 16
	cfg.Server.RateLimitPerMinute = 60
	cfg.Server.RateBurst = 10

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored; variables already set are not overwritten.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("error loading env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration values from BLUELOCK_* environment variables.
func (c *Config) ApplyEnv() error {
	var errs []string
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setInt("BLUELOCK_NUM_WORKERS", &c.Processing.NumWorkers)
	setFloat("BLUELOCK_INDEX_THRESHOLD", &c.Vegetation.IndexThreshold)
	setFloat("BLUELOCK_MIN_AREA_FRACTION", &c.Vegetation.MinAreaFraction)
	setBool("BLUELOCK_CLASSIFIER_ENABLED", &c.Classifier.Enabled)
	setString("BLUELOCK_MODEL_URL", &c.Classifier.ModelURL)
	setFloat("BLUELOCK_CONFIDENCE_THRESHOLD", &c.Classifier.ConfidenceThreshold)
	setFloat("BLUELOCK_CO2_PER_SQM", &c.Estimation.CO2PerSqm)
	setFloat("BLUELOCK_DENSITY_MULTIPLIER", &c.Estimation.DensityMultiplier)
	setBool("BLUELOCK_SAVE_PROCESSED_IMAGES", &c.Output.SaveProcessedImages)
	setString("BLUELOCK_PROCESSED_DIR", &c.Output.ProcessedDir)
	setString("BLUELOCK_UPLOAD_DIR", &c.Output.UploadDir)
	setBool("BLUELOCK_LEDGER_ENABLED", &c.Ledger.Enabled)
	setString("BLUELOCK_LEDGER_URL", &c.Ledger.BaseURL)
	setString("BLUELOCK_LEDGER_API_KEY", &c.Ledger.APIKey)
	setInt("BLUELOCK_LEDGER_MAX_RETRIES", &c.Ledger.MaxRetries)
	setBool("BLUELOCK_PUBLISH_ENABLED", &c.Publish.Enabled)
	setString("BLUELOCK_KAFKA_BOOTSTRAP_SERVERS", &c.Publish.BootstrapServers)
	setString("BLUELOCK_KAFKA_TOPIC", &c.Publish.Topic)
	setString("BLUELOCK_SERVER_ADDRESS", &c.Server.Address)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks value ranges across all sections.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if c.Processing.ResizeWidth < 0 || c.Processing.ResizeHeight < 0 {
		return fmt.Errorf("processing resize bounds must not be negative")
	}
	if err := c.SegmentationParams().Validate(); err != nil {
		return fmt.Errorf("vegetation: %w", err)
	}
	if err := c.FusionParams().Validate(); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if c.Estimation.CO2PerSqm <= 0 || c.Estimation.DensityMultiplier <= 0 || c.Estimation.BiomassCoefficient <= 0 {
		return fmt.Errorf("estimation co2PerSqm, densityMultiplier and biomassCoefficient must be positive")
	}
	if c.Estimation.BiomassIndex != BiomassIndexSimple && c.Estimation.BiomassIndex != BiomassIndexEnhanced {
		return fmt.Errorf("estimation.biomassIndex must be %q or %q, got %q",
			BiomassIndexSimple, BiomassIndexEnhanced, c.Estimation.BiomassIndex)
	}
	if c.Camera.FocalLength <= 0 || c.Camera.SensorWidth <= 0 {
		return fmt.Errorf("camera focal length and sensor width must be positive")
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger.maxRetries must not be negative")
	}
	return nil
}

// SegmentationParams returns the classical segmenter parameters.
func (c *Config) SegmentationParams() segmentation.Params {
	return segmentation.Params{
		Threshold:       c.Vegetation.IndexThreshold,
		MinAreaFraction: c.Vegetation.MinAreaFraction,
		KernelSize:      c.Vegetation.KernelSize,
	}
}

// FusionParams returns the classifier fusion parameters.
func (c *Config) FusionParams() fusion.Params {
	return fusion.Params{
		ConfidenceThreshold: c.Classifier.ConfidenceThreshold,
		HighConfidence:      c.Classifier.HighConfidence,
		KernelSize:          c.Vegetation.KernelSize,
	}
}

// EstimationParams returns the CO2 and biomass coefficients.
func (c *Config) EstimationParams() estimation.Params {
	return estimation.Params{
		CO2PerSqm:          c.Estimation.CO2PerSqm,
		DensityMultiplier:  c.Estimation.DensityMultiplier,
		BiomassCoefficient: c.Estimation.BiomassCoefficient,
		BiomassExponent:    c.Estimation.BiomassExponent,
	}
}

// ClassifierTimeout returns the model request timeout.
func (c *Config) ClassifierTimeout() time.Duration {
	return time.Duration(c.Classifier.TimeoutSeconds) * time.Second
}

// LedgerRetryDelay returns the base delay between ledger retries.
func (c *Config) LedgerRetryDelay() time.Duration {
	return time.Duration(c.Ledger.RetryDelaySeconds) * time.Second
}

// LedgerTimeout returns the per-request ledger timeout.
func (c *Config) LedgerTimeout() time.Duration {
	return time.Duration(c.Ledger.TimeoutSeconds) * time.Second
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
