package models

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is an image size in pixels as reported by the camera
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// FlightMetadata describes the drone flight that produced an image.
// Latitude, Longitude and Altitude are pointers so that a missing value can
// be told apart from a legitimate zero.
type FlightMetadata struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`

	// Altitude above ground in meters
	Altitude *float64 `json:"altitude"`

	Timestamp       time.Time  `json:"timestamp"`
	DroneID         string     `json:"drone_id"`
	CameraModel     string     `json:"camera_model"`
	ImageResolution Resolution `json:"image_resolution"`

	// FocalLength in millimeters, camera default when nil
	FocalLength *float64 `json:"focal_length,omitempty"`

	// SensorWidth in millimeters, camera default when nil
	SensorWidth *float64 `json:"sensor_width,omitempty"`

	WeatherConditions string `json:"weather_conditions,omitempty"`
	ProjectID         string `json:"project_id,omitempty"`
}

// ValidationError lists every required metadata field that is absent.
type ValidationError struct {
	Missing []string
}

// Error lists the missing fields.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required metadata: %s", strings.Join(e.Missing, ", "))
}

// Validate returns a *ValidationError when required fields are missing.
func (m *FlightMetadata) Validate() error {
	if m == nil {
		return &ValidationError{Missing: RequiredMetadataFields()}
	}

	var missing []string
	if m.Latitude == nil {
		missing = append(missing, "latitude")
	}
	if m.Longitude == nil {
		missing = append(missing, "longitude")
	}
	if m.Altitude == nil {
		missing = append(missing, "altitude")
	}
	if m.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if strings.TrimSpace(m.DroneID) == "" {
		missing = append(missing, "drone_id")
	}
	if strings.TrimSpace(m.CameraModel) == "" {
		missing = append(missing, "camera_model")
	}
	if m.ImageResolution.Width <= 0 || m.ImageResolution.Height <= 0 {
		missing = append(missing, "image_resolution")
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// Merge returns m with every unset field taken from defaults. A resolution is
// taken as a whole when either of its dimensions is unset.
func (m FlightMetadata) Merge(defaults FlightMetadata) FlightMetadata {
	if m.Latitude == nil {
		m.Latitude = defaults.Latitude
	}
	if m.Longitude == nil {
		m.Longitude = defaults.Longitude
	}
	if m.Altitude == nil {
		m.Altitude = defaults.Altitude
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = defaults.Timestamp
	}
	if strings.TrimSpace(m.DroneID) == "" {
		m.DroneID = defaults.DroneID
	}
	if strings.TrimSpace(m.CameraModel) == "" {
		m.CameraModel = defaults.CameraModel
	}
	if m.ImageResolution.Width <= 0 || m.ImageResolution.Height <= 0 {
		m.ImageResolution = defaults.ImageResolution
	}
	if m.FocalLength == nil {
		m.FocalLength = defaults.FocalLength
	}
	if m.SensorWidth == nil {
		m.SensorWidth = defaults.SensorWidth
	}
	if m.WeatherConditions == "" {
		m.WeatherConditions = defaults.WeatherConditions
	}
	if m.ProjectID == "" {
		m.ProjectID = defaults.ProjectID
	}
	return m
}

// RequiredMetadataFields returns the field names Validate checks, in order.
func RequiredMetadataFields() []string {
	return []string{
		"latitude", "longitude", "altitude", "timestamp",
		"drone_id", "camera_model", "image_resolution",
	}
}

// timestampLayouts are the timestamp formats accepted from clients, most
// specific first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO 8601 timestamp. Values without a zone are UTC.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// Float returns a pointer to v. Handy when building metadata literals.
func Float(v float64) *float64 {
	return &v
}

// VegetationStats summarizes a mask over an image.
type VegetationStats struct {
	// Coverage is the vegetated share of all pixels, in [0, 1]
	Coverage float64 `json:"coverage"`

	// Density is the mean index value over vegetated pixels, 0 when empty
	Density float64 `json:"density"`

	VegetationPixels int `json:"vegetation_pixels"`
	TotalPixels      int `json:"total_pixels"`
	RegionCount      int `json:"region_count"`
}

// CO2Estimate is the carbon sequestration estimate for one image
type CO2Estimate struct {
	CO2Kg             float64 `json:"co2_kg"`
	CO2Tons           float64 `json:"co2_tons"`
	VegetatedAreaSqm  float64 `json:"vegetated_area_sqm"`
	EffectiveAreaSqm  float64 `json:"effective_area_sqm"`
	CoveragePercent   float64 `json:"coverage_percent"`
	DensityScore      float64 `json:"density_score"`
	DensityMultiplier float64 `json:"density_multiplier"`
	CO2PerSqmKg       float64 `json:"co2_per_sqm_kg"`
}

// BiomassEstimate is the power-law biomass estimate for one image
type BiomassEstimate struct {
	BiomassPerSqmKg  float64 `json:"biomass_per_sqm_kg"`
	TotalBiomassKg   float64 `json:"total_biomass_kg"`
	TotalBiomassTons float64 `json:"total_biomass_tons"`
	IndexMean        float64 `json:"index_mean"`
	IndexSource      string  `json:"index_source"`
}

// Health categories
const (
	HealthExcellent   = "Excellent"
	HealthGood        = "Good"
	HealthFair        = "Fair"
	HealthPoor        = "Poor"
	HealthUnavailable = "unavailable"
)

// HealthAssessment grades vegetation health from the classifier output.
type HealthAssessment struct {
	Score           float64 `json:"score"`
	Category        string  `json:"category"`
	Probability     float64 `json:"probability"`
	ConfidenceLevel string  `json:"confidence_level"`
}

// TypeDistribution is an approximate split of the scene into vegetation
// types derived from channel ratios. It is a heuristic, not ground truth.
type TypeDistribution struct {
	Available        bool    `json:"available"`
	DenseForest      float64 `json:"dense_forest"`
	SparseVegetation float64 `json:"sparse_vegetation"`
	Grassland        float64 `json:"grassland"`
	Water            float64 `json:"water"`
	GreenRedRatio    float64 `json:"green_red_ratio"`
	GreenBlueRatio   float64 `json:"green_blue_ratio"`
	Approximate      bool    `json:"approximate"`
}

// ClassifierAnalysis holds everything derived from the learned classifier.
// When Available is false only the enhanced index statistics are filled in.
type ClassifierAnalysis struct {
	Available           bool             `json:"available"`
	Probability         float64          `json:"probability"`
	ConfidenceThreshold float64          `json:"confidence_threshold"`
	EnhancedIndexMean   float64          `json:"enhanced_index_mean"`
	EnhancedIndexStd    float64          `json:"enhanced_index_std"`
	Segmentation        VegetationStats  `json:"segmentation"`
	Health              HealthAssessment `json:"health"`
	Types               TypeDistribution `json:"vegetation_types"`
}

// AnalysisResult is the full outcome of analyzing one image.
// It is built once per image and not modified afterwards.
type AnalysisResult struct {
	ID     string `json:"analysis_id"`
	Source string `json:"source"`

	ImageWidth  int `json:"image_width"`
	ImageHeight int `json:"image_height"`

	// AverageIndex is the mean simple vegetation index over the whole image
	AverageIndex float64 `json:"average_index"`

	Vegetation VegetationStats `json:"vegetation"`

	GroundAreaSqm    float64 `json:"ground_area_sqm"`
	GroundSampleDist float64 `json:"ground_sample_distance_m"`

	CO2        CO2Estimate        `json:"co2"`
	Biomass    BiomassEstimate    `json:"biomass"`
	Classifier ClassifierAnalysis `json:"classifier"`

	QualityScore float64 `json:"quality_score"`

	ProcessedAt time.Time      `json:"processed_at"`
	Metadata    FlightMetadata `json:"metadata"`

	VisualizationPath string `json:"visualization_path,omitempty"`
}

// BatchFailure records an image that could not be analyzed.
type BatchFailure struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
	Error  string `json:"error"`
}

// BatchResult is the ordered outcome of a batch run. Results keep the
// submission order with failed images left out.
type BatchResult struct {
	BatchID        string            `json:"batch_id"`
	Results        []*AnalysisResult `json:"results"`
	Failures       []BatchFailure    `json:"failures"`
	ImagesReceived int               `json:"images_received"`
	TotalCO2Tons   float64           `json:"total_co2_tons"`
	AvgCoverage    float64           `json:"average_coverage"`
}

// ImagesProcessed returns how many images produced a result.
func (b *BatchResult) ImagesProcessed() int {
	return len(b.Results)
}
