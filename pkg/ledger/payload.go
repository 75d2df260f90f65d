package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arnvptl/BlueLock/internal/models"
)

// DefaultProjectID is used when the flight metadata names no project.
const DefaultProjectID = "DRONE_ANALYSIS"

// Coordinates locate a measurement
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Party identifies a reporter or project owner
type Party struct {
	Address      string `json:"address"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Organization string `json:"organization"`
}

// MeasurementData is the sequestration measurement itself
type MeasurementData struct {
	CO2Sequestered      float64     `json:"co2Sequestered"`
	Unit                string      `json:"unit"`
	MeasurementDate     string      `json:"measurementDate"`
	MeasurementMethod   string      `json:"measurementMethod"`
	MeasurementLocation string      `json:"measurementLocation"`
	Coordinates         Coordinates `json:"coordinates"`
}

// EnvironmentalData carries the vegetation observations behind a measurement
type EnvironmentalData struct {
	VegetationCoverage float64 `json:"vegetation_coverage"`
	VegetationDensity  float64 `json:"vegetation_density"`
	AverageIndex       float64 `json:"average_index"`
	DroneAltitude      float64 `json:"drone_altitude"`
	WeatherConditions  string  `json:"weather_conditions"`
}

// QualityControl describes how trustworthy a measurement is
type QualityControl struct {
	QualityScore     float64 `json:"qualityScore"`
	QualityNotes     string  `json:"qualityNotes"`
	ProcessingMethod string  `json:"processingMethod"`
	ConfidenceLevel  string  `json:"confidenceLevel"`
}

// Attachment references a supporting document
type Attachment struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     int    `json:"size"`
	URL      string `json:"url"`
}

// MRVPayload is a measurement, reporting and verification record.
type MRVPayload struct {
	ProjectID         string            `json:"projectId"`
	MeasurementData   MeasurementData   `json:"measurementData"`
	EnvironmentalData EnvironmentalData `json:"environmentalData"`
	Reporter          Party             `json:"reporter"`
	QualityControl    QualityControl    `json:"qualityControl"`
	Attachments       []Attachment      `json:"attachments"`
	Metadata          map[string]any    `json:"metadata"`
}

// MintRequest asks the ledger to mint credits for a measurement.
type MintRequest struct {
	ProjectID        string         `json:"projectId"`
	RecipientAddress string         `json:"recipientAddress"`
	Amount           float64        `json:"amount"`
	MintReason       string         `json:"mintReason"`
	MRVDataIDs       []string       `json:"mrvDataIds"`
	Metadata         map[string]any `json:"metadata"`
}

// ProjectRegistration registers a monitored area with the ledger.
type ProjectRegistration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Location    string         `json:"location"`
	Area        float64        `json:"area"`
	AreaUnit    string         `json:"areaUnit"`
	ProjectType string         `json:"projectType"`
	Owner       Party          `json:"owner"`
	Coordinates Coordinates    `json:"coordinates"`
	Metadata    map[string]any `json:"metadata"`
}

// BatchUpload submits the results of a batch in one call.
type BatchUpload struct {
	BatchID             string                   `json:"batch_id"`
	TotalAnalyses       int                      `json:"total_analyses"`
	TotalCO2Sequestered float64                  `json:"total_co2_sequestered"`
	Analyses            []*models.AnalysisResult `json:"analyses"`
	Metadata            map[string]any           `json:"metadata"`
}

func reporter(droneID string) Party {
	if droneID == "" {
		droneID = "DRONE_SYSTEM"
	}
	return Party{
		Address:      droneID,
		Name:         "Drone Analysis System",
		Email:        "drone@bluecarbonmrv.com",
		Organization: "Blue Carbon MRV",
	}
}

func coordinates(meta models.FlightMetadata) Coordinates {
	return Coordinates{
		Latitude:  deref(meta.Latitude),
		Longitude: deref(meta.Longitude),
		Altitude:  deref(meta.Altitude),
	}
}

func projectID(meta models.FlightMetadata) string {
	if meta.ProjectID != "" {
		return meta.ProjectID
	}
	return DefaultProjectID
}

func processingMethod(res *models.AnalysisResult) string {
	if res.Classifier.Available {
		return "classifier_fused"
	}
	return "classical"
}

func confidenceLevel(res *models.AnalysisResult) string {
	if res.Classifier.Available {
		return res.Classifier.Health.ConfidenceLevel
	}
	return "medium"
}

// NewMRVPayload builds the MRV record for an analysis.
func NewMRVPayload(res *models.AnalysisResult) MRVPayload {
	meta := res.Metadata
	coords := coordinates(meta)

	weather := meta.WeatherConditions
	if weather == "" {
		weather = "unknown"
	}

	size := 0
	if data, err := json.Marshal(res); err == nil {
		size = len(data)
	}

	return MRVPayload{
		ProjectID: projectID(meta),
		MeasurementData: MeasurementData{
			CO2Sequestered:      res.CO2.CO2Tons,
			Unit:                "tons",
			MeasurementDate:     meta.Timestamp.UTC().Format(time.RFC3339),
			MeasurementMethod:   "drone_analysis",
			MeasurementLocation: fmt.Sprintf("%v, %v", coords.Latitude, coords.Longitude),
			Coordinates:         coords,
		},
		EnvironmentalData: EnvironmentalData{
			VegetationCoverage: res.Vegetation.Coverage,
			VegetationDensity:  res.Vegetation.Density,
			AverageIndex:       res.AverageIndex,
			DroneAltitude:      coords.Altitude,
			WeatherConditions:  weather,
		},
		Reporter: reporter(meta.DroneID),
		QualityControl: QualityControl{
			QualityScore:     res.QualityScore,
			QualityNotes:     "Drone image analysis with vegetation index segmentation",
			ProcessingMethod: processingMethod(res),
			ConfidenceLevel:  confidenceLevel(res),
		},
		Attachments: []Attachment{{
			Filename: "drone_analysis_report.json",
			Type:     "application/json",
			Size:     size,
			URL:      res.VisualizationPath,
		}},
		Metadata: map[string]any{
			"analysis_id":          res.ID,
			"drone_id":             meta.DroneID,
			"camera_model":         meta.CameraModel,
			"image_resolution":     meta.ImageResolution,
			"processing_timestamp": res.ProcessedAt.Format(time.RFC3339),
			"analysis_version":     "1.0",
		},
	}
}

// NewMintRequest builds a mint request for the CO2 of an analysis.
func NewMintRequest(res *models.AnalysisResult, recipient, mrvID string) MintRequest {
	if recipient == "" {
		recipient = reporter(res.Metadata.DroneID).Address
	}
	ids := []string{}
	if mrvID != "" {
		ids = append(ids, mrvID)
	}
	return MintRequest{
		ProjectID:        projectID(res.Metadata),
		RecipientAddress: recipient,
		Amount:           res.CO2.CO2Tons,
		MintReason:       "Drone-based vegetation analysis and CO2 sequestration estimation",
		MRVDataIDs:       ids,
		Metadata: map[string]any{
			"drone_analysis_id":   res.ID,
			"vegetation_coverage": res.Vegetation.Coverage,
			"processing_method":   processingMethod(res),
			"confidence_level":    confidenceLevel(res),
		},
	}
}

// NewProjectRegistration builds a project registration from an analysis.
func NewProjectRegistration(res *models.AnalysisResult, projectType string) ProjectRegistration {
	meta := res.Metadata
	coords := coordinates(meta)
	if projectType == "" {
		projectType = "mangrove"
	}
	droneID := meta.DroneID
	if droneID == "" {
		droneID = "UNKNOWN"
	}

	return ProjectRegistration{
		Name:        "Drone Analysis Project - " + droneID,
		Description: "Automated drone analysis project for vegetation monitoring and CO2 sequestration estimation",
		Location:    fmt.Sprintf("%v, %v", coords.Latitude, coords.Longitude),
		Area:        res.CO2.EffectiveAreaSqm,
		AreaUnit:    "sqm",
		ProjectType: projectType,
		Owner:       reporter(meta.DroneID),
		Coordinates: coords,
		Metadata: map[string]any{
			"drone_id":                   meta.DroneID,
			"analysis_method":            processingMethod(res),
			"vegetation_coverage":        res.Vegetation.Coverage,
			"initial_analysis_timestamp": res.ProcessedAt.Format(time.RFC3339),
		},
	}
}

// NewBatchUpload wraps the results of a batch.
func NewBatchUpload(batch *models.BatchResult, now time.Time) BatchUpload {
	return BatchUpload{
		BatchID:             batch.BatchID,
		TotalAnalyses:       len(batch.Results),
		TotalCO2Sequestered: batch.TotalCO2Tons,
		Analyses:            batch.Results,
		Metadata: map[string]any{
			"batch_processing_timestamp": now.UTC().Format(time.RFC3339),
			"processing_method":          "batch_drone_analysis",
			"images_received":            batch.ImagesReceived,
			"images_failed":              len(batch.Failures),
		},
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
