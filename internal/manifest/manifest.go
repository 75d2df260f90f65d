// Package manifest reads CSV flight manifests: one row per image with the
// flight metadata it was captured with.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/pipeline"
)

// Column names. image_path is required, the rest map onto FlightMetadata.
const (
	ColImagePath   = "image_path"
	ColLatitude    = "latitude"
	ColLongitude   = "longitude"
	ColAltitude    = "altitude"
	ColTimestamp   = "timestamp"
	ColDroneID     = "drone_id"
	ColCameraModel = "camera_model"
	ColImageWidth  = "image_width"
	ColImageHeight = "image_height"
	ColFocalLength = "focal_length"
	ColSensorWidth = "sensor_width"
	ColWeather     = "weather_conditions"
	ColProjectID   = "project_id"
)

// ErrMissingColumn is returned when the header lacks image_path.
var ErrMissingColumn = errors.New("manifest is missing the image_path column")

// Reader reads a manifest file. Relative image paths are resolved against
// the manifest's directory.
type Reader struct {
	filePath string
}

// NewReader creates a reader for the manifest at filePath.
func NewReader(filePath string) *Reader {
	return &Reader{filePath: filePath}
}

// ReadAll parses every row into a batch item carrying its own metadata.
// Metadata is not validated here; invalid rows fail in the analyzer and are
// reported as batch failures.
func (r *Reader) ReadAll() ([]pipeline.BatchItem, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	return Parse(file, filepath.Dir(r.filePath))
}

// Parse reads manifest rows from src.
func Parse(src io.Reader, baseDir string) ([]pipeline.BatchItem, error) {
	reader := csv.NewReader(src)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}

	colMap := make(map[string]int)
	for i, col := range header {
		colMap[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colMap[ColImagePath]; !ok {
		return nil, ErrMissingColumn
	}

	var items []pipeline.BatchItem
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		item, err := parseRow(row, colMap, baseDir)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func parseRow(row []string, colMap map[string]int, baseDir string) (pipeline.BatchItem, error) {
	get := func(col string) string {
		if i, ok := colMap[col]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	path := get(ColImagePath)
	if path == "" {
		return pipeline.BatchItem{}, fmt.Errorf("empty %s", ColImagePath)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	var parseErr error
	float := func(col string) *float64 {
		v := get(col)
		if v == "" || parseErr != nil {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErr = fmt.Errorf("invalid %s: %w", col, err)
			return nil
		}
		return &f
	}
	integer := func(col string) int {
		v := get(col)
		if v == "" || parseErr != nil {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErr = fmt.Errorf("invalid %s: %w", col, err)
			return 0
		}
		return n
	}

	meta := models.FlightMetadata{
		Latitude:          float(ColLatitude),
		Longitude:         float(ColLongitude),
		Altitude:          float(ColAltitude),
		FocalLength:       float(ColFocalLength),
		SensorWidth:       float(ColSensorWidth),
		DroneID:           get(ColDroneID),
		CameraModel:       get(ColCameraModel),
		WeatherConditions: get(ColWeather),
		ProjectID:         get(ColProjectID),
		ImageResolution: models.Resolution{
			Width:  integer(ColImageWidth),
			Height: integer(ColImageHeight),
		},
	}
	if ts := get(ColTimestamp); ts != "" && parseErr == nil {
		meta.Timestamp, parseErr = models.ParseTimestamp(ts)
	}
	if parseErr != nil {
		return pipeline.BatchItem{}, parseErr
	}

	return pipeline.BatchItem{Source: path, Metadata: &meta}, nil
}
