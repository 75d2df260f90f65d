package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arnvptl/BlueLock/internal/models"
)

// parseMetadata reads flight metadata from multipart form fields. Absent
// fields stay empty so that Validate can report them; malformed values are
// an error.
func parseMetadata(c *gin.Context) (models.FlightMetadata, error) {
	var meta models.FlightMetadata
	var errs []string

	float := func(field string) *float64 {
		v := strings.TrimSpace(c.PostForm(field))
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be a number", field))
			return nil
		}
		return &f
	}
	integer := func(field string) int {
		v := strings.TrimSpace(c.PostForm(field))
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer", field))
			return 0
		}
		return n
	}

	meta.Latitude = float("latitude")
	meta.Longitude = float("longitude")
	meta.Altitude = float("altitude")
	meta.FocalLength = float("focal_length")
	meta.SensorWidth = float("sensor_width")
	meta.ImageResolution.Width = integer("image_width")
	meta.ImageResolution.Height = integer("image_height")

	if ts := strings.TrimSpace(c.PostForm("timestamp")); ts != "" {
		parsed, err := models.ParseTimestamp(ts)
		if err != nil {
			errs = append(errs, "timestamp must be ISO 8601")
		}
		meta.Timestamp = parsed
	}

	meta.DroneID = strings.TrimSpace(c.PostForm("drone_id"))
	meta.CameraModel = strings.TrimSpace(c.PostForm("camera_model"))
	meta.WeatherConditions = strings.TrimSpace(c.PostForm("weather_conditions"))
	meta.ProjectID = strings.TrimSpace(c.PostForm("project_id"))

	if len(errs) > 0 {
		return meta, fmt.Errorf("invalid metadata: %s", strings.Join(errs, "; "))
	}
	return meta, nil
}
