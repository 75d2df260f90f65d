package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func validMetadata() FlightMetadata {
	return FlightMetadata{
		Latitude:        Float(0),
		Longitude:       Float(0),
		Altitude:        Float(100),
		Timestamp:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		DroneID:         "DRONE_001",
		CameraModel:     "DJI_Phantom_4",
		ImageResolution: Resolution{Width: 1920, Height: 1080},
	}
}

// TestFlightMetadataValidate verifies each required field is checked.
func TestFlightMetadataValidate(t *testing.T) {
	meta := validMetadata()
	if err := meta.Validate(); err != nil {
		t.Fatalf("expected valid metadata, got %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(m *FlightMetadata)
		missing string
	}{
		{"latitude", func(m *FlightMetadata) { m.Latitude = nil }, "latitude"},
		{"longitude", func(m *FlightMetadata) { m.Longitude = nil }, "longitude"},
		{"altitude", func(m *FlightMetadata) { m.Altitude = nil }, "altitude"},
		{"timestamp", func(m *FlightMetadata) { m.Timestamp = time.Time{} }, "timestamp"},
		{"drone", func(m *FlightMetadata) { m.DroneID = "  " }, "drone_id"},
		{"camera", func(m *FlightMetadata) { m.CameraModel = "" }, "camera_model"},
		{"resolution", func(m *FlightMetadata) { m.ImageResolution.Height = 0 }, "image_resolution"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMetadata()
			tt.mutate(&m)

			err := m.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Missing) != 1 || verr.Missing[0] != tt.missing {
				t.Errorf("expected missing [%s], got %v", tt.missing, verr.Missing)
			}
		})
	}
}

// TestFlightMetadataValidateReportsAllFields verifies every missing field is
// listed in order.
func TestFlightMetadataValidateReportsAllFields(t *testing.T) {
	var empty FlightMetadata
	err := empty.Validate()

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != len(RequiredMetadataFields()) {
		t.Errorf("expected %d missing fields, got %v", len(RequiredMetadataFields()), verr.Missing)
	}
}

// TestRasterValidate verifies the dimension and buffer checks.
func TestRasterValidate(t *testing.T) {
	if err := NewRasterImage(4, 3).Validate(); err != nil {
		t.Errorf("expected valid raster, got %v", err)
	}
	if err := NewRasterImage(0, 3).Validate(); err == nil {
		t.Error("expected error for zero width")
	}
	bad := &RasterImage{Width: 2, Height: 2, Pix: make([]uint8, 5)}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for short buffer")
	}
}

// TestChannelMeans verifies per channel means.
func TestChannelMeans(t *testing.T) {
	img := NewRasterImage(2, 1)
	img.Set(0, 0, 10, 100, 200)
	img.Set(1, 0, 30, 200, 0)

	r, g, b := img.ChannelMeans()
	if r != 20 || g != 150 || b != 100 {
		t.Errorf("expected means (20,150,100), got (%v,%v,%v)", r, g, b)
	}
}

// TestIndexMapStats verifies mean, deviation and masked mean.
func TestIndexMapStats(t *testing.T) {
	m := NewIndexMap(2, 2)
	copy(m.Values, []float64{0.2, 0.4, 0.6, 0.8})

	if math.Abs(m.Mean()-0.5) > 1e-12 {
		t.Errorf("expected mean 0.5, got %v", m.Mean())
	}
	expectedStd := math.Sqrt(0.05)
	if math.Abs(m.StdDev()-expectedStd) > 1e-12 {
		t.Errorf("expected std %v, got %v", expectedStd, m.StdDev())
	}

	mask := NewMask(2, 2)
	if got := m.MeanWhere(mask); got != 0 {
		t.Errorf("expected 0 over empty mask, got %v", got)
	}
	mask.Pix[2] = true
	mask.Pix[3] = true
	if got := m.MeanWhere(mask); math.Abs(got-0.7) > 1e-12 {
		t.Errorf("expected 0.7, got %v", got)
	}
	if mask.Count() != 2 {
		t.Errorf("expected count 2, got %d", mask.Count())
	}
}

// TestParseTimestamp verifies the accepted ISO 8601 layouts.
func TestParseTimestamp(t *testing.T) {
	expected := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	for _, v := range []string{"2024-06-01T09:30:00Z", "2024-06-01T09:30:00", "2024-06-01 09:30:00", " 2024-06-01T11:30:00+02:00 "} {
		got, err := ParseTimestamp(v)
		if err != nil {
			t.Errorf("ParseTimestamp(%q) failed: %v", v, err)
			continue
		}
		if !got.Equal(expected) {
			t.Errorf("ParseTimestamp(%q): expected %v, got %v", v, expected, got)
		}
	}
	if _, err := ParseTimestamp("June 1st"); err == nil {
		t.Error("expected error for free-form date")
	}
}

// TestFlightMetadataMerge verifies that set fields win and unset fields are
// filled from the defaults.
func TestFlightMetadataMerge(t *testing.T) {
	defaults := validMetadata()
	defaults.ProjectID = "PROJ_DEFAULT"

	row := FlightMetadata{
		Latitude:        Float(-3.5),
		DroneID:         "DRONE_ROW",
		ImageResolution: Resolution{Width: 640},
	}

	got := row.Merge(defaults)
	if err := got.Validate(); err != nil {
		t.Fatalf("expected merged metadata to be valid, got %v", err)
	}
	if *got.Latitude != -3.5 {
		t.Errorf("expected row latitude -3.5, got %v", *got.Latitude)
	}
	if *got.Altitude != 100 {
		t.Errorf("expected default altitude 100, got %v", *got.Altitude)
	}
	if got.DroneID != "DRONE_ROW" {
		t.Errorf("expected DRONE_ROW, got %s", got.DroneID)
	}
	if got.CameraModel != "DJI_Phantom_4" || got.ProjectID != "PROJ_DEFAULT" {
		t.Errorf("expected default camera and project, got %s and %s", got.CameraModel, got.ProjectID)
	}
	if got.ImageResolution != defaults.ImageResolution {
		t.Errorf("expected default resolution for a partial one, got %+v", got.ImageResolution)
	}
	if row.Altitude != nil {
		t.Error("expected Merge to leave the receiver unchanged")
	}
}
