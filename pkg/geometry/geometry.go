// Package geometry converts drone flight geometry into ground coverage.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned when a physical input is not strictly positive.
var ErrInvalidGeometry = errors.New("invalid flight geometry")

// Footprint is the ground area imaged by one photograph
type Footprint struct {
	// GSD is the ground sample distance in meters per pixel
	GSD float64

	// AreaSqm is the imaged ground area in square meters
	AreaSqm float64
}

// GroundArea computes the ground footprint of an image.
//
//	GSD  = (sensorWidth * altitude) / (focalLength * width)
//	area = (GSD * width) * (GSD * height)
//
// altitude is in meters, focalLength and sensorWidth in millimeters.
func GroundArea(altitude, focalLength, sensorWidth float64, width, height int) (Footprint, error) {
	inputs := []struct {
		name  string
		value float64
	}{
		{"altitude", altitude},
		{"focal length", focalLength},
		{"sensor width", sensorWidth},
		{"image width", float64(width)},
		{"image height", float64(height)},
	}
	for _, in := range inputs {
		if !(in.value > 0) || math.IsInf(in.value, 0) {
			return Footprint{}, fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidGeometry, in.name, in.value)
		}
	}

	gsd := (sensorWidth * altitude) / (focalLength * float64(width))
	return Footprint{
		GSD:     gsd,
		AreaSqm: (gsd * float64(width)) * (gsd * float64(height)),
	}, nil
}
