// Package vegindex computes per-pixel vegetation indices from RGB rasters.
//
// Both indices are normalized band differences remapped from [-1, 1] to
// [0, 1]. A small epsilon is always added to the denominator so that black
// pixels produce 0.5 instead of NaN.
package vegindex

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/arnvptl/BlueLock/internal/models"
)

// Epsilon is added to every ratio denominator.
const Epsilon = 1e-8

const (
	blurKernel = 3
	blurSigma  = 1.0
)

// Simple computes ((g-r)/(g+r+ε) + 1) / 2 for every pixel.
func Simple(img *models.RasterImage) (*models.IndexMap, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("simple index: %w", err)
	}

	out := models.NewIndexMap(img.Width, img.Height)
	for i := range out.Values {
		r := float64(img.Pix[i*3])
		g := float64(img.Pix[i*3+1])
		out.Values[i] = remap(ratio(g, r))
	}
	return out, nil
}

// Enhanced averages the green/red and green/blue normalized differences,
// remaps to [0, 1] and smooths the result with a 3x3 Gaussian (σ = 1).
func Enhanced(img *models.RasterImage) (*models.IndexMap, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("enhanced index: %w", err)
	}

	raw := make([]float64, img.PixelCount())
	for i := range raw {
		r := float64(img.Pix[i*3])
		g := float64(img.Pix[i*3+1])
		b := float64(img.Pix[i*3+2])
		raw[i] = remap((ratio(g, r) + ratio(g, b)) / 2)
	}

	smoothed, err := gaussianSmooth(raw, img.Width, img.Height)
	if err != nil {
		return nil, fmt.Errorf("enhanced index: %w", err)
	}

	return &models.IndexMap{Width: img.Width, Height: img.Height, Values: smoothed}, nil
}

// gaussianSmooth blurs a row-major float grid with reflect-101 borders.
func gaussianSmooth(values []float64, width, height int) ([]float64, error) {
	src := gocv.NewMatWithSize(height, width, gocv.MatTypeCV64F)
	defer src.Close()

	buf, err := src.DataPtrFloat64()
	if err != nil {
		return nil, fmt.Errorf("failed to access source matrix: %w", err)
	}
	copy(buf, values)

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.GaussianBlur(src, &dst, image.Pt(blurKernel, blurKernel), blurSigma, blurSigma, gocv.BorderReflect101)

	blurred, err := dst.DataPtrFloat64()
	if err != nil {
		return nil, fmt.Errorf("failed to access blurred matrix: %w", err)
	}

	out := make([]float64, len(values))
	copy(out, blurred)
	return out, nil
}

func ratio(a, b float64) float64 {
	return (a - b) / (a + b + Epsilon)
}

func remap(v float64) float64 {
	return (v + 1) / 2
}
