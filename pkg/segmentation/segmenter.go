// Package segmentation implements the classical threshold-and-cleanup
// vegetation segmenter.
package segmentation

import (
	"fmt"
	"math"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/morphology"
)

// Params controls the classical segmenter.
type Params struct {
	// Threshold is the index value a pixel must exceed to count as vegetation
	Threshold float64

	// MinAreaFraction is the smallest region kept, as a share of all pixels
	MinAreaFraction float64

	// KernelSize is the side of the square cleanup kernel
	KernelSize int
}

// DefaultParams returns threshold 0.3, 1% minimum region and a 5x5 kernel.
func DefaultParams() Params {
	return Params{
		Threshold:       0.3,
		MinAreaFraction: 0.01,
		KernelSize:      morphology.DefaultKernelSize,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if !(p.Threshold > 0 && p.Threshold < 1) {
		return fmt.Errorf("threshold must be in (0, 1), got %v", p.Threshold)
	}
	if !(p.MinAreaFraction >= 0 && p.MinAreaFraction < 1) {
		return fmt.Errorf("minimum area fraction must be in [0, 1), got %v", p.MinAreaFraction)
	}
	if p.KernelSize < 1 {
		return fmt.Errorf("kernel size must be positive, got %d", p.KernelSize)
	}
	return nil
}

// Result is the final classical mask and its statistics.
type Result struct {
	Mask  *models.Mask
	Stats models.VegetationStats
}

// Segmenter is stateless apart from its parameters and safe for concurrent use.
type Segmenter struct {
	params Params
}

// NewSegmenter validates params and returns a segmenter.
func NewSegmenter(params Params) (*Segmenter, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmentation parameters: %w", err)
	}
	return &Segmenter{params: params}, nil
}

// Segment thresholds index, cleans the mask, drops small regions and
// computes statistics. Density is measured against the same index.
func (s *Segmenter) Segment(index *models.IndexMap) (*Result, error) {
	if index == nil || index.Width <= 0 || index.Height <= 0 {
		return nil, fmt.Errorf("segment: empty index map")
	}

	mask := Threshold(index, s.params.Threshold)

	cleaned, err := morphology.CloseOpen(mask, s.params.KernelSize)
	if err != nil {
		return nil, fmt.Errorf("segment: cleanup failed: %w", err)
	}

	total := index.Width * index.Height
	filtered, regions, err := morphology.FilterRegions(cleaned, MinRegionArea(s.params.MinAreaFraction, total))
	if err != nil {
		return nil, fmt.Errorf("segment: region filter failed: %w", err)
	}

	return &Result{
		Mask:  filtered,
		Stats: Stats(filtered, index, regions),
	}, nil
}

// Threshold marks every pixel whose index value is strictly above t.
func Threshold(index *models.IndexMap, t float64) *models.Mask {
	mask := models.NewMask(index.Width, index.Height)
	for i, v := range index.Values {
		mask.Pix[i] = v > t
	}
	return mask
}

// MinRegionArea converts a fraction of totalPixels into the smallest
// integer pixel area that is not below fraction*totalPixels.
func MinRegionArea(fraction float64, totalPixels int) int {
	return int(math.Ceil(fraction*float64(totalPixels) - 1e-6))
}

// Stats summarizes mask. Density is the mean of index over the mask, 0 when
// the mask is empty.
func Stats(mask *models.Mask, index *models.IndexMap, regions int) models.VegetationStats {
	total := mask.Width * mask.Height
	vegetated := mask.Count()

	stats := models.VegetationStats{
		VegetationPixels: vegetated,
		TotalPixels:      total,
		RegionCount:      regions,
	}
	if total > 0 {
		stats.Coverage = float64(vegetated) / float64(total)
	}
	if vegetated > 0 {
		stats.Density = index.MeanWhere(mask)
	}
	return stats
}
