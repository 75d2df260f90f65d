// Package fusion combines the learned classifier output with the enhanced
// vegetation index into a fused mask, a health grade and an approximate
// vegetation type split.
package fusion

import (
	"fmt"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/morphology"
	"github.com/arnvptl/BlueLock/pkg/segmentation"
	"github.com/arnvptl/BlueLock/pkg/vegindex"
)

// Params controls fusion.
type Params struct {
	// ConfidenceThreshold is the confidence a pixel must exceed to be vegetation
	ConfidenceThreshold float64

	// HighConfidence is the probability above which confidence is "high"
	HighConfidence float64

	// KernelSize is the side of the square cleanup kernel
	KernelSize int
}

// DefaultParams returns threshold 0.7, high confidence above 0.8 and a 5x5 kernel.
func DefaultParams() Params {
	return Params{
		ConfidenceThreshold: 0.7,
		HighConfidence:      0.8,
		KernelSize:          morphology.DefaultKernelSize,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if !(p.ConfidenceThreshold > 0 && p.ConfidenceThreshold < 1) {
		return fmt.Errorf("confidence threshold must be in (0, 1), got %v", p.ConfidenceThreshold)
	}
	if !(p.HighConfidence >= 0 && p.HighConfidence <= 1) {
		return fmt.Errorf("high confidence must be in [0, 1], got %v", p.HighConfidence)
	}
	if p.KernelSize < 1 {
		return fmt.Errorf("kernel size must be positive, got %d", p.KernelSize)
	}
	return nil
}

// Result is the fused mask and the classifier-side analysis.
type Result struct {
	Mask     *models.Mask
	Analysis models.ClassifierAnalysis
}

// Fuser is stateless apart from its parameters and safe for concurrent use.
type Fuser struct {
	params Params
}

// NewFuser validates params and returns a fuser.
func NewFuser(params Params) (*Fuser, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fusion parameters: %w", err)
	}
	return &Fuser{params: params}, nil
}

// Fuse builds the fused analysis for img from the classifier probability and
// the enhanced index computed from the same image.
func (f *Fuser) Fuse(img *models.RasterImage, enhanced *models.IndexMap, probability float64) (*Result, error) {
	if img.Width != enhanced.Width || img.Height != enhanced.Height {
		return nil, fmt.Errorf("fuse: raster is %dx%d but index is %dx%d",
			img.Width, img.Height, enhanced.Width, enhanced.Height)
	}

	field := ConfidenceField(probability, enhanced.Width, enhanced.Height)
	mask := segmentation.Threshold(field, f.params.ConfidenceThreshold)

	cleaned, err := morphology.CloseOpen(mask, f.params.KernelSize)
	if err != nil {
		return nil, fmt.Errorf("fuse: cleanup failed: %w", err)
	}

	regions, err := morphology.CountRegions(cleaned)
	if err != nil {
		return nil, fmt.Errorf("fuse: region count failed: %w", err)
	}

	enhancedMean := enhanced.Mean()
	analysis := models.ClassifierAnalysis{
		Available:           true,
		Probability:         probability,
		ConfidenceThreshold: f.params.ConfidenceThreshold,
		EnhancedIndexMean:   enhancedMean,
		EnhancedIndexStd:    enhanced.StdDev(),
		Segmentation:        segmentation.Stats(cleaned, enhanced, regions),
		Health:              f.Health(probability, enhancedMean),
		Types:               VegetationTypes(img),
	}

	return &Result{Mask: cleaned, Analysis: analysis}, nil
}

// Unavailable returns the analysis recorded when no classifier output exists.
// Only the enhanced index statistics are filled in.
func (f *Fuser) Unavailable(enhanced *models.IndexMap) models.ClassifierAnalysis {
	a := models.ClassifierAnalysis{
		ConfidenceThreshold: f.params.ConfidenceThreshold,
		Health: models.HealthAssessment{
			Category:        models.HealthUnavailable,
			ConfidenceLevel: models.HealthUnavailable,
		},
	}
	if enhanced != nil {
		a.EnhancedIndexMean = enhanced.Mean()
		a.EnhancedIndexStd = enhanced.StdDev()
	}
	return a
}

// ConfidenceField broadcasts a scalar probability to a per-pixel field.
// A per-pixel classifier could supply this field directly.
func ConfidenceField(probability float64, width, height int) *models.IndexMap {
	field := models.NewIndexMap(width, height)
	for i := range field.Values {
		field.Values[i] = probability
	}
	return field
}

// Health grades vegetation health as the average of the classifier
// probability and the enhanced index mean.
func (f *Fuser) Health(probability, enhancedMean float64) models.HealthAssessment {
	score := (probability + enhancedMean) / 2

	level := "medium"
	if probability > f.params.HighConfidence {
		level = "high"
	}

	return models.HealthAssessment{
		Score:           score,
		Category:        HealthCategory(score),
		Probability:     probability,
		ConfidenceLevel: level,
	}
}

// HealthCategory buckets a health score. Boundary values fall into the lower bucket.
func HealthCategory(score float64) string {
	switch {
	case score > 0.7:
		return models.HealthExcellent
	case score > 0.5:
		return models.HealthGood
	case score > 0.3:
		return models.HealthFair
	default:
		return models.HealthPoor
	}
}

// VegetationTypes applies ordered channel-ratio rules to the image means.
// The first matching rule wins.
func VegetationTypes(img *models.RasterImage) models.TypeDistribution {
	r, g, b := img.ChannelMeans()
	gr := g / (r + vegindex.Epsilon)
	gb := g / (b + vegindex.Epsilon)

	d := models.TypeDistribution{
		Available:      true,
		Approximate:    true,
		GreenRedRatio:  gr,
		GreenBlueRatio: gb,
	}

	switch {
	case gr > 1.2 && gb > 1.1:
		d.DenseForest, d.SparseVegetation = 0.8, 0.2
	case gr > 1.0:
		d.SparseVegetation, d.Grassland = 0.6, 0.4
	case b > r && b > g:
		d.Water = 0.9
	default:
		d.Grassland, d.SparseVegetation = 0.7, 0.3
	}
	return d
}
