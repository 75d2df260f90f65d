// Package pipeline runs the per-image analysis state machine and the batch
// worker pool on top of the numeric packages.
package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/classifier"
	"github.com/arnvptl/BlueLock/pkg/config"
	"github.com/arnvptl/BlueLock/pkg/estimation"
	"github.com/arnvptl/BlueLock/pkg/fusion"
	"github.com/arnvptl/BlueLock/pkg/geometry"
	"github.com/arnvptl/BlueLock/pkg/raster"
	"github.com/arnvptl/BlueLock/pkg/segmentation"
	"github.com/arnvptl/BlueLock/pkg/vegindex"
)

// Stage is a step of the per-image analysis. Stages run strictly in order.
type Stage int

const (
	StageLoaded Stage = iota
	StageIndexComputed
	StageSegmented
	StageClassified
	StageEstimated
	StageFinished
)

// String returns the lower case stage name used in logs.
func (s Stage) String() string {
	switch s {
	case StageLoaded:
		return "loaded"
	case StageIndexComputed:
		return "index_computed"
	case StageSegmented:
		return "segmented"
	case StageClassified:
		return "classified"
	case StageEstimated:
		return "estimated"
	case StageFinished:
		return "finished"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError reports the stage at which an image was aborted.
type StageError struct {
	Stage  Stage
	Source string
	Err    error
}

// Error names the source and the failed stage.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s stage failed: %v", e.Source, e.Stage, e.Err)
}

// Unwrap returns the underlying component error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Renderer writes a human-readable rendering of an analysis and returns its path.
type Renderer interface {
	Render(name string, img *models.RasterImage, index *models.IndexMap, mask *models.Mask) (string, error)
}

// Analyzer owns the configured components and the classifier.
//
// The analysis of a single image follows these stages:
// 1. Loaded: decode, validate and resize the raster
// 2. IndexComputed: simple and enhanced vegetation indices
// 3. Segmented: classical threshold, cleanup and region filter
// 4. Classified: classifier probability and fusion, or the classical fallback
// 5. Estimated: ground footprint, CO2 and biomass
// 6. Finished: quality score and optional visualization
type Analyzer struct {
	cfg *config.Config

	segmenter  *segmentation.Segmenter
	fuser      *fusion.Fuser
	estimator  *estimation.Estimator
	classifier *classifier.Guarded
	renderer   Renderer

	logger logrus.FieldLogger
	now    func() time.Time
}

// NewAnalyzer builds an analyzer from configuration. clf may be nil, in
// which case every result is classical only.
func NewAnalyzer(cfg *config.Config, clf classifier.Classifier, logger logrus.FieldLogger) (*Analyzer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	segmenter, err := segmentation.NewSegmenter(cfg.SegmentationParams())
	if err != nil {
		return nil, err
	}

	fuser, err := fusion.NewFuser(cfg.FusionParams())
	if err != nil {
		return nil, err
	}

	a := &Analyzer{
		cfg:       cfg,
		segmenter: segmenter,
		fuser:     fuser,
		estimator: estimation.NewEstimator(cfg.EstimationParams()),
		logger:    logger,
		now:       time.Now,
	}
	if clf != nil {
		a.classifier = classifier.NewGuarded(clf)
	}
	return a, nil
}

// SetRenderer enables visualization output for every analysis.
func (a *Analyzer) SetRenderer(r Renderer) {
	a.renderer = r
}

// ClassifierAvailable reports whether the classifier initialized. The first
// call triggers initialization.
func (a *Analyzer) ClassifierAvailable() bool {
	return a.classifier != nil && a.classifier.Available()
}

// AnalyzeFile loads an image from disk and analyzes it.
func (a *Analyzer) AnalyzeFile(path string, meta models.FlightMetadata) (*models.AnalysisResult, error) {
	name := filepath.Base(path)
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	img, err := raster.LoadFile(path)
	if err != nil {
		return nil, &StageError{Stage: StageLoaded, Source: name, Err: err}
	}
	return a.analyze(name, img, meta)
}

// AnalyzeBytes decodes an in-memory image and analyzes it.
func (a *Analyzer) AnalyzeBytes(name string, data []byte, meta models.FlightMetadata) (*models.AnalysisResult, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	img, err := raster.Decode(data)
	if err != nil {
		return nil, &StageError{Stage: StageLoaded, Source: name, Err: err}
	}
	return a.analyze(name, img, meta)
}

// AnalyzeRaster analyzes an already decoded raster.
func (a *Analyzer) AnalyzeRaster(name string, img *models.RasterImage, meta models.FlightMetadata) (*models.AnalysisResult, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := img.Validate(); err != nil {
		return nil, &StageError{Stage: StageLoaded, Source: name, Err: fmt.Errorf("%w: %v", raster.ErrImageLoad, err)}
	}
	return a.analyze(name, img, meta)
}

func (a *Analyzer) analyze(name string, img *models.RasterImage, meta models.FlightMetadata) (*models.AnalysisResult, error) {
	id := uuid.NewString()
	log := a.logger.WithFields(logrus.Fields{"source": name, "analysis_id": id})
	fail := func(stage Stage, err error) (*models.AnalysisResult, error) {
		log.WithField("stage", stage.String()).WithError(err).Warn("analysis aborted")
		return nil, &StageError{Stage: stage, Source: name, Err: err}
	}

	// Stage 1: loaded
	if a.cfg.Processing.ResizeWidth > 0 && a.cfg.Processing.ResizeHeight > 0 {
		img = raster.Fit(img, a.cfg.Processing.ResizeWidth, a.cfg.Processing.ResizeHeight)
	}
	log.WithFields(logrus.Fields{"stage": StageLoaded.String(), "width": img.Width, "height": img.Height}).Debug("image loaded")

	// Stage 2: indices
	simple, err := vegindex.Simple(img)
	if err != nil {
		return fail(StageIndexComputed, err)
	}
	enhanced, err := vegindex.Enhanced(img)
	if err != nil {
		return fail(StageIndexComputed, err)
	}
	log.WithField("stage", StageIndexComputed.String()).Debug("vegetation indices computed")

	// Stage 3: classical segmentation
	seg, err := a.segmenter.Segment(simple)
	if err != nil {
		return fail(StageSegmented, err)
	}
	log.WithFields(logrus.Fields{
		"stage":    StageSegmented.String(),
		"coverage": seg.Stats.Coverage,
		"regions":  seg.Stats.RegionCount,
	}).Debug("classical segmentation done")

	// Stage 4: classifier fusion with classical fallback
	analysis, err := a.classify(img, enhanced, log)
	if err != nil {
		return fail(StageClassified, err)
	}

	// Stage 5: estimation
	footprint, err := geometry.GroundArea(
		*meta.Altitude,
		valueOr(meta.FocalLength, a.cfg.Camera.FocalLength),
		valueOr(meta.SensorWidth, a.cfg.Camera.SensorWidth),
		meta.ImageResolution.Width,
		meta.ImageResolution.Height,
	)
	if err != nil {
		return fail(StageEstimated, err)
	}

	co2, err := a.estimator.CO2(footprint.AreaSqm, seg.Stats)
	if err != nil {
		return fail(StageEstimated, err)
	}

	biomassMean := simple.Mean()
	if a.cfg.Estimation.BiomassIndex == config.BiomassIndexEnhanced {
		biomassMean = analysis.EnhancedIndexMean
	}
	biomass, err := a.estimator.Biomass(footprint.AreaSqm, biomassMean, a.cfg.Estimation.BiomassIndex)
	if err != nil {
		return fail(StageEstimated, err)
	}
	log.WithFields(logrus.Fields{"stage": StageEstimated.String(), "co2_kg": co2.CO2Kg}).Debug("estimates computed")

	// Stage 6: finished
	result := &models.AnalysisResult{
		ID:               id,
		Source:           name,
		ImageWidth:       img.Width,
		ImageHeight:      img.Height,
		AverageIndex:     simple.Mean(),
		Vegetation:       seg.Stats,
		GroundAreaSqm:    footprint.AreaSqm,
		GroundSampleDist: footprint.GSD,
		CO2:              co2,
		Biomass:          biomass,
		Classifier:       analysis,
		ProcessedAt:      a.now().UTC(),
		Metadata:         meta,
	}
	result.QualityScore = QualityScore(result.Vegetation.Coverage, result.AverageIndex, analysis.Available)

	if a.renderer != nil {
		path, err := a.renderer.Render(id, img, simple, seg.Mask)
		if err != nil {
			log.WithError(err).Warn("failed to render visualization")
		} else {
			result.VisualizationPath = path
		}
	}

	log.WithFields(logrus.Fields{
		"stage":    StageFinished.String(),
		"coverage": result.Vegetation.Coverage,
		"co2_tons": result.CO2.CO2Tons,
		"quality":  result.QualityScore,
	}).Info("image analyzed")

	return result, nil
}

func (a *Analyzer) classify(img *models.RasterImage, enhanced *models.IndexMap, log logrus.FieldLogger) (models.ClassifierAnalysis, error) {
	if a.classifier == nil {
		return a.fuser.Unavailable(enhanced), nil
	}

	p, err := a.classifier.Classify(img)
	if errors.Is(err, classifier.ErrClassifierUnavailable) {
		log.WithError(err).Warn("classifier unavailable, using classical result only")
		return a.fuser.Unavailable(enhanced), nil
	}
	if err != nil {
		return models.ClassifierAnalysis{}, err
	}

	fused, err := a.fuser.Fuse(img, enhanced, p)
	if err != nil {
		return models.ClassifierAnalysis{}, err
	}

	log.WithFields(logrus.Fields{
		"stage":       StageClassified.String(),
		"probability": p,
		"health":      fused.Analysis.Health.Category,
	}).Debug("classifier fusion done")
	return fused.Analysis, nil
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
