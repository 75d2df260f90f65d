package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/arnvptl/BlueLock/internal/models"
)

// ErrNoImagesProcessed is returned when every image of a batch failed.
var ErrNoImagesProcessed = errors.New("no images could be processed")

// BatchItem is one image of a batch. When Data is nil Source is read from disk.
type BatchItem struct {
	Source string
	Data   []byte

	// Metadata is merged over the batch defaults; its unset fields keep the
	// batch values
	Metadata *models.FlightMetadata
}

// BatchRequest groups images captured on the same flight.
type BatchRequest struct {
	// BatchID identifies the batch; a random id is used when empty
	BatchID string

	// DroneID and ProjectID are copied into every image's metadata
	DroneID   string
	ProjectID string

	Items []BatchItem
}

// BatchMetadata builds the flight metadata applied to every image of a batch
// from the configured batch defaults.
func (a *Analyzer) BatchMetadata(droneID, projectID string, ts time.Time) models.FlightMetadata {
	d := a.cfg.BatchDefaults
	if droneID == "" {
		droneID = d.DroneID
	}
	return models.FlightMetadata{
		Latitude:        models.Float(d.Latitude),
		Longitude:       models.Float(d.Longitude),
		Altitude:        models.Float(d.Altitude),
		Timestamp:       ts,
		DroneID:         droneID,
		CameraModel:     d.CameraModel,
		ImageResolution: models.Resolution{Width: d.ImageWidth, Height: d.ImageHeight},
		ProjectID:       projectID,
	}
}

// AnalyzeBatch analyzes every item with a bounded worker pool. Results keep
// submission order. A failed image is logged and recorded in Failures; the
// batch only fails when no image succeeded.
func (a *Analyzer) AnalyzeBatch(req BatchRequest) (*models.BatchResult, error) {
	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	log := a.logger.WithField("batch_id", batchID)

	meta := a.BatchMetadata(req.DroneID, req.ProjectID, a.now().UTC())

	n := len(req.Items)
	results := make([]*models.AnalysisResult, n)
	errs := make([]error, n)

	workers := a.cfg.Processing.NumWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	log.WithFields(logrus.Fields{"images": n, "workers": workers}).Info("starting batch")

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = a.analyzeItem(req.Items[i], meta)
			}
		}()
	}

	for i := range req.Items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := &models.BatchResult{
		BatchID:        batchID,
		Results:        make([]*models.AnalysisResult, 0, n),
		Failures:       []models.BatchFailure{},
		ImagesReceived: n,
	}
	for i, res := range results {
		if errs[i] != nil {
			log.WithFields(logrus.Fields{"index": i, "source": req.Items[i].Source}).
				WithError(errs[i]).Warn("skipping image")
			out.Failures = append(out.Failures, models.BatchFailure{
				Index:  i,
				Source: req.Items[i].Source,
				Error:  errs[i].Error(),
			})
			continue
		}
		out.Results = append(out.Results, res)
	}

	Aggregate(out)

	log.WithFields(logrus.Fields{
		"processed":      out.ImagesProcessed(),
		"failed":         len(out.Failures),
		"total_co2_tons": out.TotalCO2Tons,
	}).Info("batch finished")

	if len(out.Results) == 0 {
		return out, fmt.Errorf("batch %s: %w", batchID, ErrNoImagesProcessed)
	}
	return out, nil
}

// Aggregate fills the batch totals from its results. An empty batch has
// zero totals.
func Aggregate(b *models.BatchResult) {
	if len(b.Results) == 0 {
		b.TotalCO2Tons = 0
		b.AvgCoverage = 0
		return
	}

	tons := make([]float64, len(b.Results))
	coverage := make([]float64, len(b.Results))
	for i, r := range b.Results {
		tons[i] = r.CO2.CO2Tons
		coverage[i] = r.Vegetation.Coverage
	}
	b.TotalCO2Tons = floats.Sum(tons)
	b.AvgCoverage = stat.Mean(coverage, nil)
}

func (a *Analyzer) analyzeItem(item BatchItem, meta models.FlightMetadata) (*models.AnalysisResult, error) {
	if item.Metadata != nil {
		meta = item.Metadata.Merge(meta)
	}
	if item.Data == nil {
		return a.AnalyzeFile(item.Source, meta)
	}
	return a.AnalyzeBytes(item.Source, item.Data, meta)
}
