package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/classifier"
	"github.com/arnvptl/BlueLock/pkg/config"
	"github.com/arnvptl/BlueLock/pkg/geometry"
	"github.com/arnvptl/BlueLock/pkg/raster"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.ResizeWidth = 0
	cfg.Processing.ResizeHeight = 0
	cfg.Processing.NumWorkers = 2
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	return logger
}

func testMetadata() models.FlightMetadata {
	return models.FlightMetadata{
		Latitude:        models.Float(12.97),
		Longitude:       models.Float(77.59),
		Altitude:        models.Float(100),
		Timestamp:       time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC),
		DroneID:         "DRONE_001",
		CameraModel:     "DJI_Phantom_4",
		ImageResolution: models.Resolution{Width: 1920, Height: 1080},
	}
}

// createFieldImage returns a uniformly green raster (simple index ~0.714).
func createFieldImage(width, height int) *models.RasterImage {
	img := models.NewRasterImage(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, 60, 150, 80)
		}
	}
	return img
}

func encodePNG(t *testing.T, img *models.RasterImage) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, raster.ToImage(img)); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

type failingClassifier struct{}

func (failingClassifier) Initialize() error { return errors.New("model weights not found") }
func (failingClassifier) Classify(*models.RasterImage) (float64, error) {
	return 0, errors.New("not initialized")
}

type recordingRenderer struct {
	calls int
}

func (r *recordingRenderer) Render(name string, img *models.RasterImage, index *models.IndexMap, mask *models.Mask) (string, error) {
	r.calls++
	return filepath.Join("viz", "analysis_"+name+".png"), nil
}

// TestAnalyzeClassicalOnly verifies a full analysis without a classifier.
func TestAnalyzeClassicalOnly(t *testing.T) {
	a, err := NewAnalyzer(testConfig(), nil, quietLogger())
	if err != nil {
		t.Fatalf("NewAnalyzer failed: %v", err)
	}

	res, err := a.AnalyzeRaster("field.png", createFieldImage(64, 48), testMetadata())
	if err != nil {
		t.Fatalf("AnalyzeRaster failed: %v", err)
	}

	expectedIndex := ((150.0-60.0)/(210.0+1e-8) + 1) / 2
	if math.Abs(res.AverageIndex-expectedIndex) > 1e-9 {
		t.Errorf("expected average index %v, got %v", expectedIndex, res.AverageIndex)
	}
	if res.Vegetation.Coverage != 1 {
		t.Errorf("expected coverage 1, got %v", res.Vegetation.Coverage)
	}
	if math.Abs(res.Vegetation.Density-expectedIndex) > 1e-9 {
		t.Errorf("expected density %v, got %v", expectedIndex, res.Vegetation.Density)
	}

	fp, _ := geometry.GroundArea(100, 35, 23.5, 1920, 1080)
	if math.Abs(res.GroundAreaSqm-fp.AreaSqm) > 1e-9 {
		t.Errorf("expected ground area %v, got %v", fp.AreaSqm, res.GroundAreaSqm)
	}
	expectedKg := fp.AreaSqm * 1 * expectedIndex * 1.2 * 0.5
	if math.Abs(res.CO2.CO2Kg-expectedKg) > 1e-6 {
		t.Errorf("expected %v kg CO2, got %v", expectedKg, res.CO2.CO2Kg)
	}

	if res.Classifier.Available {
		t.Error("expected classifier to be unavailable")
	}
	if res.Classifier.Health.Category != models.HealthUnavailable {
		t.Errorf("expected unavailable health, got %s", res.Classifier.Health.Category)
	}
	if math.Abs(res.QualityScore-1.0) > 1e-12 {
		t.Errorf("expected quality 1.0 for dense green field, got %v", res.QualityScore)
	}
	if res.ID == "" || res.Source != "field.png" {
		t.Errorf("unexpected identity %q / %q", res.ID, res.Source)
	}
}

// TestAnalyzeWithClassifier verifies fused output with a confident classifier.
func TestAnalyzeWithClassifier(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), classifier.Constant{Probability: 0.9}, quietLogger())

	res, err := a.AnalyzeRaster("field.png", createFieldImage(40, 40), testMetadata())
	if err != nil {
		t.Fatalf("AnalyzeRaster failed: %v", err)
	}
	if !res.Classifier.Available {
		t.Fatal("expected classifier output")
	}
	if res.Classifier.Segmentation.Coverage != 1 {
		t.Errorf("expected fused coverage 1, got %v", res.Classifier.Segmentation.Coverage)
	}
	if res.Classifier.Health.ConfidenceLevel != "high" {
		t.Errorf("expected high confidence, got %s", res.Classifier.Health.ConfidenceLevel)
	}
	if res.Classifier.Types.DenseForest != 0.8 {
		t.Errorf("expected dense forest, got %+v", res.Classifier.Types)
	}
	if res.QualityScore > 1.0 {
		t.Errorf("quality score exceeds 1.0: %v", res.QualityScore)
	}
}

// TestAnalyzeClassifierFallback verifies a classifier that cannot initialize
// degrades to the classical result.
func TestAnalyzeClassifierFallback(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), failingClassifier{}, quietLogger())

	res, err := a.AnalyzeRaster("field.png", createFieldImage(32, 32), testMetadata())
	if err != nil {
		t.Fatalf("expected fallback instead of error, got %v", err)
	}
	if res.Classifier.Available {
		t.Error("expected classifier to be marked unavailable")
	}
	if res.Classifier.Types.Available {
		t.Error("expected vegetation types to be unavailable")
	}
	if a.ClassifierAvailable() {
		t.Error("expected ClassifierAvailable to be false")
	}
}

type brokenClassifier struct{}

func (brokenClassifier) Initialize() error { return nil }
func (brokenClassifier) Classify(*models.RasterImage) (float64, error) {
	return 0, errors.New("model server returned 500")
}

// TestAnalyzeClassifierRuntimeFailure verifies that a classifier that
// initialized but fails on an image aborts that image instead of falling
// back to the classical result.
func TestAnalyzeClassifierRuntimeFailure(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), brokenClassifier{}, quietLogger())

	if !a.ClassifierAvailable() {
		t.Fatal("expected classifier to be available")
	}

	_, err := a.AnalyzeRaster("field.png", createFieldImage(16, 16), testMetadata())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, classifier.ErrClassifierUnavailable) {
		t.Errorf("expected runtime failure, got %v", err)
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageErr.Stage != StageClassified {
		t.Errorf("expected failure at %s, got %s", StageClassified, stageErr.Stage)
	}
}

// TestAnalyzeInvalidGeometry verifies a zero altitude fails at estimation.
func TestAnalyzeInvalidGeometry(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), nil, quietLogger())

	meta := testMetadata()
	meta.Altitude = models.Float(0)

	_, err := a.AnalyzeRaster("field.png", createFieldImage(16, 16), meta)
	if !errors.Is(err, geometry.ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageErr.Stage != StageEstimated {
		t.Errorf("expected failure at %s, got %s", StageEstimated, stageErr.Stage)
	}
}

// TestAnalyzeValidation verifies missing metadata is reported before loading.
func TestAnalyzeValidation(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), nil, quietLogger())

	meta := testMetadata()
	meta.DroneID = ""

	_, err := a.AnalyzeRaster("field.png", createFieldImage(8, 8), meta)
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

// TestAnalyzeCorruptBytes verifies undecodable input fails at loading.
func TestAnalyzeCorruptBytes(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), nil, quietLogger())

	_, err := a.AnalyzeBytes("broken.png", []byte("not an image"), testMetadata())
	if !errors.Is(err, raster.ErrImageLoad) {
		t.Fatalf("expected ErrImageLoad, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageLoaded {
		t.Errorf("expected failure at loaded stage, got %v", err)
	}
}

// TestAnalyzeFileAndResize verifies files are read from disk and fitted to the
// processing size.
func TestAnalyzeFileAndResize(t *testing.T) {
	cfg := testConfig()
	cfg.Processing.ResizeWidth = 32
	cfg.Processing.ResizeHeight = 32
	a, _ := NewAnalyzer(cfg, nil, quietLogger())

	path := filepath.Join(t.TempDir(), "wide.png")
	if err := os.WriteFile(path, encodePNG(t, createFieldImage(64, 48)), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	res, err := a.AnalyzeFile(path, testMetadata())
	if err != nil {
		t.Fatalf("AnalyzeFile failed: %v", err)
	}
	if res.ImageWidth != 32 || res.ImageHeight != 24 {
		t.Errorf("expected 32x24 after resize, got %dx%d", res.ImageWidth, res.ImageHeight)
	}
	if res.Source != "wide.png" {
		t.Errorf("expected source wide.png, got %s", res.Source)
	}
}

// TestAnalyzeRendersVisualization verifies the renderer is called and its path
// recorded.
func TestAnalyzeRendersVisualization(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), nil, quietLogger())
	r := &recordingRenderer{}
	a.SetRenderer(r)

	res, err := a.AnalyzeRaster("field.png", createFieldImage(16, 16), testMetadata())
	if err != nil {
		t.Fatalf("AnalyzeRaster failed: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("expected 1 render, got %d", r.calls)
	}
	if res.VisualizationPath == "" {
		t.Error("expected visualization path to be set")
	}
}

// TestAnalyzeBatchSkipsCorruptImages verifies failed images are recorded and
// the rest aggregated.
func TestAnalyzeBatchSkipsCorruptImages(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), nil, quietLogger())

	good := encodePNG(t, createFieldImage(24, 24))
	req := BatchRequest{
		BatchID: "batch-1",
		DroneID: "DRONE_007",
		Items: []BatchItem{
			{Source: "first.png", Data: good},
			{Source: "second.png", Data: []byte("corrupt")},
			{Source: "third.png", Data: good},
		},
	}

	out, err := a.AnalyzeBatch(req)
	if err != nil {
		t.Fatalf("AnalyzeBatch failed: %v", err)
	}

	if out.ImagesReceived != 3 {
		t.Errorf("expected 3 images received, got %d", out.ImagesReceived)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out.Results))
	}
	if out.Results[0].Source != "first.png" || out.Results[1].Source != "third.png" {
		t.Errorf("expected submission order, got %s, %s", out.Results[0].Source, out.Results[1].Source)
	}
	if len(out.Failures) != 1 || out.Failures[0].Index != 1 || out.Failures[0].Source != "second.png" {
		t.Errorf("expected failure recorded for index 1, got %+v", out.Failures)
	}

	expectedTons := out.Results[0].CO2.CO2Tons + out.Results[1].CO2.CO2Tons
	if math.Abs(out.TotalCO2Tons-expectedTons) > 1e-12 {
		t.Errorf("expected total %v t, got %v", expectedTons, out.TotalCO2Tons)
	}
	if out.AvgCoverage != 1 {
		t.Errorf("expected average coverage 1, got %v", out.AvgCoverage)
	}
	for _, r := range out.Results {
		if r.Metadata.DroneID != "DRONE_007" || r.Metadata.CameraModel != "batch_camera" {
			t.Errorf("unexpected batch metadata %+v", r.Metadata)
		}
	}
}

// TestAnalyzeBatchAllFail verifies ErrNoImagesProcessed when nothing succeeds.
func TestAnalyzeBatchAllFail(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), nil, quietLogger())

	out, err := a.AnalyzeBatch(BatchRequest{Items: []BatchItem{
		{Source: "a.png", Data: []byte("x")},
		{Source: "missing.png"},
	}})
	if !errors.Is(err, ErrNoImagesProcessed) {
		t.Fatalf("expected ErrNoImagesProcessed, got %v", err)
	}
	if out == nil || len(out.Failures) != 2 {
		t.Errorf("expected both failures to be recorded, got %+v", out)
	}
	if out.BatchID == "" {
		t.Error("expected a generated batch id")
	}
	if out.TotalCO2Tons != 0 || out.AvgCoverage != 0 {
		t.Errorf("expected zero totals, got %v and %v", out.TotalCO2Tons, out.AvgCoverage)
	}
}

// TestAnalyzeBatchItemMetadata verifies per item metadata is merged over the
// batch defaults.
func TestAnalyzeBatchItemMetadata(t *testing.T) {
	a, _ := NewAnalyzer(testConfig(), nil, quietLogger())
	good := encodePNG(t, createFieldImage(16, 16))

	own := testMetadata()
	partial := models.FlightMetadata{Latitude: models.Float(-2.2), DroneID: "DRONE_ROW"}
	grounded := testMetadata()
	grounded.Altitude = models.Float(0)

	out, err := a.AnalyzeBatch(BatchRequest{
		DroneID: "BATCH_DEFAULT",
		Items: []BatchItem{
			{Source: "own.png", Data: good, Metadata: &own},
			{Source: "default.png", Data: good},
			{Source: "partial.png", Data: good, Metadata: &partial},
			{Source: "grounded.png", Data: good, Metadata: &grounded},
		},
	})
	if err != nil {
		t.Fatalf("AnalyzeBatch failed: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}
	if out.Results[0].Metadata.DroneID != "DRONE_001" {
		t.Errorf("expected item metadata, got %s", out.Results[0].Metadata.DroneID)
	}
	if out.Results[1].Metadata.DroneID != "BATCH_DEFAULT" {
		t.Errorf("expected batch metadata, got %s", out.Results[1].Metadata.DroneID)
	}

	merged := out.Results[2].Metadata
	if merged.DroneID != "DRONE_ROW" || *merged.Latitude != -2.2 {
		t.Errorf("expected row values to win, got %s at %v", merged.DroneID, *merged.Latitude)
	}
	if merged.Altitude == nil || *merged.Altitude != testConfig().BatchDefaults.Altitude {
		t.Errorf("expected default altitude, got %v", merged.Altitude)
	}

	if len(out.Failures) != 1 || out.Failures[0].Index != 3 {
		t.Errorf("expected geometry failure at index 3, got %+v", out.Failures)
	}
}

// TestBatchOrderingUnderConcurrency verifies results keep submission order.
func TestBatchOrderingUnderConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping larger batch in short mode")
	}

	cfg := testConfig()
	cfg.Processing.NumWorkers = 4
	a, _ := NewAnalyzer(cfg, nil, quietLogger())

	var items []BatchItem
	for i := 0; i < 12; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 20+i, 20))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = 60, 150, 80, 255
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			t.Fatalf("failed to encode: %v", err)
		}
		items = append(items, BatchItem{Source: string(rune('a'+i)) + ".png", Data: buf.Bytes()})
	}

	out, err := a.AnalyzeBatch(BatchRequest{Items: items})
	if err != nil {
		t.Fatalf("AnalyzeBatch failed: %v", err)
	}
	for i, r := range out.Results {
		if r.ImageWidth != 20+i {
			t.Errorf("result %d out of order: width %d", i, r.ImageWidth)
		}
	}
}

// TestQualityScore verifies the quality score bonuses and cap.
func TestQualityScore(t *testing.T) {
	tests := []struct {
		coverage, index float64
		fusion          bool
		expected        float64
	}{
		{0, 0, false, 0.8},
		{0.3, 0, false, 0.85},
		{0.6, 0, false, 0.9},
		{0, 0.5, false, 0.85},
		{0, 0.7, false, 0.9},
		{0.6, 0.7, false, 1.0},
		{0.6, 0.7, true, 1.0},
		{0.2, 0.4, true, 0.9},
		{0.5, 0.6, false, 0.9},
	}

	for _, tt := range tests {
		got := QualityScore(tt.coverage, tt.index, tt.fusion)
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("QualityScore(%v, %v, %v): expected %v, got %v", tt.coverage, tt.index, tt.fusion, tt.expected, got)
		}
		if got > 1.0 {
			t.Errorf("quality score exceeds 1.0: %v", got)
		}
	}
}

// TestStageString verifies stage names.
func TestStageString(t *testing.T) {
	if StageClassified.String() != "classified" {
		t.Errorf("expected classified, got %s", StageClassified)
	}
}
