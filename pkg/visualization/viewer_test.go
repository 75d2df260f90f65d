package visualization

import (
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/arnvptl/BlueLock/internal/models"
)

func createTestInputs(width, height int) (*models.RasterImage, *models.IndexMap, *models.Mask) {
	img := models.NewRasterImage(width, height)
	index := models.NewIndexMap(width, height)
	mask := models.NewMask(width, height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, 90, 140, 70)
			index.Values[y*width+x] = float64(x) / float64(width-1)
			mask.Pix[y*width+x] = x >= width/2
		}
	}
	return img, index, mask
}

// TestRdYlGn verifies the colormap endpoints, midpoint and clamping.
func TestRdYlGn(t *testing.T) {
	tests := []struct {
		value    float64
		expected color.RGBA
	}{
		{0, color.RGBA{R: 165, G: 0, B: 38, A: 255}},
		{0.5, color.RGBA{R: 255, G: 255, B: 191, A: 255}},
		{1, color.RGBA{R: 0, G: 104, B: 55, A: 255}},
		{-3, color.RGBA{R: 165, G: 0, B: 38, A: 255}},
		{7, color.RGBA{R: 0, G: 104, B: 55, A: 255}},
	}

	for _, tt := range tests {
		if got := RdYlGn(tt.value); got != tt.expected {
			t.Errorf("RdYlGn(%v): expected %v, got %v", tt.value, tt.expected, got)
		}
	}
}

// TestOverlay verifies only vegetated pixels are recolored.
func TestOverlay(t *testing.T) {
	v := NewViewer(t.TempDir())
	img, _, mask := createTestInputs(10, 4)

	out := v.Overlay(img, mask)
	if got := out.RGBAAt(8, 1); got != overlayColor {
		t.Errorf("expected overlay color on masked pixel, got %v", got)
	}
	if got := out.RGBAAt(1, 1); got != (color.RGBA{R: 90, G: 140, B: 70, A: 255}) {
		t.Errorf("expected original color on unmasked pixel, got %v", got)
	}
}

// TestPanelLayout verifies the 2x2 panel size.
func TestPanelLayout(t *testing.T) {
	v := NewViewer(t.TempDir())
	img, index, mask := createTestInputs(10, 6)

	panel, err := v.Panel(img, index, mask)
	if err != nil {
		t.Fatalf("Panel failed: %v", err)
	}

	bounds := panel.Bounds()
	if bounds.Dx() != 2*10+v.gap || bounds.Dy() != 2*6+v.gap {
		t.Errorf("unexpected panel size %v", bounds)
	}

	// top-left tile is the original photograph
	if got := panel.RGBAAt(0, 0); got != (color.RGBA{R: 90, G: 140, B: 70, A: 255}) {
		t.Errorf("expected original pixel, got %v", got)
	}
	// bottom-right tile is the overlay
	if got := panel.RGBAAt(10+v.gap+9, 6+v.gap+1); got != overlayColor {
		t.Errorf("expected overlay pixel, got %v", got)
	}
}

// TestPanelDimensionMismatch verifies mismatched inputs are rejected.
func TestPanelDimensionMismatch(t *testing.T) {
	v := NewViewer(t.TempDir())
	img, index, _ := createTestInputs(10, 6)

	if _, err := v.Panel(img, index, models.NewMask(3, 3)); err == nil {
		t.Error("expected error for mismatched mask")
	}
}

// TestRender verifies a panel file is written.
func TestRender(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "processed")
	v := NewViewer(dir)
	img, index, mask := createTestInputs(8, 8)

	path, err := v.Render("abc123", img, index, mask)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("expected panel in %s, got %s", dir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open panel: %v", err)
	}
	defer f.Close()

	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("failed to decode panel: %v", err)
	}
	if decoded.Bounds().Dx() != 2*8+v.gap {
		t.Errorf("unexpected panel width %d", decoded.Bounds().Dx())
	}
}

// TestSaveJPEG verifies JPEG output.
func TestSaveJPEG(t *testing.T) {
	v := NewViewer(t.TempDir())
	_, index, _ := createTestInputs(6, 6)

	path := filepath.Join(v.OutputDir(), "index.jpg")
	if err := v.Save(v.IndexImage(index), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("expected non-empty jpeg, got %v", err)
	}
}
