// Package visualization renders analysis results for human review: the
// original photograph, a heat map of the vegetation index, the vegetation
// mask and a green overlay, laid out as a 2x2 panel.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/raster"
)

// overlayColor marks vegetated pixels in the overlay panel
var overlayColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// Viewer writes analysis panels to an output directory.
type Viewer struct {
	// outputDir is where rendered panels are saved
	outputDir string

	// gap is the separator width between panel tiles, in pixels
	gap int
}

// NewViewer creates a viewer writing into outputDir.
func NewViewer(outputDir string) *Viewer {
	return &Viewer{
		outputDir: outputDir,
		gap:       4,
	}
}

// OutputDir returns the directory panels are written to.
func (v *Viewer) OutputDir() string {
	return v.outputDir
}

// IndexImage maps index values in [0, 1] to a red-yellow-green ramp.
func (v *Viewer) IndexImage(index *models.IndexMap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, index.Width, index.Height))
	for y := 0; y < index.Height; y++ {
		for x := 0; x < index.Width; x++ {
			img.SetRGBA(x, y, RdYlGn(index.At(x, y)))
		}
	}
	return img
}

// MaskImage draws vegetated pixels dark green on white.
func (v *Viewer) MaskImage(mask *models.Mask) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, mask.Width, mask.Height))
	on := color.RGBA{R: 0, G: 100, B: 0, A: 255}
	off := color.RGBA{R: 247, G: 252, B: 245, A: 255}
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) {
				img.SetRGBA(x, y, on)
			} else {
				img.SetRGBA(x, y, off)
			}
		}
	}
	return img
}

// Overlay paints vegetated pixels of the photograph pure green.
func (v *Viewer) Overlay(src *models.RasterImage, mask *models.Mask) *image.RGBA {
	img := raster.ToImage(src)
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) {
				img.SetRGBA(x, y, overlayColor)
			}
		}
	}
	return img
}

// Panel lays out original, index map, mask and overlay as a 2x2 grid.
func (v *Viewer) Panel(src *models.RasterImage, index *models.IndexMap, mask *models.Mask) (*image.RGBA, error) {
	if src.Width != index.Width || src.Height != index.Height ||
		src.Width != mask.Width || src.Height != mask.Height {
		return nil, fmt.Errorf("panel inputs have mismatched dimensions")
	}

	w, h := src.Width, src.Height
	panel := image.NewRGBA(image.Rect(0, 0, 2*w+v.gap, 2*h+v.gap))
	draw.Draw(panel, panel.Bounds(), image.White, image.Point{}, draw.Src)

	tiles := []image.Image{
		raster.ToImage(src),
		v.IndexImage(index),
		v.MaskImage(mask),
		v.Overlay(src, mask),
	}
	for i, tile := range tiles {
		origin := image.Pt((i%2)*(w+v.gap), (i/2)*(h+v.gap))
		draw.Copy(panel, origin, tile, tile.Bounds(), draw.Src, nil)
	}
	return panel, nil
}

// Render builds the panel for an analysis and saves it as PNG. The returned
// path is inside the output directory.
func (v *Viewer) Render(name string, src *models.RasterImage, index *models.IndexMap, mask *models.Mask) (string, error) {
	panel, err := v.Panel(src, index, mask)
	if err != nil {
		return "", err
	}

	path := filepath.Join(v.outputDir, fmt.Sprintf("analysis_%s.png", name))
	if err := v.Save(panel, path); err != nil {
		return "", err
	}
	return path, nil
}

// Save writes img to filename, choosing JPEG or PNG from the extension.
func (v *Viewer) Save(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(filename), err)
	}
	return nil
}

// RdYlGn maps v in [0, 1] onto a red-yellow-green diverging ramp.
func RdYlGn(v float64) color.RGBA {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(0, math.Min(1, v))

	red := color.RGBA{R: 165, G: 0, B: 38, A: 255}
	yellow := color.RGBA{R: 255, G: 255, B: 191, A: 255}
	green := color.RGBA{R: 0, G: 104, B: 55, A: 255}

	if v < 0.5 {
		return lerp(red, yellow, v/0.5)
	}
	return lerp(yellow, green, (v-0.5)/0.5)
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}
