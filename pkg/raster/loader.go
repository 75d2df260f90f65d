// Package raster decodes photographs into RGB rasters and converts between
// rasters and the standard image types.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/arnvptl/BlueLock/internal/models"
)

// ErrImageLoad is returned when a source is missing, unreadable or not a
// decodable image.
var ErrImageLoad = errors.New("image load failed")

// MaxPixels bounds the pixel count of a decodable image. Dimensions are read
// from the header before any pixel data is decoded.
const MaxPixels = 64_000_000

// SupportedExtensions lists the file extensions the decoders are registered for.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".webp"}

// IsSupported reports whether name has a supported image extension.
func IsSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// LoadFile reads and decodes an image file.
func LoadFile(path string) (*models.RasterImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageLoad, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Decode decodes an encoded image held in memory.
func Decode(data []byte) (*models.RasterImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrImageLoad)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageLoad, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s image has invalid size %dx%d", ErrImageLoad, format, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %s image of %dx%d exceeds %d pixels",
			ErrImageLoad, format, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageLoad, err)
	}

	r := FromImage(img)
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: decoded %s image: %v", ErrImageLoad, format, err)
	}
	return r, nil
}

// FromImage converts any image.Image into an RGB raster. Alpha is dropped.
func FromImage(img image.Image) *models.RasterImage {
	bounds := img.Bounds()
	out := models.NewRasterImage(bounds.Dx(), bounds.Dy())

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < out.Height; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+out.Width*4]
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
		return out
	}

	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out.Set(x, y, uint8(r>>8), uint8(g>>8), uint8(b>>8))
		}
	}
	return out
}

// ToImage converts a raster into an opaque *image.RGBA.
func ToImage(r *models.RasterImage) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i := 0; i < r.PixelCount(); i++ {
		out.Pix[i*4] = r.Pix[i*3]
		out.Pix[i*4+1] = r.Pix[i*3+1]
		out.Pix[i*4+2] = r.Pix[i*3+2]
		out.Pix[i*4+3] = 0xff
	}
	return out
}

// Resize scales r to exactly width x height.
func Resize(r *models.RasterImage, width, height int) *models.RasterImage {
	if width == r.Width && height == r.Height {
		return &models.RasterImage{Width: r.Width, Height: r.Height, Pix: append([]uint8(nil), r.Pix...)}
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), ToImage(r), image.Rect(0, 0, r.Width, r.Height), draw.Src, nil)
	return FromImage(dst)
}

// FitDimensions returns the largest size with r's aspect ratio that fits in
// maxWidth x maxHeight. Either bound <= 0 disables fitting.
func FitDimensions(width, height, maxWidth, maxHeight int) (int, int) {
	if maxWidth <= 0 || maxHeight <= 0 || width <= 0 || height <= 0 {
		return width, height
	}

	aspect := float64(width) / float64(height)
	var w, h int
	if float64(maxWidth)/float64(maxHeight) > aspect {
		h = maxHeight
		w = int(float64(maxHeight) * aspect)
	} else {
		w = maxWidth
		h = int(float64(maxWidth) / aspect)
	}
	return max(w, 1), max(h, 1)
}

// Fit scales r so that it fills the maxWidth x maxHeight box while keeping
// its aspect ratio.
func Fit(r *models.RasterImage, maxWidth, maxHeight int) *models.RasterImage {
	w, h := FitDimensions(r.Width, r.Height, maxWidth, maxHeight)
	return Resize(r, w, h)
}
