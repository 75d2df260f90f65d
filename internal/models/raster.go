package models

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// RasterImage is a decoded aerial photograph in RGB channel order.
// The pixel buffer is interleaved R,G,B and row-major.
type RasterImage struct {
	// Width is the number of pixel columns
	Width int

	// Height is the number of pixel rows
	Height int

	// Pix holds Width*Height*3 channel samples
	Pix []uint8
}

// NewRasterImage allocates a zeroed (black) raster of the given size.
func NewRasterImage(width, height int) *RasterImage {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return &RasterImage{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*3),
	}
}

// Validate checks the dimension and buffer invariants.
func (r *RasterImage) Validate() error {
	if r == nil {
		return fmt.Errorf("raster is nil")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("raster has invalid dimensions %dx%d", r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*3 {
		return fmt.Errorf("raster buffer has %d samples, expected %d", len(r.Pix), r.Width*r.Height*3)
	}
	return nil
}

// PixelCount returns Width*Height.
func (r *RasterImage) PixelCount() int {
	return r.Width * r.Height
}

// At returns the RGB triple at (x, y).
func (r *RasterImage) At(x, y int) (uint8, uint8, uint8) {
	i := (y*r.Width + x) * 3
	return r.Pix[i], r.Pix[i+1], r.Pix[i+2]
}

// Set writes the RGB triple at (x, y).
func (r *RasterImage) Set(x, y int, red, green, blue uint8) {
	i := (y*r.Width + x) * 3
	r.Pix[i] = red
	r.Pix[i+1] = green
	r.Pix[i+2] = blue
}

// ChannelMeans returns the mean of each channel over the whole raster.
func (r *RasterImage) ChannelMeans() (red, green, blue float64) {
	n := r.PixelCount()
	if n == 0 {
		return 0, 0, 0
	}
	rs := make([]float64, n)
	gs := make([]float64, n)
	bs := make([]float64, n)
	for i := 0; i < n; i++ {
		rs[i] = float64(r.Pix[i*3])
		gs[i] = float64(r.Pix[i*3+1])
		bs[i] = float64(r.Pix[i*3+2])
	}
	return stat.Mean(rs, nil), stat.Mean(gs, nil), stat.Mean(bs, nil)
}

// IndexMap is a per-pixel vegetation index with values in [0, 1].
// It has the same dimensions as the raster it was computed from.
type IndexMap struct {
	Width  int
	Height int

	// Values is row-major, indexed y*Width+x
	Values []float64
}

// NewIndexMap allocates an index map of the given size.
func NewIndexMap(width, height int) *IndexMap {
	return &IndexMap{
		Width:  width,
		Height: height,
		Values: make([]float64, width*height),
	}
}

// At returns the index value at (x, y).
func (m *IndexMap) At(x, y int) float64 {
	return m.Values[y*m.Width+x]
}

// Mean returns the average index value, 0 for an empty map.
func (m *IndexMap) Mean() float64 {
	if len(m.Values) == 0 {
		return 0
	}
	return stat.Mean(m.Values, nil)
}

// StdDev returns the population standard deviation of the index values.
func (m *IndexMap) StdDev() float64 {
	if len(m.Values) == 0 {
		return 0
	}
	return stat.PopStdDev(m.Values, nil)
}

// MeanWhere returns the mean index value over the pixels set in mask.
// An empty mask yields 0.
func (m *IndexMap) MeanWhere(mask *Mask) float64 {
	if mask.Count() == 0 {
		return 0
	}
	weights := make([]float64, len(mask.Pix))
	for i, v := range mask.Pix {
		if v {
			weights[i] = 1
		}
	}
	return stat.Mean(m.Values, weights)
}

// Mask is a binary vegetated/not-vegetated classification per pixel.
type Mask struct {
	Width  int
	Height int

	// Pix is row-major, indexed y*Width+x
	Pix []bool
}

// NewMask allocates an all-false mask.
func NewMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Pix:    make([]bool, width*height),
	}
}

// At reports whether (x, y) is set.
func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x]
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}
