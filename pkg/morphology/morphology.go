// Package morphology holds the binary-mask cleanup and region operations
// shared by the classical and classifier-driven segmentation paths.
package morphology

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/arnvptl/BlueLock/internal/models"
)

// DefaultKernelSize is the side of the square structuring element.
const DefaultKernelSize = 5

var fill = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// CloseOpen applies a morphological closing followed by an opening with a
// kernelSize x kernelSize square. Closing fills small gaps, opening then
// removes isolated specks.
func CloseOpen(mask *models.Mask, kernelSize int) (*models.Mask, error) {
	if kernelSize < 1 {
		return nil, fmt.Errorf("kernel size must be positive, got %d", kernelSize)
	}

	mat, err := toMat(mask)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kernelSize, kernelSize))
	defer kernel.Close()

	gocv.MorphologyEx(mat, &mat, gocv.MorphClose, kernel)
	gocv.MorphologyEx(mat, &mat, gocv.MorphOpen, kernel)

	return fromMat(mat, mask.Width, mask.Height), nil
}

// FilterRegions keeps the external regions of mask whose filled pixel area
// is at least minArea and returns them filled, with the number kept.
func FilterRegions(mask *models.Mask, minArea int) (*models.Mask, int, error) {
	src, err := toMat(mask)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	contours := gocv.FindContours(src, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	out := gocv.Zeros(mask.Height, mask.Width, gocv.MatTypeCV8U)
	defer out.Close()

	scratch := gocv.Zeros(mask.Height, mask.Width, gocv.MatTypeCV8U)
	defer scratch.Close()

	kept := 0
	for i := 0; i < contours.Size(); i++ {
		bounds := gocv.BoundingRect(contours.At(i))
		if bounds.Dx()*bounds.Dy() < minArea {
			continue
		}

		if regionArea(&scratch, contours, i, bounds) < minArea {
			continue
		}

		gocv.DrawContours(&out, contours, i, fill, -1)
		kept++
	}

	return fromMat(out, mask.Width, mask.Height), kept, nil
}

// CountRegions returns the number of external regions in mask.
func CountRegions(mask *models.Mask) (int, error) {
	src, err := toMat(mask)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	contours := gocv.FindContours(src, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	return contours.Size(), nil
}

// regionArea draws contour idx filled into scratch, counts its pixels inside
// bounds and clears them again so scratch stays all zero between calls.
func regionArea(scratch *gocv.Mat, contours gocv.PointsVector, idx int, bounds image.Rectangle) int {
	gocv.DrawContours(scratch, contours, idx, fill, -1)

	roi := scratch.Region(bounds)
	defer roi.Close()

	area := gocv.CountNonZero(roi)
	roi.SetTo(gocv.NewScalar(0, 0, 0, 0))
	return area
}

func toMat(mask *models.Mask) (gocv.Mat, error) {
	if mask == nil || mask.Width <= 0 || mask.Height <= 0 || len(mask.Pix) != mask.Width*mask.Height {
		return gocv.NewMat(), fmt.Errorf("invalid mask")
	}

	mat := gocv.Zeros(mask.Height, mask.Width, gocv.MatTypeCV8U)
	buf, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("failed to access mask matrix: %w", err)
	}
	for i, v := range mask.Pix {
		if v {
			buf[i] = 255
		}
	}
	return mat, nil
}

func fromMat(mat gocv.Mat, width, height int) *models.Mask {
	data := mat.ToBytes()
	out := models.NewMask(width, height)
	for i := range out.Pix {
		out.Pix[i] = data[i] != 0
	}
	return out
}
