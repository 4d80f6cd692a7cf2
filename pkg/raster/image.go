package raster

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Selection geometry.
const (
	SelectionMargin  = 5
	SelectionMinSide = 300
)

// PrepareOptions controls how a source image is normalised before OCR.
type PrepareOptions struct {
	// Grayscale converts the image to luminance only.
	Grayscale bool

	// Contrast is a bild contrast change in [-1, 1]; 0 leaves contrast as is.
	Contrast float64

	// MaxSide downsizes images whose longer side exceeds it; 0 disables.
	MaxSide int
}

// DefaultPrepareOptions suits photographed or scanned court papers.
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{Grayscale: true, Contrast: 0.15, MaxSide: 4000}
}

// PrepareImage decodes src with EXIF orientation applied, normalises it and
// writes a PNG to dst.
func PrepareImage(src, dst string, opts PrepareOptions) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	b := img.Bounds()
	if opts.MaxSide > 0 && (b.Dx() > opts.MaxSide || b.Dy() > opts.MaxSide) {
		img = imaging.Fit(img, opts.MaxSide, opts.MaxSide, imaging.Lanczos)
	}
	if opts.Grayscale {
		img = effect.Grayscale(img)
	}
	if opts.Contrast != 0 {
		img = adjust.Contrast(img, opts.Contrast)
	}

	if err := imaging.Save(img, dst); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

// CropRect converts a normalised selection into a pixel rectangle on bounds,
// widened by margin pixels and clamped to the image.
func CropRect(bounds image.Rectangle, sel core.Selection, margin int) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	x1 := int(sel.X1*float64(w)) - margin
	y1 := int(sel.Y1*float64(h)) - margin
	x2 := int(sel.X2*float64(w)) + margin
	y2 := int(sel.Y2*float64(h)) + margin

	x1, y1 = max(0, x1), max(0, y1)
	x2, y2 = min(w, x2), min(h, y2)
	return image.Rect(bounds.Min.X+x1, bounds.Min.Y+y1, bounds.Min.X+x2, bounds.Min.Y+y2)
}

// CropSelection cuts the selection out of img and upscales fragments whose
// shorter side is below minSide, keeping the aspect ratio.
func CropSelection(img image.Image, sel core.Selection, margin, minSide int) (image.Image, error) {
	rect := CropRect(img.Bounds(), sel, margin)
	if rect.Empty() {
		return nil, core.ErrInvalidSelection
	}
	frag := imaging.Crop(img, rect)

	w, h := frag.Bounds().Dx(), frag.Bounds().Dy()
	short := min(w, h)
	if minSide > 0 && short < minSide {
		scale := float64(minSide) / float64(short)
		return imaging.Resize(frag, int(float64(w)*scale), int(float64(h)*scale), imaging.Lanczos), nil
	}
	return frag, nil
}

// OpenImage decodes an image file with EXIF orientation applied.
func OpenImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return img, nil
}

// SavePNG encodes img to path; the format follows the extension.
func SavePNG(img image.Image, path string) error {
	return imaging.Save(img, path)
}
