// Package enhance prepares camera frames for barcode decoding: it crops the
// region of interest into a reusable surface and cleans it up with
// grayscale, smoothing, sharpening, contrast and binarization passes.
package enhance

import (
	"image"

	"golang.org/x/image/draw"
)

// CenterROI returns the centered sub-rectangle of bounds covering fracW of
// its width and fracH of its height. Fractions outside (0, 1] are treated
// as 1. The result is never larger than bounds and never empty for a
// non-empty bounds.
func CenterROI(bounds image.Rectangle, fracW, fracH float64) image.Rectangle {
	if fracW <= 0 || fracW > 1 {
		fracW = 1
	}
	if fracH <= 0 || fracH > 1 {
		fracH = 1
	}
	w := int(float64(bounds.Dx()) * fracW)
	h := int(float64(bounds.Dy()) * fracH)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	x := bounds.Min.X + (bounds.Dx()-w)/2
	y := bounds.Min.Y + (bounds.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h).Intersect(bounds)
}

// Surface is an off-screen pixel buffer that frames are cropped into. The
// buffer is reused across frames and only reallocated when the requested
// size changes.
type Surface struct {
	img *image.NRGBA
}

// Draw copies the roi of src into the surface, enlarged by scale when scale
// is above 1, and returns the surface image. The returned image is only
// valid until the next call to Draw.
func (s *Surface) Draw(src image.Image, roi image.Rectangle, scale int) *image.NRGBA {
	if scale < 1 {
		scale = 1
	}
	roi = roi.Intersect(src.Bounds())
	r := image.Rect(0, 0, roi.Dx()*scale, roi.Dy()*scale)
	if s.img == nil || s.img.Rect != r {
		s.img = image.NewNRGBA(r)
	}
	if scale == 1 {
		draw.Draw(s.img, r, src, roi.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(s.img, r, src, roi, draw.Src, nil)
	}
	return s.img
}

// Image returns the last drawn image, or nil.
func (s *Surface) Image() *image.NRGBA {
	return s.img
}
