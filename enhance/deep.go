package enhance

import (
	"image"

	"github.com/disintegration/imaging"
)

// Deep enhances a still image, such as a snapshot or a picked photo. It
// runs heavier filters than the live path since it only runs once per
// image, and returns a new image, leaving img untouched.
//
// If params is nil, DefaultParams are used. Deep always binarizes
// adaptively: photos are rarely evenly lit.
func Deep(img image.Image, params *Params) *image.NRGBA {
	p := params.withDefaults()

	dst := imaging.Grayscale(img)
	dst = imaging.Blur(dst, 0.6)
	dst = imaging.Sharpen(dst, 1+p.Sharpen)
	dst = imaging.AdjustContrast(dst, (p.Contrast-1)*50)

	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	if w == 0 || h == 0 {
		return dst
	}
	gray := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gray[y*w+x] = dst.Pix[y*dst.Stride+x*4]
		}
	}
	binarizeAdaptive(gray, w, h, adaptiveWindow(w, h, p.Window), p.Bias, nil)
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			v := gray[y*w+x]
			row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = v, v, v, 0xff
		}
	}
	return dst
}

// adaptiveWindow grows the window with the image so that bars in large
// photos are not mistaken for background.
func adaptiveWindow(w, h, window int) int {
	if s := min(w, h) / 16; s > window {
		return s | 1
	}
	return window
}
