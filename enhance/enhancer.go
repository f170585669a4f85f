package enhance

import (
	"image"
)

// Params tune the enhancement passes.
type Params struct {
	Sharpen   float64 // Boost of the chroma smoothed value over luma. Default 0.5.
	Contrast  float64 // Stretch factor around 128. Default 1.8.
	Threshold uint8   // Fixed binarization threshold. Default 140.

	// Adaptive binarizes against the mean of a Window×Window neighbourhood
	// minus Bias instead of the fixed threshold. Better with uneven
	// lighting, at some cost.
	Adaptive bool
	Window   int // Default 15.
	Bias     int // Default 7.
}

// DefaultParams are the parameters used when nil is passed.
var DefaultParams = Params{
	Sharpen:   0.5,
	Contrast:  1.8,
	Threshold: 140,
	Window:    15,
	Bias:      7,
}

func (p *Params) withDefaults() Params {
	if p == nil {
		return DefaultParams
	}
	r := *p
	if r.Contrast == 0 {
		r.Contrast = DefaultParams.Contrast
	}
	if r.Threshold == 0 {
		r.Threshold = DefaultParams.Threshold
	}
	if r.Window <= 1 {
		r.Window = DefaultParams.Window
	}
	return r
}

// Enhancer runs the live enhancement pipeline in place. It keeps scratch
// planes between calls, so an Enhancer must not be used from multiple
// goroutines at once.
type Enhancer struct {
	params   Params
	gray     []uint8
	integral []uint32
}

// NewEnhancer returns an Enhancer. If params is nil, DefaultParams are used.
func NewEnhancer(params *Params) *Enhancer {
	return &Enhancer{params: params.withDefaults()}
}

// Apply overwrites img with its enhanced, binarized version. Only pixels
// within img.Rect are touched.
//
// Each pixel is handled on its own, neighbourhood filters blur the bars of
// narrow 1D codes together. Luma is blended with the channel mean, the
// blend is pushed away from luma by Sharpen, and the result is stretched
// around 128 before binarization.
func (e *Enhancer) Apply(img *image.NRGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return
	}
	n := w * h
	if cap(e.gray) < n {
		e.gray = make([]uint8, n)
	}
	gray := e.gray[:n]

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			gray[y*w+x] = enhancePixel(p[0], p[1], p[2], e.params.Sharpen, e.params.Contrast)
		}
	}

	if e.params.Adaptive {
		e.integral = binarizeAdaptive(gray, w, h, e.params.Window, e.params.Bias, e.integral)
	} else {
		binarize(gray, e.params.Threshold)
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			v := gray[y*w+x]
			row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = v, v, v, 0xff
		}
	}
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}

func enhancePixel(r, g, b uint8, sharpen, contrast float64) uint8 {
	l := float64(luma(r, g, b))
	mean := (float64(r) + float64(g) + float64(b)) / 3
	smoothed := 0.8*l + 0.2*mean
	v := smoothed*(1+sharpen) - l*sharpen
	return clamp8(int((v-128)*contrast + 128))
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func binarize(p []uint8, threshold uint8) {
	for i, v := range p {
		if v > threshold {
			p[i] = 255
		} else {
			p[i] = 0
		}
	}
}

// binarizeAdaptive thresholds each pixel against the mean of its
// neighbourhood, using an integral image. The integral buffer is returned
// for reuse.
func binarizeAdaptive(p []uint8, w, h, window, bias int, integral []uint32) []uint32 {
	iw := w + 1
	n := iw * (h + 1)
	if cap(integral) < n {
		integral = make([]uint32, n)
	}
	integral = integral[:n]
	for x := 0; x < iw; x++ {
		integral[x] = 0
	}
	for y := 1; y <= h; y++ {
		var row uint32
		integral[y*iw] = 0
		for x := 1; x <= w; x++ {
			row += uint32(p[(y-1)*w+x-1])
			integral[y*iw+x] = integral[(y-1)*iw+x] + row
		}
	}

	r := window / 2
	for y := 0; y < h; y++ {
		y0, y1 := max(y-r, 0), min(y+r+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-r, 0), min(x+r+1, w)
			sum := integral[y1*iw+x1] - integral[y0*iw+x1] - integral[y1*iw+x0] + integral[y0*iw+x0]
			mean := int(sum) / ((x1 - x0) * (y1 - y0))
			if int(p[y*w+x]) > mean-bias {
				p[y*w+x] = 255
			} else {
				p[y*w+x] = 0
			}
		}
	}
	return integral
}
