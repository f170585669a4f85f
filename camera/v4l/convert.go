// Package v4l implements a camera stream directly on Video4Linux2 devices,
// including the focus and zoom controls that the process based recorders
// cannot reach.
package v4l

import (
	"image"
)

// Pixel formats as V4L2 fourcc codes.
const (
	fourccMJPEG uint32 = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	fourccYUYV  uint32 = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
)

// V4L2 control IDs, from linux/v4l2-controls.h.
const (
	cidBrightness    uint32 = 0x00980900
	cidContrast      uint32 = 0x00980901
	cidSaturation    uint32 = 0x00980902
	cidSharpness     uint32 = 0x0098091b
	cidFocusAbsolute uint32 = 0x009a090a
	cidFocusAuto     uint32 = 0x009a090c
	cidZoomAbsolute  uint32 = 0x009a090d
)

// frameSize is a supported size, discrete when the steps are zero.
type frameSize struct {
	MinWidth, MaxWidth, StepWidth    uint32
	MinHeight, MaxHeight, StepHeight uint32
}

// closestSize picks the size closest to the requested one. Stepwise ranges
// are clamped and rounded down to their step.
func closestSize(sizes []frameSize, width, height uint32) (uint32, uint32, bool) {
	best := -1
	var bw, bh uint32
	for _, s := range sizes {
		w, h := s.MaxWidth, s.MaxHeight
		if s.StepWidth != 0 && s.StepHeight != 0 {
			w = stepClamp(width, s.MinWidth, s.MaxWidth, s.StepWidth)
			h = stepClamp(height, s.MinHeight, s.MaxHeight, s.StepHeight)
		}
		d := absDiff(w, width)*absDiff(h, height) + absDiff(w, width) + absDiff(h, height)
		if best < 0 || d < best {
			best, bw, bh = d, w, h
		}
	}
	return bw, bh, best >= 0
}

func stepClamp(v, min, max, step uint32) uint32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return min + (v-min)/step*step
}

func absDiff(a, b uint32) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// yuyvImage converts a packed YUYV 4:2:2 frame to an image without copying
// through RGB.
func yuyvImage(buf []byte, width, height int) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		if (y+1)*width*2 > len(buf) {
			break
		}
		row := buf[y*width*2 : (y+1)*width*2]
		for x := 0; x+1 < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			ci := y*img.CStride + x/2
			img.Cb[ci] = row[i+1]
			img.Cr[ci] = row[i+3]
		}
	}
	return img
}

// scaleRelative maps a relative adjustment onto a device control range.
// Brightness-like hints are centered on 0 (-1..1), gain-like hints on 1.
func scaleRelative(hint float64, centered bool, min, max int32) int32 {
	mid := float64(min) + float64(max-min)/2
	var v float64
	if centered {
		v = mid + hint*float64(max-min)/2
	} else {
		v = mid * hint
	}
	if v < float64(min) {
		v = float64(min)
	}
	if v > float64(max) {
		v = float64(max)
	}
	return int32(v)
}

// focusValue maps a normalized distance (0 near, 1 far) onto an absolute
// focus control, where larger values focus closer.
func focusValue(distance float64, min, max int32) int32 {
	if distance < 0 {
		distance = 0
	}
	if distance > 1 {
		distance = 1
	}
	return max - int32(distance*float64(max-min))
}
