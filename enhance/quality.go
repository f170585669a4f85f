package enhance

import (
	"image"
	"image/color"
)

// Quality scores img from 0 to 100 by the variance of its luma around the
// midpoint. Blurry, washed out frames score low, crisp high-contrast frames
// score high. The score is only meant as user feedback.
func Quality(img image.Image) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}

	var sum float64
	add := func(v uint8) {
		d := float64(v) - 128
		sum += d * d
	}
	switch m := img.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			row := m.Pix[y*m.Stride : y*m.Stride+b.Dx()*4]
			for x := 0; x < b.Dx(); x++ {
				add(luma(row[x*4], row[x*4+1], row[x*4+2]))
			}
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			for _, v := range m.Pix[y*m.Stride : y*m.Stride+b.Dx()] {
				add(v)
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				add(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
			}
		}
	}

	// Variance of 1000 or more scores 100.
	q := sum / float64(n) / 10
	if q > 100 {
		q = 100
	}
	return q
}
