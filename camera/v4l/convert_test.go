package v4l

import (
	"testing"
)

func TestClosestSize(t *testing.T) {
	discrete := []frameSize{
		{MinWidth: 640, MaxWidth: 640, MinHeight: 480, MaxHeight: 480},
		{MinWidth: 1280, MaxWidth: 1280, MinHeight: 720, MaxHeight: 720},
		{MinWidth: 1920, MaxWidth: 1920, MinHeight: 1080, MaxHeight: 1080},
	}
	w, h, ok := closestSize(discrete, 2560, 1440)
	if !ok || w != 1920 || h != 1080 {
		t.Fatalf("got %dx%d %v, expected 1920x1080", w, h, ok)
	}
	w, h, _ = closestSize(discrete, 1280, 720)
	if w != 1280 || h != 720 {
		t.Fatalf("got %dx%d, expected exact 1280x720", w, h)
	}

	stepwise := []frameSize{{MinWidth: 160, MaxWidth: 1600, StepWidth: 16, MinHeight: 120, MaxHeight: 1200, StepHeight: 8}}
	w, h, _ = closestSize(stepwise, 1000, 700)
	if w != 992 || h != 696 {
		t.Fatalf("got %dx%d, expected 992x696", w, h)
	}
	w, h, _ = closestSize(stepwise, 3840, 2160)
	if w != 1600 || h != 1200 {
		t.Fatalf("got %dx%d, expected clamp to 1600x1200", w, h)
	}

	if _, _, ok := closestSize(nil, 640, 480); ok {
		t.Fatalf("expected no size for empty list")
	}
}

func TestYUYVImage(t *testing.T) {
	// Two pixels per 4 bytes: Y0 U Y1 V.
	buf := []byte{
		10, 100, 20, 200, 30, 101, 40, 201,
		50, 102, 60, 202, 70, 103, 80, 203,
	}
	img := yuyvImage(buf, 4, 2)
	if got := img.Y[0:4]; got[0] != 10 || got[1] != 20 || got[2] != 30 || got[3] != 40 {
		t.Fatalf("unexpected luma row 0: %v", got)
	}
	if got := img.Y[img.YStride+3]; got != 80 {
		t.Fatalf("luma at (3,1) is %d, expected 80", got)
	}
	if img.Cb[1] != 101 || img.Cr[1] != 201 {
		t.Fatalf("unexpected chroma %d %d", img.Cb[1], img.Cr[1])
	}

	// Short buffers leave the remaining rows black instead of panicking.
	short := yuyvImage(buf[:8], 4, 2)
	if short.Y[short.YStride] != 0 {
		t.Fatalf("expected untouched second row")
	}
}

func TestScaleRelative(t *testing.T) {
	if v := scaleRelative(0, true, 0, 255); v != 127 {
		t.Fatalf("centered 0 gave %d, expected 127", v)
	}
	if v := scaleRelative(1, true, -64, 64); v != 64 {
		t.Fatalf("centered 1 gave %d, expected max", v)
	}
	if v := scaleRelative(1.5, false, 0, 100); v != 75 {
		t.Fatalf("gain 1.5 gave %d, expected 75", v)
	}
	if v := scaleRelative(10, false, 0, 100); v != 100 {
		t.Fatalf("gain 10 gave %d, expected clamp to 100", v)
	}
}

func TestFocusValue(t *testing.T) {
	if v := focusValue(0, 0, 250); v != 250 {
		t.Fatalf("near focus gave %d, expected 250", v)
	}
	if v := focusValue(1, 0, 250); v != 0 {
		t.Fatalf("far focus gave %d, expected 0", v)
	}
	if v := focusValue(-3, 10, 20); v != 20 {
		t.Fatalf("negative distance gave %d, expected 20", v)
	}
}
