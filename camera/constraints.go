package camera

// FacingMode selects which camera to prefer on devices with more than one.
type FacingMode string

const (
	FacingEnvironment FacingMode = "environment" // Rear camera.
	FacingUser        FacingMode = "user"
)

// FocusMode is a focus strategy a camera may support.
type FocusMode string

const (
	FocusContinuous FocusMode = "continuous"
	FocusManual     FocusMode = "manual"
	FocusSingleShot FocusMode = "single-shot"
)

// Constraints are the stream settings requested when opening a camera. All
// values are hints: streams apply what the device supports and ignore the
// rest. Zero values mean "no preference".
type Constraints struct {
	Facing    FacingMode
	Width     int
	Height    int
	FrameRate int

	FocusMode     FocusMode
	FocusDistance float64 // 0 (near) to 1 (far).
	Zoom          float64

	ContinuousExposure     bool
	ContinuousWhiteBalance bool
	ImageStabilization     bool
	NoiseReduction         bool

	// Relative image adjustments. 1 means unchanged for contrast, sharpness
	// and saturation, 0 means unchanged for brightness.
	Contrast   float64
	Sharpness  float64
	Saturation float64
	Brightness float64
}

// Constraint presets. HighPrecision trades frame size for small-code
// readability, Standard is lighter on slower devices.
var (
	HighPrecision = Constraints{
		Facing:                 FacingEnvironment,
		Width:                  3840,
		Height:                 2160,
		FrameRate:              60,
		FocusMode:              FocusContinuous,
		FocusDistance:          0.05,
		Zoom:                   1,
		ContinuousExposure:     true,
		ContinuousWhiteBalance: true,
		ImageStabilization:     true,
		NoiseReduction:         true,
		Contrast:               1.2,
		Sharpness:              1.5,
		Saturation:             1.1,
		Brightness:             0.1,
	}

	Standard = func() Constraints {
		c := HighPrecision
		c.Width = 2560
		c.Height = 1440
		return c
	}()
)

// Range is an inclusive numeric range reported by a device.
type Range struct {
	Min  float64
	Max  float64
	Step float64
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Capabilities is a read-only snapshot of what the active camera supports.
// It is queried once per stream; the zero value means nothing is supported.
type Capabilities struct {
	Torch      bool
	Zoom       *Range // Nil if zoom is not adjustable.
	FocusModes []FocusMode
}

// SupportsFocus returns whether mode is among the supported focus modes.
func (c Capabilities) SupportsFocus(mode FocusMode) bool {
	for _, m := range c.FocusModes {
		if m == mode {
			return true
		}
	}
	return false
}

// CanZoom returns whether the zoom range allows magnification.
func (c Capabilities) CanZoom() bool {
	return c.Zoom != nil && c.Zoom.Max > 1
}

// Point is a normalized position in a frame, 0..1 on both axes.
type Point struct {
	X, Y float64
}

// Controls is implemented by streams that expose focus and zoom. All
// methods return ErrUnsupported (or a device error) when the control is not
// available; callers treat that as the feature being inert.
type Controls interface {
	Capabilities() (Capabilities, error)
	SetFocus(mode FocusMode, distance float64, poi *Point) error
	SetZoom(level float64) error
}
