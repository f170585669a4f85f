//go:build opencv

// Package opencv opens cameras through OpenCV's VideoCapture, and offers
// OpenCV's QR code detector as a native decode engine.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/camera"
)

// Opts are options for Open.
type Opts struct {
	// Device index or a device path/URL understood by OpenCV.
	Device      interface{}
	Constraints camera.Constraints

	// MaxZoom is the largest zoom reported in Capabilities, in multiples
	// of the zoom at open. OpenCV cannot query control ranges. Default 4.
	MaxZoom float64

	Logger *zap.Logger
}

// Stream reads frames from an OpenCV VideoCapture.
type Stream struct {
	vc      *gocv.VideoCapture
	log     *zap.Logger
	maxZoom float64

	events    chan camera.Event
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex // Serializes property access with reads.
	zoomBase float64    // Raw zoom at open, 0 if the backend has no zoom.
}

var (
	_ camera.Stream   = (*Stream)(nil)
	_ camera.Controls = (*Stream)(nil)
)

// Open opens the device and starts reading frames.
//
// Callers must call Close.
func Open(opts Opts) (stream *Stream, rerr error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Device == nil {
		opts.Device = 0
	}
	if opts.MaxZoom <= 1 {
		opts.MaxZoom = 4
	}

	vc, err := gocv.OpenVideoCapture(opts.Device)
	if err != nil {
		return nil, fmt.Errorf("opening %v: %w: %v", opts.Device, camera.ErrNoDevice, err)
	}
	defer func() {
		if rerr != nil {
			vc.Close()
		}
	}()
	if !vc.IsOpened() {
		return nil, fmt.Errorf("opening %v: %w", opts.Device, camera.ErrNoDevice)
	}

	s := &Stream{
		vc:      vc,
		log:     log.With(zap.Any("device", opts.Device)),
		maxZoom: opts.MaxZoom,
		events:  make(chan camera.Event),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	c := opts.Constraints
	if c.Width > 0 && c.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}
	if c.FrameRate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(c.FrameRate))
	}
	if c.ContinuousWhiteBalance {
		vc.Set(gocv.VideoCaptureAutoWB, 1)
	}
	s.log.Debug("negotiated format",
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)),
		zap.Float64("fps", vc.Get(gocv.VideoCaptureFPS)))

	if z := vc.Get(gocv.VideoCaptureZoom); z > 0 {
		s.zoomBase = z
	}
	if c.FocusMode != "" {
		if err := s.SetFocus(c.FocusMode, c.FocusDistance, nil); err != nil {
			s.log.Debug("initial focus", zap.Error(err))
		}
	}
	if c.Zoom != 0 {
		if err := s.SetZoom(c.Zoom); err != nil {
			s.log.Debug("initial zoom", zap.Error(err))
		}
	}

	go s.capture()
	return s, nil
}

func (s *Stream) capture() {
	defer close(s.stopped)
	mat := gocv.NewMat()
	defer mat.Close()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		ok := s.vc.Read(&mat)
		s.mu.Unlock()
		if !ok {
			select {
			case s.events <- camera.Event{Err: errors.New("reading frame: device closed")}:
			case <-s.done:
			}
			return
		}
		if mat.Empty() {
			continue
		}
		img, err := mat.ToImage()
		if err != nil {
			s.log.Debug("converting frame", zap.Error(err))
			continue
		}
		select {
		case s.events <- camera.Event{Frame: img}:
		case <-s.done:
			return
		default:
		}
	}
}

// Events returns a channel on which Events can be received.
func (s *Stream) Events() chan camera.Event {
	return s.events
}

// Capabilities reports zoom if the backend had a zoom value at open, and
// the focus modes whose properties the backend reports. Backends return 0
// or -1 for properties they lack.
func (s *Stream) Capabilities() (camera.Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var caps camera.Capabilities
	if s.zoomBase > 0 {
		caps.Zoom = &camera.Range{Min: 1, Max: s.maxZoom, Step: 1 / s.zoomBase}
	}
	if s.vc.Get(gocv.VideoCaptureAutoFocus) >= 0 {
		caps.FocusModes = append(caps.FocusModes, camera.FocusContinuous)
	}
	if s.vc.Get(gocv.VideoCaptureFocus) > 0 {
		caps.FocusModes = append(caps.FocusModes, camera.FocusManual)
	}
	return caps, nil
}

// SetFocus toggles autofocus, or sets a manual focus position. Distance is
// passed on as a 0..255 focus value, the range most UVC cameras use.
func (s *Stream) SetFocus(mode camera.FocusMode, distance float64, poi *camera.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case camera.FocusContinuous:
		s.vc.Set(gocv.VideoCaptureAutoFocus, 1)
		return nil
	case camera.FocusManual:
		s.vc.Set(gocv.VideoCaptureAutoFocus, 0)
		s.vc.Set(gocv.VideoCaptureFocus, (1-clamp01(distance))*255)
		return nil
	}
	return camera.ErrUnsupported
}

// SetZoom sets the zoom in multiples of the zoom at open.
func (s *Stream) SetZoom(level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.zoomBase == 0 {
		return camera.ErrUnsupported
	}
	r := camera.Range{Min: 1, Max: s.maxZoom}
	s.vc.Set(gocv.VideoCaptureZoom, r.Clamp(level)*s.zoomBase)
	return nil
}

// Close stops reading and releases the device.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		err = s.vc.Close()
	})
	return err
}

func clamp01(v float64) float64 {
	return camera.Range{Min: 0, Max: 1}.Clamp(v)
}

// QRDetector decodes QR codes with OpenCV's detector.
type QRDetector struct {
	mu  sync.Mutex
	det gocv.QRCodeDetector
}

var _ scanner.Detector = (*QRDetector)(nil)

// NewQRDetector returns a detector. Callers must call Close.
func NewQRDetector() *QRDetector {
	return &QRDetector{det: gocv.NewQRCodeDetector()}
}

func (d *QRDetector) Name() string {
	return "opencv"
}

func (d *QRDetector) SupportedFormats(ctx context.Context) ([]scanner.Format, error) {
	return []scanner.Format{scanner.QRCode}, nil
}

// Detect looks for a single QR code in img.
func (d *QRDetector) Detect(ctx context.Context, img image.Image, formats []scanner.Format) ([]scanner.DecodeResult, error) {
	want := false
	for _, f := range formats {
		want = want || f == scanner.QRCode
	}
	if !want {
		return nil, nil
	}

	m, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("converting image: %w", err)
	}
	defer m.Close()
	pts := gocv.NewMat()
	defer pts.Close()
	straight := gocv.NewMat()
	defer straight.Close()

	d.mu.Lock()
	text := d.det.DetectAndDecode(m, &pts, &straight)
	d.mu.Unlock()
	if text == "" {
		return nil, nil
	}
	return []scanner.DecodeResult{{Text: text, Format: scanner.QRCode}}, nil
}

// Close releases the detector.
func (d *QRDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.det.Close()
}
