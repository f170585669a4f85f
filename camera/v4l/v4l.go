//go:build linux

package v4l

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"sync"

	"github.com/blackjack/webcam"
	"go.uber.org/zap"

	"github.com/stockscan/scanner-go/camera"
)

// Opts are options for Open.
type Opts struct {
	DeviceID    string // Device node, for example /dev/video0.
	Constraints camera.Constraints
	Logger      *zap.Logger
}

// Stream reads frames from a V4L2 device and exposes its focus and zoom
// controls.
type Stream struct {
	cam    *webcam.Webcam
	format uint32
	width  int
	height int
	log    *zap.Logger

	events    chan camera.Event
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex // Serializes control access.
	controls map[webcam.ControlID]webcam.Control
}

var (
	_ camera.Stream   = (*Stream)(nil)
	_ camera.Controls = (*Stream)(nil)
)

// Open opens the device, negotiates a frame size close to the constraints,
// applies the remaining constraints best-effort and starts streaming.
//
// Callers must call Close.
func Open(opts Opts) (stream *Stream, rerr error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "/dev/video0"
	}

	cam, err := webcam.Open(opts.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("opening %s: %w: %v", opts.DeviceID, camera.ErrPermissionDenied, err)
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("opening %s: %w: %v", opts.DeviceID, camera.ErrNoDevice, err)
		}
		return nil, fmt.Errorf("opening %s: %w", opts.DeviceID, err)
	}
	s := &Stream{
		cam:     cam,
		log:     log.With(zap.String("device", opts.DeviceID)),
		events:  make(chan camera.Event),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	defer func() {
		if rerr != nil {
			cam.Close()
		}
	}()

	var format webcam.PixelFormat
	var found bool
	formats := cam.GetSupportedFormats()
	for _, want := range []uint32{fourccMJPEG, fourccYUYV} {
		if _, ok := formats[webcam.PixelFormat(want)]; ok {
			format, found = webcam.PixelFormat(want), true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%s supports neither MJPEG nor YUYV: %w", opts.DeviceID, camera.ErrOverconstrained)
	}

	c := opts.Constraints
	if c.Width == 0 || c.Height == 0 {
		c.Width, c.Height = 640, 480
	}
	var sizes []frameSize
	for _, sz := range cam.GetSupportedFrameSizes(format) {
		sizes = append(sizes, frameSize{sz.MinWidth, sz.MaxWidth, sz.StepWidth, sz.MinHeight, sz.MaxHeight, sz.StepHeight})
	}
	w, h, ok := closestSize(sizes, uint32(c.Width), uint32(c.Height))
	if !ok {
		return nil, fmt.Errorf("%s reports no frame sizes: %w", opts.DeviceID, camera.ErrOverconstrained)
	}
	f, w, h, err := cam.SetImageFormat(format, w, h)
	if err != nil {
		return nil, fmt.Errorf("setting image format: %w", err)
	}
	s.format, s.width, s.height = uint32(f), int(w), int(h)
	s.log.Debug("negotiated format", zap.Uint32("fourcc", s.format), zap.Int("width", s.width), zap.Int("height", s.height))

	if err := cam.SetBufferCount(4); err != nil {
		s.log.Debug("setting buffer count", zap.Error(err))
	}
	if err := cam.SetAutoWhiteBalance(c.ContinuousWhiteBalance); err != nil {
		s.log.Debug("setting white balance", zap.Error(err))
	}
	s.controls = cam.GetControls()
	s.applyHints(c)

	if err := cam.StartStreaming(); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("starting stream: %w: %v", camera.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("starting stream: %w", err)
	}
	go s.capture()
	return s, nil
}

// applyHints sets the image adjustment and focus/zoom constraints the
// device has controls for.
func (s *Stream) applyHints(c camera.Constraints) {
	set := func(id uint32, v int32) {
		if err := s.cam.SetControl(webcam.ControlID(id), v); err != nil {
			s.log.Debug("setting control", zap.Uint32("id", id), zap.Int32("value", v), zap.Error(err))
		}
	}
	adjust := func(id uint32, hint float64, centered bool) {
		ctl, ok := s.controls[webcam.ControlID(id)]
		if !ok {
			return
		}
		set(id, scaleRelative(hint, centered, ctl.Min, ctl.Max))
	}
	if c.Brightness != 0 {
		adjust(cidBrightness, c.Brightness, true)
	}
	if c.Contrast != 0 {
		adjust(cidContrast, c.Contrast, false)
	}
	if c.Saturation != 0 {
		adjust(cidSaturation, c.Saturation, false)
	}
	if c.Sharpness != 0 {
		adjust(cidSharpness, c.Sharpness, false)
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
}

// capture continually reads frames and either discards them or sends them
// to a receiver that is ready.
func (s *Stream) capture() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		err := s.cam.WaitForFrame(5)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			s.send(camera.Event{Err: fmt.Errorf("waiting for frame: %w", err)})
			return
		}

		buf, err := s.cam.ReadFrame()
		if err != nil {
			s.send(camera.Event{Err: fmt.Errorf("reading frame: %w", err)})
			return
		}
		if len(buf) == 0 {
			continue
		}
		img, err := s.decode(buf)
		if err != nil {
			s.log.Debug("decoding frame", zap.Error(err))
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

func (s *Stream) send(ev camera.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Stream) decode(buf []byte) (image.Image, error) {
	if s.format == fourccYUYV {
		if len(buf) < s.width*s.height*2 {
			return nil, fmt.Errorf("short yuyv frame, %d bytes", len(buf))
		}
		return yuyvImage(buf, s.width, s.height), nil
	}
	return jpeg.Decode(bytes.NewReader(buf))
}

// Events returns a channel on which Events can be received.
func (s *Stream) Events() chan camera.Event {
	return s.events
}

// Capabilities reports zoom and focus support from the device controls.
// V4L2 has no torch control.
func (s *Stream) Capabilities() (camera.Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var caps camera.Capabilities
	if ctl, ok := s.controls[webcam.ControlID(cidZoomAbsolute)]; ok {
		base := zoomBase(ctl)
		caps.Zoom = &camera.Range{Min: float64(ctl.Min) / base, Max: float64(ctl.Max) / base, Step: 1 / base}
	}
	if _, ok := s.controls[webcam.ControlID(cidFocusAuto)]; ok {
		caps.FocusModes = append(caps.FocusModes, camera.FocusContinuous)
	}
	if _, ok := s.controls[webcam.ControlID(cidFocusAbsolute)]; ok {
		caps.FocusModes = append(caps.FocusModes, camera.FocusManual)
	}
	return caps, nil
}

// zoomBase is the raw control value that corresponds to 1x.
func zoomBase(ctl webcam.Control) float64 {
	if ctl.Min > 0 {
		return float64(ctl.Min)
	}
	return 1
}

// SetFocus switches autofocus on for continuous mode, or sets an absolute
// focus position for manual mode. Points of interest are not supported by
// V4L2 and are ignored.
func (s *Stream) SetFocus(mode camera.FocusMode, distance float64, poi *camera.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hasAuto := s.controls[webcam.ControlID(cidFocusAuto)]
	abs, hasAbs := s.controls[webcam.ControlID(cidFocusAbsolute)]
	switch mode {
	case camera.FocusContinuous:
		if !hasAuto {
			return camera.ErrUnsupported
		}
		return s.cam.SetControl(webcam.ControlID(cidFocusAuto), 1)
	case camera.FocusManual:
		if !hasAbs {
			return camera.ErrUnsupported
		}
		if hasAuto {
			if err := s.cam.SetControl(webcam.ControlID(cidFocusAuto), 0); err != nil {
				return fmt.Errorf("disabling autofocus: %w", err)
			}
		}
		return s.cam.SetControl(webcam.ControlID(cidFocusAbsolute), focusValue(distance, abs.Min, abs.Max))
	}
	return camera.ErrUnsupported
}

// SetZoom sets the absolute zoom, in multiples of the widest setting.
func (s *Stream) SetZoom(level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctl, ok := s.controls[webcam.ControlID(cidZoomAbsolute)]
	if !ok {
		return camera.ErrUnsupported
	}
	v := int32(level * zoomBase(ctl))
	if v < ctl.Min {
		v = ctl.Min
	}
	if v > ctl.Max {
		v = ctl.Max
	}
	return s.cam.SetControl(webcam.ControlID(cidZoomAbsolute), v)
}

// Close stops streaming and closes the device.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		s.cam.StopStreaming()
		err = s.cam.Close()
	})
	return err
}
