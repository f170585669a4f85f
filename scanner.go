package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/stockscan/scanner-go/camera"
	"github.com/stockscan/scanner-go/enhance"
)

// Opener opens a camera stream with the given constraints, for example
// with one of the recorders. Errors wrapping camera.ErrPermissionDenied,
// camera.ErrNoDevice or camera.ErrOverconstrained are reported to the user
// as such. ctx only bounds opening, the stream must outlive it.
type Opener func(ctx context.Context, c camera.Constraints) (camera.Stream, error)

// Config configures a Scanner.
type Config struct {
	// OnDetected is called at most once per session with the decoded text.
	// It is called from the frame loop goroutine, after the camera has been
	// released.
	OnDetected func(text string)

	// HighPrecision requests the 4K preset instead of the standard one.
	HighPrecision bool

	// If set, only this format is scanned for.
	Restrict Format

	// Origin of the page requesting the camera, if any. Camera access is
	// refused for origins that are not https or local.
	Origin string

	// Open acquires the camera. If nil, Start fails with
	// EnvironmentUnsupported; still images can still be decoded.
	Open Opener

	// Native is the platform detector. It is used when it supports at least
	// one of the desired formats.
	Native Detector

	// Software is the fallback detector, typically a zxing.Decoder.
	Software Detector

	// Region of interest, as fractions of the frame. Defaults 0.80 and 0.45.
	ROIWidth  float64
	ROIHeight float64

	// Upscale enlarges the region of interest by an integer factor before
	// decoding, for small codes. Default 1.
	Upscale int

	// Enhancement parameters. If nil, enhance.DefaultParams are used.
	Enhance *enhance.Params

	Logger *zap.Logger
}

// State of a Scanner.
type State int

const (
	Idle State = iota
	Acquiring
	Scanning
	Paused
	Fired
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Scanning:
		return "scanning"
	case Paused:
		return "paused"
	case Fired:
		return "fired"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Zoom levels used by ToggleZoom.
const (
	zoomOut = 1
	zoomIn  = 3
)

// Scanner manages camera sessions and decodes still images. At most one
// session is active at a time. Methods are safe for concurrent use.
type Scanner struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex // Serializes lifecycle changes.
	restrict Format
	hidden   bool
	state    State // When sess is nil.
	sess     *Session
	retry    bool               // Whether becoming visible retries a failed start.
	gen      uint64             // Incremented by stops, invalidates acquisitions.
	acquire  context.CancelFunc // Cancels the acquisition in progress, if any.
}

// New returns an idle Scanner.
func New(cfg Config) *Scanner {
	if cfg.ROIWidth <= 0 || cfg.ROIWidth > 1 {
		cfg.ROIWidth = 0.80
	}
	if cfg.ROIHeight <= 0 || cfg.ROIHeight > 1 {
		cfg.ROIHeight = 0.45
	}
	if cfg.Upscale < 1 {
		cfg.Upscale = 1
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{cfg: cfg, log: log, restrict: cfg.Restrict}
}

// Formats returns the formats currently scanned for, in preference order.
func (s *Scanner) Formats() []Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DesiredFormats(s.restrict)
}

// State returns the current state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scanner) stateLocked() State {
	switch {
	case s.sess == nil:
		return s.state
	case s.sess.Fired():
		return Fired
	case s.sess.Err() != nil:
		return Failed
	case s.sess.paused.Load():
		return Paused
	}
	return Scanning
}

// Session returns the current session, or nil.
func (s *Scanner) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Start acquires the camera and starts scanning. A running session is
// stopped first. Start returns when the first frame has arrived, or with
// an *Error. While the camera is acquired State reports Acquiring, and Stop
// or a new Start cancels the acquisition.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	s.stopLocked()
	if s.cfg.Open == nil {
		s.state = Failed
		s.mu.Unlock()
		return &Error{Kind: EnvironmentUnsupported}
	}
	if !IsSecureOrigin(s.cfg.Origin) {
		s.state = Failed
		s.mu.Unlock()
		return &Error{InsecureContext, fmt.Errorf("origin %q", s.cfg.Origin)}
	}
	formats := DesiredFormats(s.restrict)
	gen := s.gen
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.acquire = cancel
	s.state = Acquiring
	s.mu.Unlock()

	// fail records a failed acquisition, unless it was superseded.
	fail := func(err *Error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.state = Failed
			s.acquire = nil
			s.retry = err.Kind == StartFailed || err.Kind == NoDeviceFound
		}
		return err
	}

	engine, detector := EngineSoftware, s.cfg.Software
	detectorFormats := formats
	if usable := Probe(actx, s.cfg.Native, formats, s.log); len(usable) > 0 {
		engine, detector, detectorFormats = EngineNative, s.cfg.Native, usable
	}
	if detector == nil {
		return fail(&Error{StartFailed, errors.New("no barcode decoder available")})
	}

	constraints := camera.Standard
	if s.cfg.HighPrecision {
		constraints = camera.HighPrecision
	}
	s.log.Debug("opening camera", zap.Int("width", constraints.Width), zap.Int("height", constraints.Height), zap.String("engine", string(engine)))
	stream, err := s.cfg.Open(actx, constraints)
	if err != nil {
		return fail(classifyStart(err))
	}
	first, err := firstFrame(actx, stream)
	if err != nil {
		stream.Close()
		return fail(classifyStart(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		stream.Close()
		return &Error{StartFailed, errors.New("camera acquisition stopped")}
	}
	s.acquire = nil

	quality, _ := NewMAF(10)
	loopCtx, loopCancel := context.WithCancel(context.Background())
	sess := &Session{
		Engine:   engine,
		Formats:  detectorFormats,
		Caps:     ProbeCamera(stream),
		stream:   stream,
		detector: detector,
		done:     make(chan struct{}),
		log:      s.log.With(zap.String("engine", string(engine))),
		last:     first,
		zoom:     1,
		quality:  quality,
	}
	sess.gate = NewGate(func() {
		loopCancel()
		if err := stream.Close(); err != nil {
			s.log.Debug("closing camera", zap.Error(err))
		}
	}, func(r DecodeResult) {
		s.log.Info("barcode detected", zap.String("text", r.Text), zap.String("format", string(r.Format)), zap.String("engine", r.Engine))
		if s.cfg.OnDetected != nil {
			s.cfg.OnDetected(r.Text)
		}
	})
	sess.paused.Store(s.hidden)
	s.applyInitialFocus(sess)

	s.sess = sess
	go sess.run(loopCtx, &s.cfg)
	return nil
}

// firstFrame waits until the stream delivers a frame with pixels.
func firstFrame(ctx context.Context, stream camera.Stream) (image.Image, error) {
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for first frame: %w", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return nil, errors.New("camera stream ended before the first frame")
			}
			if ev.Err != nil {
				return nil, ev.Err
			}
			if ev.Frame != nil && !ev.Frame.Bounds().Empty() {
				return ev.Frame, nil
			}
		}
	}
}

func (s *Scanner) applyInitialFocus(sess *Session) {
	ctl, ok := sess.stream.(camera.Controls)
	if !ok || !sess.Caps.SupportsFocus(camera.FocusContinuous) {
		return
	}
	if err := ctl.SetFocus(camera.FocusContinuous, 0.1, nil); err != nil {
		s.log.Debug("continuous focus", zap.Error(err))
	}
}

// Stop ends the current session without firing, or cancels a Start that
// is still acquiring the camera. Stop may be called more than once, and
// from OnDetected.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scanner) stopLocked() {
	s.gen++
	if s.acquire != nil {
		s.acquire()
		s.acquire = nil
	}
	if s.sess != nil {
		s.sess.close()
		s.sess = nil
	}
	s.state = Idle
	s.retry = false
}

// SetVisible pauses scanning while the host is hidden. When it becomes
// visible again and no result was delivered yet, the camera is acquired
// again. This also retries a start or stream that failed for a reason other
// than permission or environment.
func (s *Scanner) SetVisible(ctx context.Context, visible bool) error {
	s.mu.Lock()
	s.hidden = !visible
	restart := false
	switch {
	case s.sess == nil:
		restart = visible && s.state == Failed && s.retry
	case s.sess.Fired():
	case !visible:
		s.sess.paused.Store(true)
		s.log.Debug("scanner paused")
	case s.sess.paused.Load(), s.sess.Err() != nil:
		restart = true
	}
	s.mu.Unlock()

	if !restart {
		return nil
	}
	s.log.Debug("scanner visible again, restarting")
	return s.Start(ctx)
}

// SetRestricted scans for format only, restarting a running session.
func (s *Scanner) SetRestricted(ctx context.Context, format Format) error {
	return s.setRestrict(ctx, format)
}

// ClearRestricted scans for all formats again, restarting a running session.
func (s *Scanner) ClearRestricted(ctx context.Context) error {
	return s.setRestrict(ctx, "")
}

func (s *Scanner) setRestrict(ctx context.Context, format Format) error {
	s.mu.Lock()
	if format == s.restrict {
		s.mu.Unlock()
		return nil
	}
	s.restrict = format
	restart := s.acquire != nil || (s.sess != nil && !s.sess.Fired() && s.sess.Err() == nil)
	s.mu.Unlock()

	if !restart {
		return nil
	}
	return s.Start(ctx)
}

// Quality returns the smoothed quality score (0 to 100) of recent frames,
// or 0 without a session.
func (s *Scanner) Quality() float64 {
	sess := s.Session()
	if sess == nil {
		return 0
	}
	return sess.qualityValue()
}
