package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stockscan/scanner-go/camera"
	"github.com/stockscan/scanner-go/enhance"
)

// Engine names the decode engine a session uses for live frames.
type Engine string

const (
	EngineNative   Engine = "native"
	EngineSoftware Engine = "software"
)

// Session is one acquisition of the camera, from Start until the first
// result, Stop or a restart. A session reports at most one result.
type Session struct {
	Engine  Engine
	Formats []Format
	Caps    camera.Capabilities

	stream   camera.Stream
	detector Detector
	gate     *Gate
	done     chan struct{} // Closed when the frame loop returns.
	paused   atomic.Bool
	log      *zap.Logger

	mu      sync.Mutex
	last    image.Image // Last raw frame, for snapshots.
	zoom    float64
	quality *MAF
	err     error // Why the stream failed, if it did.
}

// Fired returns whether the session delivered its result.
func (s *Session) Fired() bool {
	return s.gate.Fired()
}

// Done returns a channel that is closed when the frame loop stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the stream error that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) close() {
	s.gate.Close()
}

// fail ends the session without a result and releases the camera.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = &Error{StartFailed, fmt.Errorf("camera stream: %w", err)}
	s.mu.Unlock()
	s.log.Info("camera stream failed", zap.Error(err))
	s.gate.Close()
}

func (s *Session) setLast(img image.Image) {
	s.mu.Lock()
	s.last = img
	s.mu.Unlock()
}

func (s *Session) lastFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) updateQuality(q float64) {
	s.mu.Lock()
	s.quality.Update(q)
	s.mu.Unlock()
}

func (s *Session) qualityValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality.Value()
}

// run is the frame loop. It handles one frame at a time: frames arriving
// while a frame is being decoded are dropped by the stream.
func (s *Session) run(ctx context.Context, cfg *Config) {
	defer close(s.done)

	var surface enhance.Surface
	enh := enhance.NewEnhancer(cfg.Enhance)
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.fail(errors.New("stream ended"))
				}
				return
			}
			if ev.Err != nil {
				s.fail(ev.Err)
				return
			}
			if s.gate.Fired() || s.paused.Load() || ev.Frame == nil {
				continue
			}
			b := ev.Frame.Bounds()
			if b.Empty() {
				continue
			}
			s.setLast(ev.Frame)

			roi := enhance.CenterROI(b, cfg.ROIWidth, cfg.ROIHeight)
			img := surface.Draw(ev.Frame, roi, cfg.Upscale)
			s.updateQuality(enhance.Quality(img))
			enh.Apply(img)

			r, ok := attempt(ctx, s.detector, img, s.Formats, s.log)
			if ctx.Err() != nil {
				return
			}
			if ok {
				s.gate.Offer(r)
			}
		}
	}
}
