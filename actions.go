package scanner

import (
	"go.uber.org/zap"

	"github.com/stockscan/scanner-go/camera"
)

// controls returns the session and its camera controls, or an
// CapabilityUnsupported error.
func (s *Scanner) controls() (*Session, camera.Controls, error) {
	sess := s.Session()
	if sess == nil || sess.Fired() {
		return nil, nil, &Error{Kind: CapabilityUnsupported}
	}
	ctl, ok := sess.stream.(camera.Controls)
	if !ok {
		return nil, nil, &Error{Kind: CapabilityUnsupported}
	}
	return sess, ctl, nil
}

// Zoom sets the camera zoom, clamped to what the camera supports, and
// returns the level set. Device errors are logged and otherwise ignored;
// an error is only returned when the camera cannot zoom at all.
func (s *Scanner) Zoom(level float64) (float64, error) {
	sess, ctl, err := s.controls()
	if err != nil {
		return 0, err
	}
	if !sess.Caps.CanZoom() {
		return 0, &Error{Kind: CapabilityUnsupported}
	}

	level = sess.Caps.Zoom.Clamp(level)
	if err := ctl.SetZoom(level); err != nil {
		s.log.Debug("setting zoom", zap.Float64("level", level), zap.Error(err))
	}
	sess.mu.Lock()
	sess.zoom = level
	sess.mu.Unlock()
	return level, nil
}

// ToggleZoom switches between 1× and 3× (or the maximum, if lower), and
// refocuses continuously after zooming in. It returns the new level.
func (s *Scanner) ToggleZoom() (float64, error) {
	sess, ctl, err := s.controls()
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	cur := sess.zoom
	sess.mu.Unlock()

	target := float64(zoomIn)
	if cur >= zoomIn || (sess.Caps.Zoom != nil && cur >= sess.Caps.Zoom.Max) {
		target = zoomOut
	}
	level, err := s.Zoom(target)
	if err != nil {
		return 0, err
	}
	if level > zoomOut && sess.Caps.SupportsFocus(camera.FocusContinuous) {
		if err := ctl.SetFocus(camera.FocusContinuous, 0.1, nil); err != nil {
			s.log.Debug("refocusing after zoom", zap.Error(err))
		}
	}
	return level, nil
}

// ZoomLevel returns the current zoom level, 1 without a session.
func (s *Scanner) ZoomLevel() float64 {
	sess := s.Session()
	if sess == nil {
		return 1
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.zoom
}

// FocusAt focuses on a point of the frame, with x and y from 0 to 1.
func (s *Scanner) FocusAt(x, y float64) error {
	sess, ctl, err := s.controls()
	if err != nil {
		return err
	}
	var mode camera.FocusMode
	switch {
	case sess.Caps.SupportsFocus(camera.FocusSingleShot):
		mode = camera.FocusSingleShot
	case sess.Caps.SupportsFocus(camera.FocusManual):
		mode = camera.FocusManual
	default:
		return &Error{Kind: CapabilityUnsupported}
	}
	p := &camera.Point{X: clamp01(x), Y: clamp01(y)}
	if err := ctl.SetFocus(mode, 0.1, p); err != nil {
		s.log.Debug("focusing at point", zap.Float64("x", p.X), zap.Float64("y", p.Y), zap.Error(err))
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
