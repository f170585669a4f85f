package scanner_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/camera"
)

type fakeStream struct {
	events chan camera.Event
	done   chan struct{}
	closes atomic.Int32
}

func newFakeStream(first image.Image) *fakeStream {
	s := &fakeStream{
		events: make(chan camera.Event, 1),
		done:   make(chan struct{}),
	}
	if first != nil {
		s.events <- camera.Event{Frame: first}
	}
	return s
}

func (s *fakeStream) Events() chan camera.Event {
	return s.events
}

func (s *fakeStream) Close() error {
	if s.closes.Add(1) == 1 {
		close(s.done)
	}
	return nil
}

func (s *fakeStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// send delivers a frame and returns false if the stream was closed.
func (s *fakeStream) send(t *testing.T, img image.Image) bool {
	t.Helper()
	if s.closed() {
		return false
	}
	select {
	case s.events <- camera.Event{Frame: img}:
		return true
	case <-s.done:
		return false
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout sending frame")
		return false
	}
}

// ctlStream is a fakeStream with focus and zoom controls.
type ctlStream struct {
	*fakeStream
	caps camera.Capabilities

	mu     sync.Mutex
	zooms  []float64
	focus  []camera.FocusMode
	points []*camera.Point
}

func (s *ctlStream) Capabilities() (camera.Capabilities, error) {
	return s.caps, nil
}

func (s *ctlStream) SetFocus(mode camera.FocusMode, distance float64, poi *camera.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus = append(s.focus, mode)
	s.points = append(s.points, poi)
	return nil
}

func (s *ctlStream) SetZoom(level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zooms = append(s.zooms, level)
	return nil
}

// opener returns an Opener handing out streams in order, and a counter of
// calls.
func opener(streams ...camera.Stream) (scanner.Opener, *atomic.Int32) {
	var n atomic.Int32
	return func(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
		i := int(n.Add(1)) - 1
		if i >= len(streams) {
			return nil, errors.New("no more test streams")
		}
		return streams[i], nil
	}, &n
}

type fakeDetector struct {
	name        string
	formats     []scanner.Format
	probeErr    error
	probePanics bool
	results     []scanner.DecodeResult
	detectErr   error
	panics      bool

	mu          sync.Mutex
	calls       int
	lastFormats []scanner.Format
	lastBounds  image.Rectangle
}

func (d *fakeDetector) Name() string {
	return d.name
}

func (d *fakeDetector) SupportedFormats(ctx context.Context) ([]scanner.Format, error) {
	if d.probePanics {
		panic("probe")
	}
	return d.formats, d.probeErr
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image, formats []scanner.Format) ([]scanner.DecodeResult, error) {
	d.mu.Lock()
	d.calls++
	d.lastFormats = append([]scanner.Format(nil), formats...)
	d.lastBounds = img.Bounds()
	d.mu.Unlock()
	if d.panics {
		panic("detect")
	}
	return d.results, d.detectErr
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDetector) last() ([]scanner.Format, image.Rectangle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFormats, d.lastBounds
}

func stripes(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/4)%2 == 1 {
				v = 255
			}
			img.SetNRGBA(x, y, color.NRGBA{v, v, v, 0xff})
		}
	}
	return img
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func receive(t *testing.T, c chan string) string {
	t.Helper()
	select {
	case s := <-c:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for detection")
		return ""
	}
}
