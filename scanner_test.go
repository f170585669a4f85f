package scanner_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/camera"
	"github.com/stockscan/scanner-go/zxing"
)

func TestStartNative(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(stripes(640, 480))
	open, _ := opener(stream)
	native := &fakeDetector{
		name:    "native",
		formats: []scanner.Format{scanner.Code128, scanner.Code93},
		results: []scanner.DecodeResult{{Text: "ABC123", Format: scanner.Code128}},
	}
	software := &fakeDetector{name: "software"}
	detected := make(chan string, 10)

	s := scanner.New(scanner.Config{
		OnDetected: func(text string) { detected <- text },
		Open:       open,
		Native:     native,
		Software:   software,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := s.Session()
	if sess.Engine != scanner.EngineNative {
		t.Fatalf("engine %s, expected native", sess.Engine)
	}
	if fmt.Sprint(sess.Formats) != fmt.Sprint([]scanner.Format{scanner.Code93, scanner.Code128}) {
		t.Fatalf("unexpected session formats %v", sess.Formats)
	}

	stream.send(t, stripes(640, 480))
	if text := receive(t, detected); text != "ABC123" {
		t.Fatalf("detected %q, expected ABC123", text)
	}
	<-sess.Done()
	if !stream.closed() {
		t.Fatalf("stream not closed after detection")
	}
	if st := s.State(); st != scanner.Fired {
		t.Fatalf("state %s, expected fired", st)
	}
	if stream.send(t, stripes(640, 480)) {
		t.Fatalf("stream accepted frames after detection")
	}
	if len(detected) != 0 {
		t.Fatalf("detected more than once")
	}
	if software.callCount() != 0 {
		t.Fatalf("software engine used while native was usable")
	}

	// Late manual results are ignored.
	if _, err := s.DecodeImage(ctx, stripes(64, 64)); err != nil {
		t.Fatalf("decode image: %v", err)
	}
	if len(detected) != 0 {
		t.Fatalf("manual result passed a fired session")
	}
}

func TestStartErrors(t *testing.T) {
	ctx := context.Background()
	software := &fakeDetector{name: "software"}

	failing := func(err error) scanner.Opener {
		return func(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
			return nil, err
		}
	}

	s := scanner.New(scanner.Config{Open: failing(fmt.Errorf("opening: %w", camera.ErrPermissionDenied)), Software: software})
	err := s.Start(ctx)
	if !scanner.IsKind(err, scanner.PermissionDenied) {
		t.Fatalf("got %v, expected permission denied", err)
	}
	if !strings.Contains(err.Error(), "permission") {
		t.Fatalf("unhelpful message %q", err)
	}
	if !errors.Is(err, camera.ErrPermissionDenied) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if st := s.State(); st != scanner.Failed {
		t.Fatalf("state %s, expected failed", st)
	}

	s = scanner.New(scanner.Config{Open: failing(camera.ErrOverconstrained), Software: software})
	if err := s.Start(ctx); !scanner.IsKind(err, scanner.NoDeviceFound) {
		t.Fatalf("got %v, expected no device", err)
	}

	s = scanner.New(scanner.Config{Open: failing(errors.New("device busy")), Software: software})
	err = s.Start(ctx)
	if !scanner.IsKind(err, scanner.StartFailed) || !strings.Contains(err.Error(), "device busy") {
		t.Fatalf("got %v, expected start failed with cause", err)
	}

	s = scanner.New(scanner.Config{Software: software})
	if err := s.Start(ctx); !scanner.IsKind(err, scanner.EnvironmentUnsupported) {
		t.Fatalf("got %v, expected environment unsupported", err)
	}

	open, n := opener(newFakeStream(nil))
	s = scanner.New(scanner.Config{Open: open, Software: software, Origin: "http://odoo.example.com"})
	if err := s.Start(ctx); !scanner.IsKind(err, scanner.InsecureContext) {
		t.Fatalf("got %v, expected insecure context", err)
	}
	if n.Load() != 0 {
		t.Fatalf("camera opened for insecure origin")
	}
}

func TestFirstFrameError(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(nil)
	open, _ := opener(stream)
	s := scanner.New(scanner.Config{Open: open, Software: &fakeDetector{name: "software"}})
	stream.events <- camera.Event{Err: errors.New("broken pipe")}
	err := s.Start(ctx)
	if !scanner.IsKind(err, scanner.StartFailed) || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("got %v, expected start failed", err)
	}
	if !stream.closed() {
		t.Fatalf("stream not released after failed start")
	}

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	stream = newFakeStream(nil)
	open, _ = opener(stream)
	s = scanner.New(scanner.Config{Open: open, Software: &fakeDetector{name: "software"}})
	if err := s.Start(ctx); err == nil {
		t.Fatalf("start without frames succeeded")
	}
	if !stream.closed() {
		t.Fatalf("stream not released after cancelled start")
	}
}

func TestRestricted(t *testing.T) {
	ctx := context.Background()
	s1 := newFakeStream(stripes(640, 480))
	s2 := newFakeStream(stripes(640, 480))
	open, _ := opener(s1, s2)
	software := &fakeDetector{
		name:    "software",
		results: []scanner.DecodeResult{{Text: "9780201379624", Format: scanner.EAN13}},
	}
	detected := make(chan string, 10)
	s := scanner.New(scanner.Config{
		OnDetected: func(text string) { detected <- text },
		Open:       open,
		Software:   software,
		Restrict:   scanner.Code93,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 4; i++ {
		s1.send(t, stripes(640, 480))
	}
	waitFor(t, "decode attempts", func() bool { return software.callCount() >= 4 })
	if len(detected) != 0 {
		t.Fatalf("restricted scan reported %q", <-detected)
	}
	if formats, _ := software.last(); len(formats) != 1 || formats[0] != scanner.Code93 {
		t.Fatalf("detector got formats %v, expected only CODE_93", formats)
	}
	if st := s.State(); st != scanner.Scanning {
		t.Fatalf("state %s, expected scanning", st)
	}

	if err := s.SetRestricted(ctx, scanner.EAN13); err != nil {
		t.Fatalf("set restricted: %v", err)
	}
	if !s1.closed() {
		t.Fatalf("old stream not closed on restart")
	}
	s2.send(t, stripes(640, 480))
	if text := receive(t, detected); text != "9780201379624" {
		t.Fatalf("detected %q", text)
	}
	if fmt.Sprint(s.Formats()) != "[EAN_13]" {
		t.Fatalf("unexpected formats %v", s.Formats())
	}

	// The session fired, clearing only changes the formats.
	if err := s.ClearRestricted(ctx); err != nil {
		t.Fatalf("clear restricted: %v", err)
	}
	if len(s.Formats()) != 17 || s.Formats()[0] != scanner.Code93 {
		t.Fatalf("unexpected formats %v", s.Formats())
	}
}

func TestFallbackToSoftware(t *testing.T) {
	ctx := context.Background()
	natives := []*fakeDetector{
		{name: "native", probeErr: errors.New("no helper")},
		{name: "native", probePanics: true},
		{name: "native", formats: []scanner.Format{}},
	}
	for i, native := range natives {
		stream := newFakeStream(stripes(320, 240))
		open, _ := opener(stream)
		software := &fakeDetector{
			name:    "software",
			results: []scanner.DecodeResult{{Text: "ABC123", Format: scanner.Code128}},
		}
		detected := make(chan string, 1)
		s := scanner.New(scanner.Config{
			OnDetected: func(text string) { detected <- text },
			Open:       open,
			Native:     native,
			Software:   software,
		})
		if err := s.Start(ctx); err != nil {
			t.Fatalf("%d: start: %v", i, err)
		}
		if e := s.Session().Engine; e != scanner.EngineSoftware {
			t.Fatalf("%d: engine %s, expected software", i, e)
		}
		stream.send(t, stripes(320, 240))
		if text := receive(t, detected); text != "ABC123" {
			t.Fatalf("%d: detected %q", i, text)
		}
		if native.callCount() != 0 {
			t.Fatalf("%d: unusable native engine was called", i)
		}
	}

	// Neither engine available.
	open, _ := opener(newFakeStream(stripes(10, 10)))
	s := scanner.New(scanner.Config{Open: open, Native: natives[0]})
	if err := s.Start(ctx); !scanner.IsKind(err, scanner.StartFailed) {
		t.Fatalf("got %v, expected start failed", err)
	}
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(stripes(320, 240))
	open, _ := opener(stream)
	s := scanner.New(scanner.Config{Open: open, Software: &fakeDetector{name: "software"}})
	s.Stop()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := s.Session()
	s.Stop()
	s.Stop()
	<-sess.Done()
	if n := stream.closes.Load(); n != 1 {
		t.Fatalf("stream closed %d times, expected once", n)
	}
	if st := s.State(); st != scanner.Idle {
		t.Fatalf("state %s, expected idle", st)
	}
	if sess.Fired() {
		t.Fatalf("stopped session counts as fired")
	}
}

func TestStopFromCallback(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(stripes(320, 240))
	open, _ := opener(stream)
	detected := make(chan string, 1)
	var s *scanner.Scanner
	s = scanner.New(scanner.Config{
		OnDetected: func(text string) {
			s.Stop()
			detected <- text
		},
		Open: open,
		Software: &fakeDetector{
			name:    "software",
			results: []scanner.DecodeResult{{Text: "X", Format: scanner.QRCode}},
		},
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.send(t, stripes(320, 240))
	receive(t, detected)
	if st := s.State(); st != scanner.Idle {
		t.Fatalf("state %s, expected idle", st)
	}
}

func TestRegionOfInterest(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(stripes(1000, 600))
	open, _ := opener(stream)
	software := &fakeDetector{name: "software"}
	s := scanner.New(scanner.Config{Open: open, Software: software})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// Frames without pixels are skipped.
	stream.send(t, image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	stream.send(t, stripes(1000, 600))
	waitFor(t, "decode attempt", func() bool { return software.callCount() >= 1 })

	_, b := software.last()
	if b.Dx() != 800 || b.Dy() != 270 {
		t.Fatalf("decoded region %v, expected 800x270", b)
	}
	if b.Dx() > 1000*80/100 || b.Dy() > 600*45/100 {
		t.Fatalf("decoded region %v exceeds region of interest", b)
	}
	if software.callCount() != 1 {
		t.Fatalf("empty frame was decoded")
	}
	if q := s.Quality(); q <= 0 {
		t.Fatalf("quality %v, expected positive for a striped frame", q)
	}
}

func TestVisibility(t *testing.T) {
	ctx := context.Background()
	s1 := newFakeStream(stripes(320, 240))
	s2 := newFakeStream(stripes(320, 240))
	open, n := opener(s1, s2)
	software := &fakeDetector{
		name:    "software",
		results: []scanner.DecodeResult{{Text: "ABC123", Format: scanner.Code128}},
	}
	detected := make(chan string, 1)
	s := scanner.New(scanner.Config{
		OnDetected: func(text string) { detected <- text },
		Open:       open,
		Software:   software,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.SetVisible(ctx, false); err != nil {
		t.Fatalf("hiding: %v", err)
	}
	if st := s.State(); st != scanner.Paused {
		t.Fatalf("state %s, expected paused", st)
	}
	for i := 0; i < 3; i++ {
		s1.send(t, stripes(320, 240))
	}
	if software.callCount() != 0 || len(detected) != 0 {
		t.Fatalf("paused session decoded frames")
	}

	if err := s.SetVisible(ctx, true); err != nil {
		t.Fatalf("showing: %v", err)
	}
	if n.Load() != 2 || !s1.closed() {
		t.Fatalf("camera not reacquired, %d opens", n.Load())
	}
	if st := s.State(); st != scanner.Scanning {
		t.Fatalf("state %s, expected scanning", st)
	}
	s2.send(t, stripes(320, 240))
	receive(t, detected)

	// After a result, visibility changes do not restart the camera.
	s.SetVisible(ctx, false)
	if err := s.SetVisible(ctx, true); err != nil {
		t.Fatalf("showing: %v", err)
	}
	if n.Load() != 2 {
		t.Fatalf("camera reacquired after result")
	}
}

func TestCameraActions(t *testing.T) {
	ctx := context.Background()
	stream := &ctlStream{
		fakeStream: newFakeStream(stripes(320, 240)),
		caps: camera.Capabilities{
			Zoom:       &camera.Range{Min: 1, Max: 5, Step: 0.1},
			FocusModes: []camera.FocusMode{camera.FocusContinuous, camera.FocusManual},
		},
	}
	open, _ := opener(stream)
	s := scanner.New(scanner.Config{Open: open, Software: &fakeDetector{name: "software"}})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if len(stream.focus) != 1 || stream.focus[0] != camera.FocusContinuous {
		t.Fatalf("continuous focus not applied on start: %v", stream.focus)
	}

	if level, err := s.Zoom(10); err != nil || level != 5 {
		t.Fatalf("zoom 10 gave %v %v, expected clamp to 5", level, err)
	}
	if level, _ := s.ToggleZoom(); level != 1 {
		t.Fatalf("toggle from 5 gave %v, expected 1", level)
	}
	if level, _ := s.ToggleZoom(); level != 3 {
		t.Fatalf("toggle from 1 gave %v, expected 3", level)
	}
	if s.ZoomLevel() != 3 {
		t.Fatalf("zoom level %v, expected 3", s.ZoomLevel())
	}
	if fmt.Sprint(stream.zooms) != "[5 1 3]" {
		t.Fatalf("unexpected zooms %v", stream.zooms)
	}
	if len(stream.focus) != 2 {
		t.Fatalf("no refocus after zooming in: %v", stream.focus)
	}

	if err := s.FocusAt(0.25, 2); err != nil {
		t.Fatalf("focus at: %v", err)
	}
	last := len(stream.focus) - 1
	if stream.focus[last] != camera.FocusManual || *stream.points[last] != (camera.Point{X: 0.25, Y: 1}) {
		t.Fatalf("unexpected focus %v at %v", stream.focus[last], stream.points[last])
	}

	// Plain streams have no controls.
	plain := newFakeStream(stripes(320, 240))
	open, _ = opener(plain)
	s2 := scanner.New(scanner.Config{Open: open, Software: &fakeDetector{name: "software"}})
	if err := s2.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s2.Stop()
	if _, err := s2.Zoom(2); !scanner.IsKind(err, scanner.CapabilityUnsupported) {
		t.Fatalf("got %v, expected capability unsupported", err)
	}
	if err := s2.FocusAt(0.5, 0.5); !scanner.IsKind(err, scanner.CapabilityUnsupported) {
		t.Fatalf("got %v, expected capability unsupported", err)
	}
}

func TestLiveDecode(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(stripes(640, 480))
	open, _ := opener(stream)
	detected := make(chan string, 1)
	s := scanner.New(scanner.Config{
		OnDetected: func(text string) { detected <- text },
		Open:       open,
		Software:   zxing.New(nil),
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if e := s.Session().Engine; e != scanner.EngineSoftware {
		t.Fatalf("engine %s, expected software", e)
	}

	stream.send(t, code128(t, "A1B2C3D4"))
	if text := receive(t, detected); text != "A1B2C3D4" {
		t.Fatalf("detected %q", text)
	}
	waitFor(t, "camera release", stream.closed)
	if st := s.State(); st != scanner.Fired {
		t.Fatalf("state %s, expected fired", st)
	}
}

func TestStopWhileAcquiring(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(nil)
	open, _ := opener(stream)
	s := scanner.New(scanner.Config{Open: open, Software: &fakeDetector{name: "software"}})

	errc := make(chan error, 1)
	go func() {
		errc <- s.Start(ctx)
	}()
	waitFor(t, "acquiring", func() bool { return s.State() == scanner.Acquiring })
	if q := s.Quality(); q != 0 {
		t.Fatalf("quality %v while acquiring", q)
	}

	s.Stop()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("stopped start succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("start not cancelled by stop")
	}
	waitFor(t, "camera release", stream.closed)
	if st := s.State(); st != scanner.Idle {
		t.Fatalf("state %s, expected idle", st)
	}
	if s.Session() != nil {
		t.Fatalf("session after stopped start")
	}
}

func TestStreamFailure(t *testing.T) {
	ctx := context.Background()
	s1 := newFakeStream(stripes(320, 240))
	s2 := newFakeStream(stripes(320, 240))
	open, n := opener(s1, s2)
	software := &fakeDetector{
		name:    "software",
		results: []scanner.DecodeResult{{Text: "ABC123", Format: scanner.Code128}},
	}
	detected := make(chan string, 1)
	s := scanner.New(scanner.Config{
		OnDetected: func(text string) { detected <- text },
		Open:       open,
		Software:   software,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := s.Session()

	s1.events <- camera.Event{Err: errors.New("device unplugged")}
	<-sess.Done()
	if st := s.State(); st != scanner.Failed {
		t.Fatalf("state %s, expected failed", st)
	}
	if err := sess.Err(); !scanner.IsKind(err, scanner.StartFailed) || !strings.Contains(err.Error(), "device unplugged") {
		t.Fatalf("session error %v", err)
	}
	if !s1.closed() {
		t.Fatalf("failed stream not released")
	}
	if software.callCount() != 0 || len(detected) != 0 || sess.Fired() {
		t.Fatalf("failed session delivered a result")
	}

	// Becoming visible acquires the camera again.
	if err := s.SetVisible(ctx, true); err != nil {
		t.Fatalf("showing: %v", err)
	}
	if n.Load() != 2 {
		t.Fatalf("camera not reacquired, %d opens", n.Load())
	}
	if st := s.State(); st != scanner.Scanning {
		t.Fatalf("state %s, expected scanning", st)
	}
	s2.send(t, stripes(320, 240))
	if text := receive(t, detected); text != "ABC123" {
		t.Fatalf("detected %q", text)
	}
}

func TestRetryFailedStart(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(stripes(320, 240))
	var opens atomic.Int32
	open := func(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
		if opens.Add(1) == 1 {
			return nil, fmt.Errorf("opening /dev/video0: %w", camera.ErrNoDevice)
		}
		return stream, nil
	}
	s := scanner.New(scanner.Config{Open: open, Software: &fakeDetector{name: "software"}})
	if err := s.Start(ctx); !scanner.IsKind(err, scanner.NoDeviceFound) {
		t.Fatalf("got %v, expected no device found", err)
	}
	if st := s.State(); st != scanner.Failed {
		t.Fatalf("state %s, expected failed", st)
	}
	if err := s.SetVisible(ctx, false); err != nil || opens.Load() != 1 {
		t.Fatalf("hiding: %v, %d opens", err, opens.Load())
	}
	if err := s.SetVisible(ctx, true); err != nil {
		t.Fatalf("showing: %v", err)
	}
	if opens.Load() != 2 {
		t.Fatalf("failed start not retried")
	}
	if st := s.State(); st != scanner.Scanning {
		t.Fatalf("state %s, expected scanning", st)
	}
	s.Stop()

	// Refusals are not retried.
	s = scanner.New(scanner.Config{Open: open, Origin: "http://example.com", Software: &fakeDetector{name: "software"}})
	if err := s.Start(ctx); !scanner.IsKind(err, scanner.InsecureContext) {
		t.Fatalf("got %v, expected insecure context", err)
	}
	if err := s.SetVisible(ctx, true); err != nil || opens.Load() != 2 {
		t.Fatalf("insecure start retried: %v, %d opens", err, opens.Load())
	}
}
