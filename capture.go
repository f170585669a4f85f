package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/stockscan/scanner-go/enhance"
)

// Capture decodes the last frame of the running session, in full instead
// of the region of interest.
func (s *Scanner) Capture(ctx context.Context) (DecodeResult, error) {
	sess := s.Session()
	if sess == nil {
		return DecodeResult{}, &Error{StillImageDecodeFailed, errors.New("no camera session")}
	}
	img := sess.lastFrame()
	if img == nil {
		return DecodeResult{}, &Error{StillImageDecodeFailed, errors.New("no camera frame yet")}
	}
	return s.DecodeImage(ctx, img)
}

// DecodeFile decodes the image file at path.
func (s *Scanner) DecodeFile(ctx context.Context, path string) (DecodeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return DecodeResult{}, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	return s.DecodeReader(ctx, f)
}

// DecodeReader decodes an image read from r, for example a JPEG or PNG.
// Photos are turned upright according to their EXIF orientation first.
func (s *Scanner) DecodeReader(ctx context.Context, r io.Reader) (DecodeResult, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return DecodeResult{}, &Error{StillImageDecodeFailed, fmt.Errorf("decoding image: %w", err)}
	}
	return s.DecodeImage(ctx, img)
}

// DecodeImage decodes a still image with all engines, native first. A
// result is delivered through the running session, so nothing is reported
// if the session already fired. Without a session, OnDetected is called
// directly.
//
// If no barcode is recognized, an *Error of kind StillImageDecodeFailed is
// returned and the session keeps scanning.
func (s *Scanner) DecodeImage(ctx context.Context, img image.Image) (DecodeResult, error) {
	formats := s.Formats()
	chain := &Chain{Software: s.cfg.Software, Logger: s.log}
	if usable := Probe(ctx, s.cfg.Native, formats, s.log); len(usable) > 0 {
		chain.Native = s.cfg.Native
	}

	r, ok := chain.Decode(ctx, enhance.Deep(img, s.cfg.Enhance), formats)
	if !ok && ctx.Err() == nil {
		// Binarization can break codes in clean images.
		r, ok = chain.Decode(ctx, img, formats)
	}
	if !ok {
		return DecodeResult{}, &Error{Kind: StillImageDecodeFailed}
	}

	if sess := s.Session(); sess != nil {
		if !sess.gate.Offer(r) {
			s.log.Debug("still image result ignored, session already done", zap.String("text", r.Text))
		}
		return r, nil
	}
	s.log.Info("barcode detected", zap.String("text", r.Text), zap.String("format", string(r.Format)), zap.String("engine", r.Engine))
	if s.cfg.OnDetected != nil {
		s.cfg.OnDetected(r.Text)
	}
	return r, nil
}
