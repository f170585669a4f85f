package scanner

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"
)

// DecodeResult is a recognized barcode.
type DecodeResult struct {
	Text   string // Raw decoded text, not trimmed or validated.
	Format Format
	Engine string // Name of the Detector that produced the result.
}

func (r DecodeResult) String() string {
	return fmt.Sprintf("%s %q (%s)", r.Format, r.Text, r.Engine)
}

// Detector is a barcode decode engine.
type Detector interface {
	// Name identifies the engine in results and logs.
	Name() string

	// SupportedFormats returns the formats the engine can decode. An error
	// means the engine is unusable.
	SupportedFormats(ctx context.Context) ([]Format, error)

	// Detect decodes barcodes of the given formats from img. Detect must
	// not retain img after returning: the live loop reuses its pixels. No
	// barcode is not an error, and results in an empty slice.
	Detect(ctx context.Context, img image.Image, formats []Format) ([]DecodeResult, error)
}

// Chain decodes with a native engine first, if there is a usable one, and
// falls back to the software engine.
type Chain struct {
	Native   Detector // May be nil.
	Software Detector // May be nil.
	Logger   *zap.Logger
}

// Decode runs img through the engines in order and returns the first
// result that is of one of formats. Engine errors and panics count as no
// result.
func (c *Chain) Decode(ctx context.Context, img image.Image, formats []Format) (DecodeResult, bool) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	for _, d := range []Detector{c.Native, c.Software} {
		if d == nil {
			continue
		}
		if r, ok := attempt(ctx, d, img, formats, log); ok {
			return r, true
		}
		if ctx.Err() != nil {
			break
		}
	}
	return DecodeResult{}, false
}

// attempt runs a single detector. Results with empty text or with a format
// that was not asked for are dropped, so a restricted scan never reports
// another symbology even when an engine ignores its format list.
func attempt(ctx context.Context, d Detector, img image.Image, formats []Format, log *zap.Logger) (result DecodeResult, ok bool) {
	defer func() {
		if x := recover(); x != nil {
			log.Debug("decode engine panic", zap.String("engine", d.Name()), zap.Any("panic", x))
			result, ok = DecodeResult{}, false
		}
	}()

	l, err := d.Detect(ctx, img, formats)
	if err != nil {
		log.Debug("decode attempt", zap.String("engine", d.Name()), zap.Error(&Error{DecodeAttemptFailed, err}))
		return DecodeResult{}, false
	}
	for _, r := range l {
		if r.Text == "" {
			continue
		}
		if !containsFormat(formats, r.Format) {
			log.Debug("dropping result of unrequested format", zap.String("engine", d.Name()), zap.String("format", string(r.Format)))
			continue
		}
		if r.Engine == "" {
			r.Engine = d.Name()
		}
		return r, true
	}
	return DecodeResult{}, false
}
