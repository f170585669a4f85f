// Package zxing is the software barcode decoder, built on gozxing.
package zxing

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"
	"go.uber.org/zap"

	scanner "github.com/stockscan/scanner-go"
)

var formats = []struct {
	format    scanner.Format
	zxing     gozxing.BarcodeFormat
	newReader func() gozxing.Reader // Nil if gozxing cannot decode it.
}{
	{scanner.Code93, gozxing.BarcodeFormat_CODE_93, func() gozxing.Reader { return oned.NewCode93Reader() }},
	{scanner.Code128, gozxing.BarcodeFormat_CODE_128, func() gozxing.Reader { return oned.NewCode128Reader() }},
	{scanner.Code39, gozxing.BarcodeFormat_CODE_39, func() gozxing.Reader { return oned.NewCode39Reader() }},
	{scanner.Codabar, gozxing.BarcodeFormat_CODABAR, func() gozxing.Reader { return oned.NewCodaBarReader() }},
	{scanner.EAN13, gozxing.BarcodeFormat_EAN_13, func() gozxing.Reader { return oned.NewEAN13Reader() }},
	{scanner.EAN8, gozxing.BarcodeFormat_EAN_8, func() gozxing.Reader { return oned.NewEAN8Reader() }},
	{scanner.UPCA, gozxing.BarcodeFormat_UPC_A, func() gozxing.Reader { return oned.NewUPCAReader() }},
	{scanner.UPCE, gozxing.BarcodeFormat_UPC_E, func() gozxing.Reader { return oned.NewUPCEReader() }},
	{scanner.ITF, gozxing.BarcodeFormat_ITF, func() gozxing.Reader { return oned.NewITFReader() }},
	{scanner.QRCode, gozxing.BarcodeFormat_QR_CODE, func() gozxing.Reader { return qrcode.NewQRCodeReader() }},
	{scanner.UPCEANExtension, gozxing.BarcodeFormat_UPC_EAN_EXTENSION, nil},
	{scanner.DataMatrix, gozxing.BarcodeFormat_DATA_MATRIX, nil},
	{scanner.PDF417, gozxing.BarcodeFormat_PDF_417, nil},
	{scanner.Aztec, gozxing.BarcodeFormat_AZTEC, nil},
	{scanner.RSS14, gozxing.BarcodeFormat_RSS_14, nil},
	{scanner.RSSExpanded, gozxing.BarcodeFormat_RSS_EXPANDED, nil},
}

// ToZXing returns the gozxing format for f.
func ToZXing(f scanner.Format) (gozxing.BarcodeFormat, bool) {
	for _, x := range formats {
		if x.format == f {
			return x.zxing, true
		}
	}
	return 0, false
}

// FromZXing returns the format for a gozxing format.
func FromZXing(f gozxing.BarcodeFormat) (scanner.Format, bool) {
	for _, x := range formats {
		if x.zxing == f {
			return x.format, true
		}
	}
	return "", false
}

// Opts are options for a Decoder.
type Opts struct {
	Logger *zap.Logger
}

// Decoder decodes barcodes in images with the gozxing readers. It is safe
// for concurrent use.
type Decoder struct {
	log *zap.Logger
}

var _ scanner.Detector = (*Decoder)(nil)

// New returns a new Decoder.
func New(opts *Opts) *Decoder {
	d := &Decoder{log: zap.NewNop()}
	if opts != nil && opts.Logger != nil {
		d.log = opts.Logger
	}
	return d
}

// Name returns "zxing".
func (d *Decoder) Name() string {
	return "zxing"
}

// SupportedFormats returns the formats gozxing has readers for, in
// preference order.
func (d *Decoder) SupportedFormats(ctx context.Context) ([]scanner.Format, error) {
	l := []scanner.Format{}
	for _, f := range scanner.DesiredFormats("") {
		if newReader(f) != nil {
			l = append(l, f)
		}
	}
	return l, nil
}

func newReader(f scanner.Format) gozxing.Reader {
	for _, x := range formats {
		if x.format == f && x.newReader != nil {
			return x.newReader()
		}
	}
	return nil
}

// hints returns the decode hints for a format list. Readers treat the
// presence of a boolean hint as true, so hints that are off (GS1, pure
// barcode, Code 39 check digit, Codabar start/end) are left out.
func hints(l []scanner.Format) map[gozxing.DecodeHintType]interface{} {
	possible := []gozxing.BarcodeFormat{}
	for _, f := range l {
		if zf, ok := ToZXing(f); ok {
			possible = append(possible, zf)
		}
	}
	return map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER:       true,
		gozxing.DecodeHintType_CHARACTER_SET:    "UTF-8",
		gozxing.DecodeHintType_POSSIBLE_FORMATS: possible,
	}
}

// Detect tries the readers for l in order and returns the first result.
// Formats without a reader are skipped.
func (d *Decoder) Detect(ctx context.Context, img image.Image, l []scanner.Format) ([]scanner.DecodeResult, error) {
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image")
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("making binary bitmap: %w", err)
	}
	h := hints(l)
	for _, f := range l {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := newReader(f)
		if r == nil {
			continue
		}
		res, err := r.Decode(bmp, h)
		if err != nil {
			var nf gozxing.NotFoundException
			if !errors.As(err, &nf) {
				d.log.Debug("zxing reader", zap.String("format", string(f)), zap.Error(err))
			}
			continue
		}
		rf, ok := FromZXing(res.GetBarcodeFormat())
		if !ok {
			continue
		}
		return []scanner.DecodeResult{{Text: res.GetText(), Format: rf, Engine: d.Name()}}, nil
	}
	return []scanner.DecodeResult{}, nil
}
