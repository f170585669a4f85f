package scanner

import (
	"context"

	"go.uber.org/zap"

	"github.com/stockscan/scanner-go/camera"
)

// Probe returns the formats of desired that native can decode, in the order
// of desired. A nil detector, an error or a panic while probing all mean
// native detection is absent, and an empty list is returned.
func Probe(ctx context.Context, native Detector, desired []Format, log *zap.Logger) (usable []Format) {
	if native == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	defer func() {
		if x := recover(); x != nil {
			log.Debug("native probe panic", zap.Any("panic", x))
			usable = nil
		}
	}()

	supported, err := native.SupportedFormats(ctx)
	if err != nil {
		log.Debug("native detector unavailable", zap.String("engine", native.Name()), zap.Error(err))
		return nil
	}
	usable = Intersect(desired, supported)
	log.Debug("native formats", zap.String("engine", native.Name()), zap.Any("supported", supported), zap.Any("usable", usable))
	return usable
}

// ProbeCamera returns the capabilities of stream, or the zero value if the
// stream has no controls or they cannot be read.
func ProbeCamera(stream camera.Stream) camera.Capabilities {
	ctl, ok := stream.(camera.Controls)
	if !ok {
		return camera.Capabilities{}
	}
	caps, err := ctl.Capabilities()
	if err != nil {
		return camera.Capabilities{}
	}
	return caps
}
