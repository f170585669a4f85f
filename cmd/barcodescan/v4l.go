//go:build linux

package main

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/stockscan/scanner-go/camera"
	"github.com/stockscan/scanner-go/camera/v4l"
)

func init() {
	recorders["v4l"] = recorder{listV4L, func(ctx context.Context, deviceID string, c camera.Constraints, log *zap.Logger) (camera.Stream, error) {
		return v4l.Open(v4l.Opts{DeviceID: deviceID, Constraints: c, Logger: log})
	}}
}

func listV4L() ([]camera.Device, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	var l []camera.Device
	for _, p := range paths {
		if camera.CheckAccess(p) == nil {
			l = append(l, camera.Device{Name: filepath.Base(p), ID: p})
		}
	}
	return l, nil
}
