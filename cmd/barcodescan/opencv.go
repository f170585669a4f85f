//go:build opencv

package main

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/camera"
	"github.com/stockscan/scanner-go/camera/opencv"
)

func init() {
	recorders["opencv"] = recorder{nil, func(ctx context.Context, deviceID string, c camera.Constraints, log *zap.Logger) (camera.Stream, error) {
		var dev interface{} = deviceID
		if deviceID == "" {
			dev = 0
		} else if n, err := strconv.Atoi(deviceID); err == nil {
			dev = n
		}
		return opencv.Open(opencv.Opts{Device: dev, Constraints: c, Logger: log})
	}}
	natives["opencv"] = func() (scanner.Detector, func() error, error) {
		d := opencv.NewQRDetector()
		return d, d.Close, nil
	}
}
