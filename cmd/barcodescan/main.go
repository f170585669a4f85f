// Command barcodescan opens a camera, scans until a barcode is recognized,
// prints it and optionally looks the code up in Odoo.
//
// Examples:
//
//	# List available devices and quit.
//	barcodescan -listdevices
//
//	# Scan with default settings.
//	barcodescan
//
//	# Scan with ffmpeg as recorder, with explicit device, for QR codes only.
//	barcodescan -recorder ffmpeg -device /dev/video0 -verbose -restrict QR_CODE
//
//	# Decode a photo instead of using the camera.
//	barcodescan -image label.jpg
//
//	# Decode each photo dropped into a directory, and look up products.
//	barcodescan -watch ~/Inbox -odoo-base https://erp.example.com -odoo-allowed https://erp.example.com -odoo-session $SESSION
//
// While scanning, SIGUSR1 pauses and resumes the scan and SIGUSR2 toggles
// the zoom. These signals are not available on Windows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"go.uber.org/zap"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/camera"
	"github.com/stockscan/scanner-go/camera/ffmpeg"
	"github.com/stockscan/scanner-go/camera/gstreamer"
	"github.com/stockscan/scanner-go/camera/imagesnap"
	"github.com/stockscan/scanner-go/inbox"
	"github.com/stockscan/scanner-go/odoo"
	"github.com/stockscan/scanner-go/zxing"
)

var (
	listDevices  bool
	recorderType string
	deviceID     string
	precision    string
	restrict     string
	nativePath   string
	imagePath    string
	watchDir     string
	origin       string
	verbose      bool
	traceDir     string
	odooBase     string
	odooSession  string
	odooAllowed  string
)

// recorder opens a stream and lists devices for a recorder type. Platform
// specific recorders register themselves in other files.
type recorder struct {
	list func() ([]camera.Device, error)
	open func(ctx context.Context, deviceID string, c camera.Constraints, log *zap.Logger) (camera.Stream, error)
}

var recorders = map[string]recorder{
	"gstreamer": {gstreamer.ListDevices, func(ctx context.Context, deviceID string, c camera.Constraints, log *zap.Logger) (camera.Stream, error) {
		return gstreamer.NewRecorder(gstreamer.RecorderOpts{Verbose: verbose, DeviceID: deviceID, Constraints: c, Logger: log})
	}},
	"ffmpeg": {ffmpeg.ListDevices, func(ctx context.Context, deviceID string, c camera.Constraints, log *zap.Logger) (camera.Stream, error) {
		return ffmpeg.NewRecorder(ffmpeg.RecorderOpts{Verbose: verbose, DeviceID: deviceID, Constraints: c, Logger: log})
	}},
	"imagesnap": {imagesnap.ListDevices, func(ctx context.Context, deviceID string, c camera.Constraints, log *zap.Logger) (camera.Stream, error) {
		return imagesnap.NewRecorder(imagesnap.RecorderOpts{Verbose: verbose, DeviceID: deviceID, Logger: log})
	}},
}

// natives are built-in native engines, selected with -native by name
// instead of a helper path.
var natives = map[string]func() (scanner.Detector, func() error, error){}

func init() {
	if runtime.GOOS == "darwin" {
		recorderType = "imagesnap"
	} else {
		recorderType = "gstreamer"
	}

	flag.BoolVar(&listDevices, "listdevices", false, "if set, lists devices and exits")
	flag.StringVar(&recorderType, "recorder", recorderType, "type of recorder to use, imagesnap on macOS; gstreamer, ffmpeg or v4l on linux; opencv if built with the opencv tag")
	flag.StringVar(&deviceID, "device", "", "device ID to use, by default, the first device returned when listing devices")
	flag.StringVar(&precision, "precision", "high", "camera precision, high or standard")
	flag.StringVar(&restrict, "restrict", "", "if set, only scan for this format, eg QR_CODE or CODE_128")
	flag.StringVar(&nativePath, "native", "", "native decode helper executable, or the name of a built-in native engine")
	flag.StringVar(&imagePath, "image", "", "if set, decode this image file instead of using the camera")
	flag.StringVar(&watchDir, "watch", "", "if set, decode pictures written to this directory instead of using the camera")
	flag.StringVar(&origin, "origin", "", "origin the scanner is served from, only secure origins may use the camera")
	flag.BoolVar(&verbose, "verbose", false, "print verbose output")
	flag.StringVar(&traceDir, "tracedir", "", "if set, store the native helper requests and responses in the named directory")
	flag.StringVar(&odooBase, "odoo-base", "", "if set, look up scanned codes in the Odoo instance at this URL")
	flag.StringVar(&odooSession, "odoo-session", "", "Odoo session_id cookie value")
	flag.StringVar(&odooAllowed, "odoo-allowed", "", "comma-separated Odoo base URLs that may be used")
}

func usage() {
	log.Println("usage: barcodescan [flags]")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	if len(flag.Args()) != 0 {
		usage()
	}
	os.Exit(main0())
}

func main0() int {
	rec, ok := recorders[recorderType]
	if !ok {
		log.Printf("unknown recorder type %q", recorderType)
		return 2
	}

	if listDevices {
		if rec.list == nil {
			log.Printf("recorder %s cannot list devices", recorderType)
			return 1
		}
		devs, err := rec.list()
		if err != nil {
			log.Printf("listing devices: %v", err)
			return 1
		}
		for _, dev := range devs {
			caps := ""
			if len(dev.Caps) > 0 {
				l := []string{}
				for _, c := range dev.Caps {
					l = append(l, fmt.Sprintf("%dx%d@%dfps", c.Width, c.Height, c.Framerate))
				}
				caps = fmt.Sprintf(" (caps: %s)", strings.Join(l, " "))
			}
			fmt.Printf("%s: %s%s\n", dev.ID, dev.Name, caps)
		}
		return 0
	}

	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Printf("new logger: %v", err)
		return 1
	}
	defer logger.Sync()

	var format scanner.Format
	if restrict != "" {
		format, err = scanner.ParseFormat(restrict)
		if err != nil {
			log.Printf("%v", err)
			return 2
		}
	}
	if precision != "high" && precision != "standard" {
		log.Printf("bad precision %q, must be high or standard", precision)
		return 2
	}

	var lookup *odoo.Client
	if odooBase != "" {
		lookup, err = odoo.NewClient(odooBase, odooSession, strings.Split(odooAllowed, ","))
		if err != nil {
			log.Printf("odoo: %v", err)
			return 2
		}
	}

	var native scanner.Detector
	if nativePath != "" {
		var closeFn func() error
		if fn, ok := natives[nativePath]; ok {
			native, closeFn, err = fn()
		} else {
			var np *scanner.NativeProcess
			np, err = scanner.NewNativeProcess(nativePath, &scanner.NativeOpts{TraceDir: traceDir, Logger: logger})
			native, closeFn = np, func() error { return np.Close() }
		}
		if err != nil {
			log.Printf("new native engine: %v", err)
			return 1
		}
		defer closeFn()
	}

	detected := make(chan string, 1)
	s := scanner.New(scanner.Config{
		OnDetected:    func(text string) { detected <- text },
		HighPrecision: precision == "high",
		Restrict:      format,
		Origin:        origin,
		Open: func(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
			return rec.open(ctx, deviceID, c, logger)
		},
		Native:   native,
		Software: zxing.New(&zxing.Opts{Logger: logger}),
		Logger:   logger,
	})

	// Interrupting cancels a camera acquisition in progress too.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report := func(text string) {
		fmt.Println(text)
		if lookup == nil {
			return
		}
		code, ok := odoo.ValidateCode(text)
		if !ok {
			// Product barcodes are not internal references.
			code = text
		}
		p, err := lookup.FindProduct(ctx, code)
		switch {
		case errors.Is(err, odoo.ErrNotFound):
			fmt.Printf("%s: no product\n", code)
		case err != nil:
			log.Printf("looking up %s: %v", code, err)
		default:
			fmt.Printf("%s: %s, on hand %g, free %g, price %.2f\n", code, p.Name, p.QtyAvailable, p.FreeQty, p.ListPrice)
		}
	}

	switch {
	case imagePath != "":
		if _, err := s.DecodeFile(ctx, imagePath); err != nil {
			log.Printf("%s: %v", imagePath, err)
			return 1
		}
		report(<-detected)
		return 0

	case watchDir != "":
		w, err := inbox.Watch(watchDir, &inbox.Opts{Logger: logger})
		if err != nil {
			log.Printf("watching: %v", err)
			return 1
		}
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return 1
			case it := <-w.Items():
				if it.Err != nil {
					log.Printf("%s", it.Err)
					return 1
				}
				if _, err := s.DecodeImage(ctx, it.Image); err != nil {
					log.Printf("%s: %v", it.Path, err)
					continue
				}
				report(<-detected)
			}
		}
	}

	if err := s.Start(ctx); err != nil {
		log.Printf("%v", err)
		return 1
	}
	defer s.Stop()

	actions := make(chan os.Signal, 1)
	notifyActions(actions)
	done := s.Session().Done()
	visible := true
	for {
		select {
		case <-ctx.Done():
			return 1
		case <-done:
			sess := s.Session()
			if sess == nil || sess.Err() == nil {
				// Fired, the result follows on detected.
				done = nil
				continue
			}
			log.Printf("%v", sess.Err())
			return 1
		case sig := <-actions:
			if isVisibilitySignal(sig) {
				visible = !visible
				if err := s.SetVisible(ctx, visible); err != nil {
					log.Printf("%v", err)
					return 1
				}
				if sess := s.Session(); sess != nil {
					done = sess.Done()
				}
				logger.Info("visibility changed", zap.Bool("visible", visible))
			} else if level, err := s.ToggleZoom(); err != nil {
				logger.Info("zoom", zap.Error(err))
			} else {
				logger.Info("zoom", zap.Float64("level", level))
			}
		case text := <-detected:
			report(text)
			return 0
		}
	}
}
