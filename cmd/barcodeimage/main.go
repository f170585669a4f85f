// Command barcodeimage decodes barcodes in image files named on the command
// line, printing the results.
//
// Example:
//
//	barcodeimage -restrict CODE_128 label1.jpg label2.png
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/zxing"
)

var (
	nativePath string
	restrict   string
	maxSize    int
	verbose    bool
	traceDir   string
)

func init() {
	flag.StringVar(&nativePath, "native", "", "if set, native decode helper executable to try before the software decoder")
	flag.StringVar(&restrict, "restrict", "", "if set, only decode this format, eg QR_CODE or EAN_13")
	flag.IntVar(&maxSize, "maxsize", 2000, "images with a larger width or height are scaled down first, 0 disables scaling")
	flag.BoolVar(&verbose, "verbose", false, "print verbose output")
	flag.StringVar(&traceDir, "tracedir", "", "if set, store the native helper requests and responses in the named directory")
}

func usage() {
	log.Println("usage: barcodeimage [flags] imagefile ...")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	logger := zap.NewNop()
	if verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalf("new logger: %v", err)
		}
	}

	var format scanner.Format
	if restrict != "" {
		var err error
		format, err = scanner.ParseFormat(restrict)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}

	cfg := scanner.Config{
		OnDetected: func(string) {},
		Restrict:   format,
		Software:   zxing.New(&zxing.Opts{Logger: logger}),
		Logger:     logger,
	}
	var native *scanner.NativeProcess
	if nativePath != "" {
		var err error
		native, err = scanner.NewNativeProcess(nativePath, &scanner.NativeOpts{TraceDir: traceDir, Logger: logger})
		if err != nil {
			log.Fatalf("new native helper: %v", err)
		}
		cfg.Native = native
	}
	s := scanner.New(cfg)

	fatalf := func(format string, args ...interface{}) {
		log.Printf(format, args...)
		if native != nil {
			native.Close()
		}
		os.Exit(1)
	}

	ctx := context.Background()
	failed := 0
	for _, path := range args {
		// Photos from phones are often rotated through their EXIF data only.
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			fatalf("reading image: %v", err)
		}
		if b := img.Bounds(); maxSize > 0 && (b.Dx() > maxSize || b.Dy() > maxSize) {
			img = imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
		}
		r, err := s.DecodeImage(ctx, img)
		if err != nil {
			log.Printf("%s: %v", path, err)
			failed++
		} else {
			fmt.Printf("%s: %s\n", path, r)
		}
	}
	if native != nil {
		native.Close()
	}
	if failed > 0 {
		os.Exit(1)
	}
}
