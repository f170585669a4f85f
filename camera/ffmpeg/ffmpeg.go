// Package ffmpeg implements a camera stream with ffmpeg reading a v4l2 device.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/camera"
)

var errInstallHint = errors.New("executable not found, install with: sudo apt install -y ffmpeg v4l-utils")

// RecorderOpts has options for a new ffmpeg recorder.
type RecorderOpts struct {
	Verbose     bool
	Interval    time.Duration // How often to deliver a frame. Defaults to the constraint frame rate.
	DeviceID    string        // As retrieved from ListDevices. If empty, NewRecorder will use the first device returned by ListDevices.
	Constraints camera.Constraints
	Logger      *zap.Logger
}

// Recorder is a camera stream using ffmpeg.
type Recorder struct {
	opts    RecorderOpts
	frames  *camera.FrameDir
	tempDir string
	cancel  context.CancelFunc
}

// Check that Recorder implements interface Stream.
var _ camera.Stream = (*Recorder)(nil)

// Events returns a channel on which Events can be received.
func (r *Recorder) Events() chan camera.Event {
	return r.frames.Events()
}

// ListDevices returns a list of devices that can be used for recording.
// ListDevices returns an error wrapping camera.ErrNoDevice if no devices are available.
func ListDevices() ([]camera.Device, error) {
	cmd := exec.Command("v4l2-ctl", "--list-devices")
	buf, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return nil, fmt.Errorf("listing devices using v4l2-ctl: %w", err)
	}
	return parseDevices(string(buf))
}

func parseDevices(s string) ([]camera.Device, error) {
	var curDevice string
	devices := []camera.Device{}
	for _, line := range strings.Split(s, "\n") {
		if !strings.HasPrefix(line, "\t") {
			curDevice = strings.TrimSuffix(strings.TrimSpace(line), ":")
			continue
		}
		if curDevice == "" || strings.HasPrefix(curDevice, "bcm2835-") {
			continue
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "/dev/video") {
			continue
		}
		devices = append(devices, camera.Device{
			Name: fmt.Sprintf("%s (%s)", curDevice, line),
			ID:   line,
		})
	}
	if len(devices) == 0 {
		return nil, camera.ErrNoDevice
	}
	return devices, nil
}

// frameInterval derives the delivery interval from the options.
func frameInterval(opts RecorderOpts) time.Duration {
	if opts.Interval > 0 {
		return opts.Interval
	}
	if opts.Constraints.FrameRate > 0 {
		return time.Second / time.Duration(opts.Constraints.FrameRate)
	}
	return 100 * time.Millisecond
}

// args returns the ffmpeg command line for the options.
func args(opts RecorderOpts) []string {
	size := "640x480"
	if c := opts.Constraints; c.Width > 0 && c.Height > 0 {
		size = fmt.Sprintf("%dx%d", c.Width, c.Height)
	}
	return []string{
		"-framerate", fmt.Sprintf("%d", int(time.Second/frameInterval(opts))),
		"-video_size", size,
		"-c:v", "mjpeg",
		"-i", opts.DeviceID,
		"-f", "image2",
		"-c:v", "copy",
		"-bsf:v", "mjpeg2jpeg",
		"-qscale:v", "2",
		"frame%d.jpg",
	}
}

// NewRecorder creates a new recorder using ffmpeg. Ffmpeg writes frames to a
// temporary directory. These files are read and sent over the channel returned
// by Events.
//
// Callers must call Close to clean up.
func NewRecorder(opts RecorderOpts) (recorder *Recorder, rerr error) {
	r := &Recorder{}
	r.opts = opts
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if r.opts.DeviceID == "" {
		devs, err := ListDevices()
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		r.opts.DeviceID = devs[0].ID
	}
	if err := camera.CheckAccess(r.opts.DeviceID); err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.opts.DeviceID, err)
	}

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			r.Close()
		}
	}()

	tempDir, err := scanner.TempDir()
	if err != nil {
		return nil, fmt.Errorf("making temp dir: %w", err)
	}
	r.tempDir = tempDir
	log.Debug("ffmpeg recorder writing frames", zap.String("dir", r.tempDir))

	r.frames, err = camera.WatchFrames(r.tempDir, camera.FrameDirOpts{
		Interval: frameInterval(r.opts),
		Accept:   func(op fsnotify.Op) bool { return op == fsnotify.Write },
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	cmdArgs := args(r.opts)
	log.Debug("starting ffmpeg", zap.Strings("args", cmdArgs))

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	ffmpeg := exec.CommandContext(ctx, "ffmpeg", cmdArgs...)
	ffmpeg.Dir = r.tempDir
	if r.opts.Verbose {
		ffmpeg.Stdout = os.Stdout
		ffmpeg.Stderr = os.Stderr
	}
	if err := ffmpeg.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return nil, fmt.Errorf("starting command ffmpeg: %w", err)
	}
	go ffmpeg.Wait()

	return r, nil
}

// Close shuts down the recorder, stopping ffmpeg and removing the temporary directory.
func (r *Recorder) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.frames != nil {
		r.frames.Close()
	}
	if r.tempDir != "" {
		os.RemoveAll(r.tempDir)
	}
	return nil
}
