// Package gstreamer implements a camera stream with the gstreamer tools.
package gstreamer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	scanner "github.com/stockscan/scanner-go"
	"github.com/stockscan/scanner-go/camera"
)

var errInstallHint = errors.New("executable not found, install with: sudo apt install -y gstreamer1.0-tools gstreamer1.0-plugins-good gstreamer1.0-plugins-base gstreamer1.0-plugins-base-apps")

// RecorderOpts has options for a new gstreamer recorder.
type RecorderOpts struct {
	Verbose     bool
	Interval    time.Duration // Minimum time between delivered frames.
	DeviceID    string        // As retrieved from ListDevices. If empty, NewRecorder will use the first device returned by ListDevices.
	Constraints camera.Constraints
	Logger      *zap.Logger
}

// Recorder is a camera stream using gstreamer.
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

type device struct {
	ID          string
	Name        string
	DeviceClass string
	RawCaps     []string
	inCapMode   bool
}

var widthRegexp = regexp.MustCompile("width=(?:\\(int\\))?([0-9]+)[^0-9]")
var heightRegexp = regexp.MustCompile("height=(?:\\(int\\))?([0-9]+)[^0-9]")
var framerateRegexp = regexp.MustCompile("framerate=(?:\\(fraction\\))?([0-9]+)[^0-9]")

// ListDevices returns a list of video sources with their raw capabilities,
// ordered closest to 640x480 first.
// ListDevices returns an error wrapping camera.ErrNoDevice if no devices are available.
func ListDevices() ([]camera.Device, error) {
	return listDevices(640, 480)
}

func listDevices(width, height int) ([]camera.Device, error) {
	cmd := exec.Command("gst-device-monitor-1.0", "Video/Source")
	buf, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return nil, fmt.Errorf("listing devices using gst-device-monitor-1.0: %w", err)
	}
	return parseDevices(string(buf), width, height)
}

func parseDevices(s string, width, height int) ([]camera.Device, error) {
	var r []device
	var d *device
	b := bufio.NewScanner(strings.NewReader(s))
	for b.Scan() {
		s := strings.TrimSpace(b.Text())
		if s == "" {
			continue
		}
		if s == "Device found:" {
			if d != nil {
				r = append(r, *d)
			}
			d = &device{RawCaps: []string{}}
			continue
		}

		if d == nil {
			continue
		}

		if strings.HasPrefix(s, "name  :") {
			d.Name = strings.TrimSpace(strings.SplitN(s, ":", 2)[1])
			continue
		}
		if strings.HasPrefix(s, "class :") {
			d.DeviceClass = strings.TrimSpace(strings.SplitN(s, ":", 2)[1])
			continue
		}
		if strings.HasPrefix(s, "caps  :") {
			d.RawCaps = append(d.RawCaps, strings.TrimSpace(strings.SplitN(s, ":", 2)[1]))
			d.inCapMode = true
			continue
		}
		if strings.HasPrefix(s, "properties:") {
			d.inCapMode = false
			continue
		}
		if d.inCapMode {
			d.RawCaps = append(d.RawCaps, s)
		}
		if strings.HasPrefix(s, "device.path =") || strings.HasPrefix(s, "api.v4l2.path =") {
			d.ID = strings.TrimSpace(strings.SplitN(s, "=", 2)[1])
		}
	}
	if err := b.Err(); err != nil {
		return nil, err
	}

	if d != nil && d.ID != "" {
		r = append(r, *d)
	}

	var devs []camera.Device
	for _, d := range r {
		if d.DeviceClass != "Video/Source" {
			continue
		}
		var caps []camera.DeviceCap
		for _, rc := range d.RawCaps {
			if !strings.HasPrefix(rc, "video/x-raw") && !strings.HasPrefix(rc, "image/jpeg") {
				continue
			}
			mw := widthRegexp.FindStringSubmatch(rc)
			mh := heightRegexp.FindStringSubmatch(rc)
			mf := framerateRegexp.FindStringSubmatch(rc)
			if mw == nil || mh == nil || mf == nil {
				continue
			}
			width, werr := strconv.ParseInt(mw[1], 10, 32)
			height, herr := strconv.ParseInt(mh[1], 10, 32)
			framerate, ferr := strconv.ParseInt(mf[1], 10, 32)
			if werr != nil || herr != nil || ferr != nil {
				continue
			}
			if width != 0 && height != 0 && framerate != 0 {
				caps = append(caps, camera.DeviceCap{
					Type:      strings.SplitN(rc, ",", 2)[0],
					Width:     int(width),
					Height:    int(height),
					Framerate: int(framerate),
				})
			}
		}
		if len(caps) == 0 {
			continue
		}
		camera.SortCaps(caps, width, height)

		devs = append(devs, camera.Device{
			ID:   d.ID,
			Name: d.Name,
			Caps: caps,
		})
	}
	if len(devs) == 0 {
		return nil, camera.ErrNoDevice
	}

	return devs, nil
}

// pipeline returns the gst-launch-1.0 arguments for a device cap.
func pipeline(deviceID string, c camera.DeviceCap, dir string) []string {
	args := []string{
		"v4l2src",
		"device=" + deviceID,
		"!",
	}
	if c.Type == "image/jpeg" {
		args = append(args,
			fmt.Sprintf("image/jpeg,width=%d,height=%d,framerate=%d/1", c.Width, c.Height, c.Framerate),
			"!",
			"jpegdec",
			"!",
		)
	} else {
		args = append(args,
			fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", c.Width, c.Height, c.Framerate),
			"!",
		)
	}
	return append(args,
		"videoconvert",
		"!",
		"jpegenc",
		"!",
		"multifilesink",
		"location="+dir+"/frame%05d.jpg",
	)
}

// NewRecorder creates a new recorder using gstreamer. The device capability
// closest to the requested constraints is used. Gstreamer writes frames to a
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

	width, height := opts.Constraints.Width, opts.Constraints.Height
	if width == 0 || height == 0 {
		width, height = 640, 480
	}
	devices, err := listDevices(width, height)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	var dev camera.Device
	if r.opts.DeviceID == "" {
		dev = devices[0]
		r.opts.DeviceID = dev.ID
	} else {
		for _, d := range devices {
			if d.ID == r.opts.DeviceID {
				dev = d
				break
			}
		}
		if dev.ID == "" {
			return nil, fmt.Errorf("device %q: %w", r.opts.DeviceID, camera.ErrNoDevice)
		}
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
	log.Debug("gstreamer recorder writing frames", zap.String("dir", r.tempDir))

	r.frames, err = camera.WatchFrames(r.tempDir, camera.FrameDirOpts{
		Interval: r.opts.Interval,
		Accept:   func(op fsnotify.Op) bool { return op != fsnotify.Remove },
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	args := pipeline(r.opts.DeviceID, dev.Caps[0], r.tempDir)
	log.Debug("starting gstreamer", zap.String("pipeline", strings.Join(args, " ")))

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	cmd := exec.CommandContext(ctx, "gst-launch-1.0", args...)
	cmd.Dir = r.tempDir
	if r.opts.Verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return nil, fmt.Errorf("starting gstreamer with gst-launch-1.0: %w", err)
	}
	go cmd.Wait()

	return r, nil
}

// Close shuts down the recorder, stopping gstreamer and removing the temporary
// directory.
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
