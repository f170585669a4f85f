// Package imagesnap implements a camera stream with the imagesnap command
// for macOS.
package imagesnap

import (
	"context"
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

// ListDevices returns all image capturing devices available to imagesnap.
// ListDevices returns an error wrapping camera.ErrNoDevice if no devices are available.
func ListDevices() ([]camera.Device, error) {
	cmd := exec.Command("imagesnap", "-l")
	buf, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing devices with imagesnap -l: %w", err)
	}
	return parseDevices(string(buf))
}

func parseDevices(s string) ([]camera.Device, error) {
	devs := []camera.Device{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "=> ") {
			// Newer format, example: "=> FaceTime HD Camera (Built-in)"
			name := line[len("=> "):]
			devs = append(devs, camera.Device{Name: name, ID: name})
		} else if strings.HasPrefix(line, "<") {
			// Older format, example: "<AVCaptureDALDevice: 0x7fa2c7852fd0 [FaceTime HD Camera (Built-in)][0x8020000005ac8514]>"
			t := strings.Split(line, "[")
			if len(t) < 2 {
				continue
			}
			name := strings.Split(t[1], "]")[0]
			devs = append(devs, camera.Device{Name: name, ID: name})
		}
	}
	if len(devs) == 0 {
		return nil, camera.ErrNoDevice
	}
	return devs, nil
}

// RecorderOpts has options for a new imagesnap recorder.
type RecorderOpts struct {
	Verbose  bool
	Interval time.Duration // How often to take a snapshot.
	DeviceID string        // As returned by ListDevices. If empty, NewRecorder will use the first device returned by ListDevices.
	Logger   *zap.Logger
}

// Recorder records frames by starting imagesnap and configuring it to write
// snapshots to temporary storage. Imagesnap has no size or focus settings,
// so constraints are not applied.
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

// NewRecorder creates a new recorder by starting imagesnap, making it write
// frames to a temporary directory. These frames are read and sent on the
// channel returned by Events.
//
// Callers must call Close to clean up.
func NewRecorder(opts RecorderOpts) (recorder *Recorder, rerr error) {
	r := &Recorder{}
	r.opts = opts
	if r.opts.Interval <= 0 {
		r.opts.Interval = 250 * time.Millisecond
	}
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
	log.Debug("imagesnap recorder writing frames", zap.String("dir", r.tempDir))

	r.frames, err = camera.WatchFrames(r.tempDir, camera.FrameDirOpts{
		Accept: func(op fsnotify.Op) bool { return op == fsnotify.Create },
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	args := []string{
		"-d", r.opts.DeviceID,
		"-t", fmt.Sprintf("%.2f", r.opts.Interval.Seconds()),
	}
	log.Debug("starting imagesnap", zap.Strings("args", args))

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	cmd := exec.CommandContext(ctx, "imagesnap", args...)
	cmd.Dir = r.tempDir
	if r.opts.Verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting imagesnap: %w", err)
	}
	go cmd.Wait()

	return r, nil
}

// Close shuts down the recorder, stopping the imagesnap process and removing
// the temporary directory.
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
