package camera

import (
	"fmt"
	"image/jpeg"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FrameDir turns JPEG files written by a capture process into Events. The
// capture process (ffmpeg, gstreamer, imagesnap) writes numbered files into
// Dir; each file is decoded, removed, and offered on the events channel.
// Frames are dropped while nobody is receiving, so a slow consumer always
// gets a recent frame instead of a backlog.
type FrameDir struct {
	Dir string

	events   chan Event
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// FrameDirOpts are options for WatchFrames.
type FrameDirOpts struct {
	// Minimum time between two delivered frames. Files arriving faster are removed unread.
	Interval time.Duration

	// Accept reports whether a file system event signals a completed frame.
	// If nil, create and write events are accepted.
	Accept func(op fsnotify.Op) bool

	Logger *zap.Logger
}

// WatchFrames starts watching dir. Callers must call Close.
func WatchFrames(dir string, opts FrameDirOpts) (*FrameDir, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	accept := opts.Accept
	if accept == nil {
		accept = func(op fsnotify.Op) bool {
			return op&(fsnotify.Create|fsnotify.Write) != 0
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file change watcher: %w", err)
	}
	fd := &FrameDir{
		Dir:     dir,
		events:  make(chan Event),
		watcher: watcher,
		done:    make(chan struct{}),
	}

	go func() {
		var last time.Time
		for {
			select {
			case <-fd.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !accept(ev.Op) || !strings.HasSuffix(ev.Name, ".jpg") {
					continue
				}
				now := time.Now()
				if now.Sub(last) < opts.Interval*9/10 {
					if err := os.Remove(ev.Name); err != nil {
						log.Debug("removing skipped frame", zap.String("file", ev.Name), zap.Error(err))
					}
					continue
				}
				f, err := os.Open(ev.Name)
				if err != nil {
					log.Debug("open written frame", zap.String("file", ev.Name), zap.Error(err))
					continue
				}
				img, err := jpeg.Decode(f)
				f.Close()
				if err != nil {
					log.Debug("decoding jpeg, may be partially written", zap.String("file", ev.Name), zap.Error(err))
					continue
				}
				if err := os.Remove(ev.Name); err != nil {
					log.Debug("removing frame", zap.String("file", ev.Name), zap.Error(err))
				}
				select {
				case fd.events <- Event{Frame: img}:
					last = now
				default:
					log.Debug("dropping frame, scanner still busy")
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case fd.events <- Event{Err: fmt.Errorf("watching for changes: %w", err)}:
				case <-fd.done:
					return
				}
			}
		}
	}()

	if err := watcher.Add(dir); err != nil {
		fd.Close()
		return nil, fmt.Errorf("registering file change watcher for %s: %w", dir, err)
	}
	return fd, nil
}

// Events returns the channel on which decoded frames are sent.
func (fd *FrameDir) Events() chan Event {
	return fd.events
}

// Close stops watching. It does not remove Dir.
func (fd *FrameDir) Close() error {
	var err error
	fd.stopOnce.Do(func() {
		close(fd.done)
		err = fd.watcher.Close()
	})
	return err
}
