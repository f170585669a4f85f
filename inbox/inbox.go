// Package inbox watches a directory for pictures of barcodes, for example
// photos synced from a phone or files dropped by another program, and
// delivers each picture once.
package inbox

import (
	"fmt"
	"image"
	_ "image/jpeg" // Register decoders.
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Item is a picture found in the directory.
type Item struct {
	Err   error // If set, watching failed and the other fields are not valid.
	Path  string
	Image image.Image
}

// Opts are options for Watch.
type Opts struct {
	// Remove deletes pictures after they were decoded.
	Remove bool

	Logger *zap.Logger
}

// Watcher delivers pictures written to a directory.
type Watcher struct {
	Dir string

	items    chan Item
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

func isPicture(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// Watch starts watching dir. Pictures already in dir are not delivered.
// Callers must call Close.
func Watch(dir string, opts *Opts) (*Watcher, error) {
	var xopts Opts
	if opts != nil {
		xopts = *opts
	}
	log := xopts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file change watcher: %w", err)
	}
	w := &Watcher{
		Dir:     dir,
		items:   make(chan Item),
		watcher: watcher,
		done:    make(chan struct{}),
	}

	go func() {
		// Pictures already delivered. A picture is written in several
		// steps, and is delivered on the first event after which it
		// decodes.
		seen := map[string]bool{}
		for {
			select {
			case <-w.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPicture(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					delete(seen, ev.Name)
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || seen[ev.Name] {
					continue
				}
				f, err := os.Open(ev.Name)
				if err != nil {
					log.Debug("opening picture", zap.String("file", ev.Name), zap.Error(err))
					continue
				}
				img, _, err := image.Decode(f)
				f.Close()
				if err != nil {
					log.Debug("decoding picture, may be partially written", zap.String("file", ev.Name), zap.Error(err))
					continue
				}
				seen[ev.Name] = true
				if xopts.Remove {
					if err := os.Remove(ev.Name); err != nil {
						log.Info("removing picture", zap.String("file", ev.Name), zap.Error(err))
					}
				}
				select {
				case w.items <- Item{Path: ev.Name, Image: img}:
				case <-w.done:
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case w.items <- Item{Err: fmt.Errorf("watching for changes: %w", err)}:
				case <-w.done:
					return
				}
			}
		}
	}()

	if err := watcher.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("registering file change watcher for %s: %w", dir, err)
	}
	return w, nil
}

// Items returns the channel on which pictures are delivered.
func (w *Watcher) Items() <-chan Item {
	return w.items
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
