package camera

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

// DeviceCap describes a capability of a device.
type DeviceCap struct {
	Type      string // "video/x-raw", "image/jpeg", "MJPG", "YUYV"
	Width     int
	Height    int
	Framerate int
}

// Device is a camera device capable of recording frames.
type Device struct {
	Name string
	ID   string
	Caps []DeviceCap
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// SortCaps orders caps by how close they are to the requested size, closest
// first. Ties are broken by the higher frame rate.
func SortCaps(caps []DeviceCap, width, height int) {
	distance := func(a DeviceCap) int {
		return abs(a.Width-width)*abs(a.Height-height) + abs(a.Width-width) + abs(a.Height-height)
	}
	sort.SliceStable(caps, func(i, j int) bool {
		di, dj := distance(caps[i]), distance(caps[j])
		if di != dj {
			return di < dj
		}
		return caps[i].Framerate > caps[j].Framerate
	})
}

// CheckAccess opens a device node to find out early whether the capture
// process will be able to use it. IDs that are not paths under /dev are
// assumed to be accessible.
func CheckAccess(id string) error {
	if !strings.HasPrefix(id, "/dev/") {
		return nil
	}
	f, err := os.Open(id)
	if err == nil {
		return f.Close()
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return err
}
